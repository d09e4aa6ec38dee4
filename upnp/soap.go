package upnp

import (
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hlandau/natmap"
)

// soapTimeout bounds each SOAP POST (§4.6: "each sub-step has a
// 1-second timeout").
const soapTimeout = 1 * time.Second

type xSoapEnvelope struct {
	XMLName xml.Name  `xml:"Envelope"`
	Body    xSoapBody `xml:"Body"`
}

type xSoapBody struct {
	XMLName xml.Name `xml:"Body"`
	Data    []byte   `xml:",innerxml"`
}

type xSoapFault struct {
	XMLName   xml.Name `xml:"Fault"`
	ErrorCode string   `xml:"detail>UPnPError>errorCode"`
}

// conflictInMappingEntryCode is the UPnP error code a gateway returns
// when AddPortMapping collides with an existing entry on the same
// external port; per the resolved open question this still proves the
// protocol itself works, so Probe treats it as success.
const conflictInMappingEntryCode = "718"

func transportString(t natmap.TransportProtocol) (string, error) {
	switch t {
	case natmap.TCP:
		return "TCP", nil
	case natmap.UDP:
		return "UDP", nil
	default:
		return "", fmt.Errorf("upnp: unsupported transport protocol %v", t)
	}
}

func soapRequest(controlURL, serviceType, method, body string) (*http.Response, error) {
	envelope := `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>` + body + `</s:Body></s:Envelope>`

	req, err := http.NewRequest(http.MethodPost, controlURL, strings.NewReader(envelope))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf(`"%s#%s"`, serviceType, method))

	client := &http.Client{Timeout: soapTimeout}
	return client.Do(req)
}

// soapFaultCode extracts the UPnPError errorCode from a non-200 SOAP
// response body, if present.
func soapFaultCode(res *http.Response) string {
	var envelope xSoapEnvelope
	if xml.NewDecoder(res.Body).Decode(&envelope) != nil {
		return ""
	}
	var fault xSoapFault
	if xml.Unmarshal(envelope.Body.Data, &fault) != nil {
		return ""
	}
	return fault.ErrorCode
}

// addPortMapping performs one AddPortMapping SOAP transaction.
func addPortMapping(controlURL, serviceType string, internalClient net.IP, transport natmap.TransportProtocol, internalPort, externalPort uint16, name string, lifetime time.Duration) error {
	tp, err := transportString(transport)
	if err != nil {
		return err
	}

	body := fmt.Sprintf(`<u:AddPortMapping xmlns:u="%s"><NewRemoteHost></NewRemoteHost><NewExternalPort>%d</NewExternalPort><NewProtocol>%s</NewProtocol><NewInternalPort>%d</NewInternalPort><NewInternalClient>%s</NewInternalClient><NewEnabled>1</NewEnabled><NewPortMappingDescription>%s</NewPortMappingDescription><NewLeaseDuration>%d</NewLeaseDuration></u:AddPortMapping>`,
		serviceType, externalPort, tp, internalPort, internalClient.String(), html.EscapeString(name), uint32(lifetime.Seconds()))

	res, err := soapRequest(controlURL, serviceType, "AddPortMapping", body)
	if err != nil {
		return &natmap.Error{Kind: natmap.ErrTransport, Op: "upnp.AddPortMapping", Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		code := soapFaultCode(res)
		if code == conflictInMappingEntryCode {
			return &conflictError{}
		}
		return &natmap.Error{Kind: natmap.ErrGateway, Op: "upnp.AddPortMapping",
			Err: fmt.Errorf("SOAP fault %s (HTTP %d)", code, res.StatusCode)}
	}

	return nil
}

// conflictError signals ConflictInMappingEntry (UPnP error 718): the
// probe port is already mapped by someone else, but the protocol works.
type conflictError struct{}

func (e *conflictError) Error() string { return "upnp: conflict in mapping entry (718)" }

func isConflict(err error) bool {
	var c *conflictError
	return errors.As(err, &c)
}

// deletePortMapping performs one DeletePortMapping SOAP transaction.
func deletePortMapping(controlURL, serviceType string, transport natmap.TransportProtocol, externalPort uint16) error {
	tp, err := transportString(transport)
	if err != nil {
		return err
	}

	body := fmt.Sprintf(`<u:DeletePortMapping xmlns:u="%s"><NewRemoteHost></NewRemoteHost><NewExternalPort>%d</NewExternalPort><NewProtocol>%s</NewProtocol></u:DeletePortMapping>`,
		serviceType, externalPort, tp)

	res, err := soapRequest(controlURL, serviceType, "DeletePortMapping", body)
	if err != nil {
		return &natmap.Error{Kind: natmap.ErrTransport, Op: "upnp.DeletePortMapping", Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return &natmap.Error{Kind: natmap.ErrGateway, Op: "upnp.DeletePortMapping",
			Err: fmt.Errorf("HTTP %d", res.StatusCode)}
	}
	return nil
}

type xGetExternalAddrResponse struct {
	XMLName           xml.Name `xml:"GetExternalIPAddressResponse"`
	ExternalIPAddress string   `xml:"NewExternalIPAddress"`
}

// getExternalAddr performs one GetExternalIPAddress SOAP transaction.
func getExternalAddr(controlURL, serviceType string) (net.IP, error) {
	body := fmt.Sprintf(`<u:GetExternalIPAddress xmlns:u="%s"/>`, serviceType)

	res, err := soapRequest(controlURL, serviceType, "GetExternalIPAddress", body)
	if err != nil {
		return nil, &natmap.Error{Kind: natmap.ErrTransport, Op: "upnp.GetExternalIPAddress", Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, &natmap.Error{Kind: natmap.ErrGateway, Op: "upnp.GetExternalIPAddress",
			Err: fmt.Errorf("HTTP %d", res.StatusCode)}
	}

	var envelope xSoapEnvelope
	if err := xml.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, err
	}

	var reply xGetExternalAddrResponse
	if err := xml.Unmarshal(envelope.Body.Data, &reply); err != nil {
		return nil, err
	}

	ip := net.ParseIP(reply.ExternalIPAddress)
	if ip == nil {
		return nil, errors.New("upnp: could not parse external IP address from SOAP reply")
	}
	return ip, nil
}
