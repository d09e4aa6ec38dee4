package upnp

import (
	"encoding/xml"
	"errors"
	"net/http"
	"net/url"
	"time"
)

const deviceNS = "urn:schemas-upnp-org:device-1-0"

// WANIPConnectionService and WANPPPConnectionService are the two
// WAN connection service types IGD gateways expose; a gateway offers
// exactly one depending on its uplink configuration.
const (
	WANIPConnectionService  = "urn:schemas-upnp-org:service:WANIPConnection:1"
	WANPPPConnectionService = "urn:schemas-upnp-org:service:WANPPPConnection:1"
)

type xRootDevice struct {
	XMLName xml.Name `xml:"root"`
	Device  xDevice  `xml:"device"`
}

type xDevice struct {
	Services []xService `xml:"serviceList>service,omitempty"`
	Devices  []xDevice  `xml:"deviceList>device,omitempty"`
}

func (d *xDevice) initURLFields(base *url.URL) {
	for i := range d.Services {
		d.Services[i].initURLFields(base)
	}
	for i := range d.Devices {
		d.Devices[i].initURLFields(base)
	}
}

func (d *xDevice) visitServices(f func(s *xService)) {
	for i := range d.Services {
		f(&d.Services[i])
	}
	for i := range d.Devices {
		d.Devices[i].visitServices(f)
	}
}

type xService struct {
	ServiceType string    `xml:"serviceType"`
	ServiceID   string    `xml:"serviceId"`
	ControlURL  xURLField `xml:"controlURL"`
}

func (s *xService) initURLFields(base *url.URL) {
	s.ControlURL.initURLFields(base)
}

type xURLField struct {
	URL url.URL `xml:"-"`
	OK  bool    `xml:"-"`
	Str string  `xml:",chardata"`
}

func (f *xURLField) initURLFields(base *url.URL) {
	u, err := url.Parse(f.Str)
	if err != nil {
		f.URL = url.URL{}
		f.OK = false
		return
	}
	f.URL = *base.ResolveReference(u)
	f.OK = true
}

// descriptionTimeout bounds the device-description HTTP GET (§4.6: "each
// sub-step has a 1-second timeout").
const descriptionTimeout = 1 * time.Second

var errControlURLNotFound = errors.New("upnp: no service matching the requested type was found in the device description")

// findControlURL fetches the device description XML at descriptionURL
// and returns the controlURL of the first service whose ServiceType
// equals serviceType, so either WANIPConnection or WANPPPConnection
// can be located.
func findControlURL(descriptionURL, serviceType string) (*url.URL, error) {
	base, err := url.Parse(descriptionURL)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: descriptionTimeout}
	res, err := client.Get(descriptionURL)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, errors.New("upnp: non-200 status fetching device description")
	}

	d := xml.NewDecoder(res.Body)
	d.DefaultSpace = deviceNS

	var root xRootDevice
	if err := d.Decode(&root); err != nil {
		return nil, err
	}

	root.Device.initURLFields(base)

	var found *url.URL
	root.Device.visitServices(func(s *xService) {
		if found != nil || s.ServiceType != serviceType || !s.ControlURL.OK {
			return
		}
		u := s.ControlURL.URL
		found = &u
	})

	if found == nil {
		return nil, errControlURLNotFound
	}
	return found, nil
}
