// Package upnp implements the UPnP IGD port mapping adapter: SSDP
// discovery, device-description fetch, and SOAP AddPortMapping /
// DeletePortMapping / GetExternalIPAddress against the WAN connection
// service.
package upnp

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/hlandau/natmap"
	"github.com/hlandau/natmap/upnp/ssdp"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("natmap.upnp")

// serviceTypes is tried in order per gateway; most residential gateways
// expose WANIPConnection, PPPoE bridges expose WANPPPConnection.
var serviceTypes = []string{WANIPConnectionService, WANPPPConnectionService}

// Adapter implements natmap.Adapter for UPnP IGD. It is stateless aside
// from the SSDP discovery results it needs per attempt, which it
// re-fetches each call; the dispatcher is expected to cache outcomes at
// the router-IP level, not this adapter.
type Adapter struct{}

// New returns a UPnP Adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() natmap.GatewayProtocol { return natmap.UPNP }

// locateService runs SSDP discovery, picks the device whose Location
// host matches routerIP (falling back to the first device found if none
// match, since some gateways answer SSDP from a different source
// address than their LAN gateway IP), and returns the first usable
// (controlURL, serviceType) pair.
var locateService = func(routerIP net.IP) (controlURL string, serviceType string, err error) {
	devices, err := ssdp.Search(ssdp.SearchTarget)
	if err != nil {
		return "", "", &natmap.Error{Kind: natmap.ErrGateway, Op: "upnp.Search", Err: err}
	}
	if len(devices) == 0 {
		return "", "", &natmap.Error{Kind: natmap.ErrGateway, Op: "upnp.Search", Err: errNoDevicesFound}
	}

	dev := devices[0]
	for _, d := range devices {
		if host, _, splitErr := net.SplitHostPort(d.Location.Host); splitErr == nil && net.ParseIP(host).Equal(routerIP) {
			dev = d
			break
		}
	}

	for _, st := range serviceTypes {
		u, err := findControlURL(dev.Location.String(), st)
		if err == nil {
			return u.String(), st, nil
		}
	}

	return "", "", &natmap.Error{Kind: natmap.ErrGateway, Op: "upnp.findControlURL", Err: errControlURLNotFound}
}

var errNoDevicesFound = errors.New("upnp: no SSDP responses received")

// errNoUsableClientIP is returned when no private IP shares a prefix
// with the router, so there is no internal client address to advertise.
var errNoUsableClientIP = errors.New("upnp: no private IP shares a prefix with the router")

// randomEphemeralPort picks a port in the dynamic/private range for
// requests that don't suggest a specific external port.
func randomEphemeralPort() uint16 {
	const low, high = 1025, 65000
	return uint16(rand.Int31n(high-low) + low)
}

// Probe runs SSDP discovery plus one throwaway AddPortMapping/
// DeletePortMapping pair on the well-known UPnP probe port.
// ConflictInMappingEntry (error 718) on the probe still counts as
// success: it proves AddPortMapping itself is reachable and functional,
// just that the probe port happens to be taken.
func (a *Adapter) Probe(ctx context.Context, routerIP net.IP, privateIPs []net.IP) bool {
	controlURL, serviceType, err := locateService(routerIP)
	if err != nil {
		log.Debugf("probe: %v: %v", routerIP, err)
		return false
	}

	selfIP := natmap.Choose(privateIPs, routerIP)
	if selfIP == nil {
		return false
	}

	port := natmap.ProbePortUPnP
	err = addPortMapping(controlURL, serviceType, selfIP, natmap.UDP, port, port, "natmap-probe", 60*time.Second)
	if err == nil {
		_ = deletePortMapping(controlURL, serviceType, natmap.UDP, port)
		return true
	}

	return isConflict(err)
}

// CreateMapping performs one AddPortMapping SOAP transaction against
// req.RouterIP. UPnP does not honor a zero suggested external port, so
// one is chosen randomly in the ephemeral range when unspecified.
func (a *Adapter) CreateMapping(ctx context.Context, req natmap.CreateRequest, privateIPs []net.IP) (*natmap.Record, error) {
	controlURL, serviceType, err := locateService(req.RouterIP)
	if err != nil {
		return nil, err
	}

	selfIP := natmap.Choose(privateIPs, req.RouterIP)
	if selfIP == nil {
		return nil, &natmap.Error{Kind: natmap.ErrGateway, Op: "upnp.CreateMapping", Err: errNoUsableClientIP}
	}

	externalPort := req.ExternalPort
	if externalPort == 0 {
		externalPort = randomEphemeralPort()
	}

	if err := addPortMapping(controlURL, serviceType, selfIP, req.Transport, req.InternalPort, externalPort, req.Name, req.Lifetime); err != nil {
		return nil, err
	}

	extIP, err := getExternalAddr(controlURL, serviceType)
	if err != nil {
		log.Debugf("createMapping: external address query failed for %v: %v", req.RouterIP, err)
	}

	return &natmap.Record{
		InternalPort: req.InternalPort,
		ExternalPort: externalPort,
		InternalIP:   selfIP,
		ExternalIP:   extIP,
		RouterIP:     req.RouterIP,
		Lifetime:     req.Lifetime,
	}, nil
}

// DeleteMapping performs one DeletePortMapping SOAP transaction.
func (a *Adapter) DeleteMapping(ctx context.Context, rec *natmap.Record) error {
	controlURL, serviceType, err := locateService(rec.RouterIP)
	if err != nil {
		return err
	}
	return deletePortMapping(controlURL, serviceType, rec.Transport, rec.ExternalPort)
}
