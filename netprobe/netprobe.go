// Package netprobe provides the default natmap.NetworkProbe
// implementation: local-interface enumeration, default-gateway lookup,
// and public-IP discovery via a NAT-PMP/PCP external-address query.
package netprobe

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/hlandau/natmap"
	"github.com/hlandau/natmap/gateway"
	"github.com/hlandau/natmap/pcp"
	"github.com/hlandau/natmap/pmp"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("natmap.netprobe")

// publicIPTimeout bounds the external-address query GetPublicIP issues.
const publicIPTimeout = 2 * time.Second

// Prober is the default NetworkProbe: it never uses STUN or any other
// third-party IP-echo service, only the PMP/PCP external-address query
// against whatever gateway GetGatewayIP reports.
type Prober struct{}

// New returns a default NetworkProbe.
func New() *Prober { return &Prober{} }

var errNoPrivateIPs = errors.New("netprobe: no private IPv4 addresses found on any interface")

// GetPrivateIPs enumerates private IPv4 addresses across every up,
// non-loopback interface.
func (p *Prober) GetPrivateIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipn, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			v4 := ipn.IP.To4()
			if v4 == nil || !v4.IsPrivate() {
				continue
			}
			ips = append(ips, v4)
		}
	}

	if len(ips) == 0 {
		return nil, errNoPrivateIPs
	}
	return ips, nil
}

// GetGatewayIP returns the host's first IPv4 default gateway.
func (p *Prober) GetGatewayIP() (net.IP, error) {
	addrs, err := gateway.GetIPs()
	if err != nil {
		return nil, err
	}

	for _, a := range addrs {
		if v4 := a.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, errors.New("netprobe: no IPv4 default gateway found")
}

// GetPublicIP asks the default gateway for its external address via
// NAT-PMP, falling back to PCP if PMP doesn't respond. This is
// deliberately not STUN or any other external echo service: the goal is
// "what does my gateway think my public IP is", which only the gateway
// itself can answer authoritatively for the purposes of roam detection.
func (p *Prober) GetPublicIP() (net.IP, error) {
	gw, err := p.GetGatewayIP()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publicIPTimeout)
	defer cancel()

	if ip, err := pmp.GetExternalAddr(ctx, gw); err == nil {
		return ip, nil
	}

	privateIPs, err := p.GetPrivateIPs()
	if err != nil {
		return nil, err
	}
	clientIP := natmap.Choose(privateIPs, gw)
	if clientIP == nil {
		return nil, errors.New("netprobe: no private IP to query PCP external address with")
	}

	// A throwaway MAP request on the PCP probe port is used purely to
	// read back the gateway's external address; RFC 6887 mandates the
	// MAP response always carries it.
	rec, err := pcp.New().CreateMapping(ctx, natmap.CreateRequest{
		RouterIP:     gw,
		Transport:    natmap.UDP,
		InternalPort: natmap.ProbePortPCP,
		ExternalPort: natmap.ProbePortPCP,
		Lifetime:     60 * time.Second,
	}, privateIPs)
	if err != nil {
		return nil, err
	}

	return rec.ExternalIP, nil
}
