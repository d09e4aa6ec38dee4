package pmp

import (
	"context"
	"net"
	"time"

	"github.com/hlandau/natmap"
)

// Adapter implements natmap.Adapter for NAT-PMP. It is stateless; a
// single Adapter value may be shared across concurrent dispatches.
type Adapter struct{}

// New returns a NAT-PMP Adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() natmap.GatewayProtocol { return natmap.PMP }

// Probe attempts a throwaway UDP mapping on the well-known PMP probe
// port and immediately tears it down.
func (a *Adapter) Probe(ctx context.Context, routerIP net.IP, privateIPs []net.IP) bool {
	port := natmap.ProbePortPMP

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	externalPort, _, err := mapPort(ctx, routerIP, natmap.UDP, port, port, 60*time.Second)
	if err != nil {
		log.Debugf("probe: %v: %v", routerIP, err)
		return false
	}

	// best-effort teardown of the throwaway mapping
	delCtx, delCancel := context.WithTimeout(context.Background(), Timeout)
	defer delCancel()
	_, _, _ = mapPort(delCtx, routerIP, natmap.UDP, port, externalPort, 0)

	return true
}

// CreateMapping performs one NAT-PMP Map Port attempt against
// req.RouterIP.
func (a *Adapter) CreateMapping(ctx context.Context, req natmap.CreateRequest, privateIPs []net.IP) (*natmap.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	externalPort, actualLifetime, err := mapPort(ctx, req.RouterIP, req.Transport, req.InternalPort, req.ExternalPort, req.Lifetime)
	if err != nil {
		return nil, err
	}

	internalIP := natmap.Choose(privateIPs, req.RouterIP)

	extIP, err := getExternalAddr(ctx, req.RouterIP)
	if err != nil {
		log.Debugf("createMapping: external address query failed for %v: %v", req.RouterIP, err)
	}

	return &natmap.Record{
		InternalPort: req.InternalPort,
		ExternalPort: externalPort,
		InternalIP:   internalIP,
		ExternalIP:   extIP,
		RouterIP:     req.RouterIP,
		Lifetime:     actualLifetime,
	}, nil
}

// DeleteMapping performs a NAT-PMP Map Port request with lifetime 0,
// which RFC 6886 defines as a deletion.
func (a *Adapter) DeleteMapping(ctx context.Context, rec *natmap.Record) error {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	_, _, err := mapPort(ctx, rec.RouterIP, rec.Transport, rec.InternalPort, rec.ExternalPort, 0)
	return err
}
