package pcp

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/hlandau/natmap"
)

var errNoUsableClientIP = errors.New("pcp: no private IP shares a prefix with the router")

// Adapter implements natmap.Adapter for PCP (RFC 6887). Unlike pmp.Adapter
// it is not fully stateless: CreateMapping stores the nonce it generated
// on the returned Record so a later DeleteMapping can present it back to
// the gateway, as RFC 6887 requires the original nonce to modify or
// delete a mapping.
type Adapter struct{}

// New returns a PCP Adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() natmap.GatewayProtocol { return natmap.PCP }

// Probe attempts a throwaway MAP request on the well-known PCP probe
// port and immediately tears it down.
func (a *Adapter) Probe(ctx context.Context, routerIP net.IP, privateIPs []net.IP) bool {
	port := natmap.ProbePortPCP

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	clientIP := natmap.Choose(privateIPs, routerIP)
	if clientIP == nil {
		return false
	}

	nonce, err := NewNonce()
	if err != nil {
		return false
	}
	var n [NonceSize]byte
	copy(n[:], nonce)

	res, err := mapRequest(ctx, routerIP, clientIP, natmap.UDP, port, port, nil, 60, n)
	if err != nil {
		log.Debugf("probe: %v: %v", routerIP, err)
		return false
	}

	delCtx, delCancel := context.WithTimeout(context.Background(), Timeout)
	defer delCancel()
	_, _ = mapRequest(delCtx, routerIP, clientIP, natmap.UDP, port, res.externalPort, nil, 0, n)

	return true
}

// CreateMapping performs one PCP MAP create/refresh request against
// req.RouterIP, generating a fresh nonce for every call.
func (a *Adapter) CreateMapping(ctx context.Context, req natmap.CreateRequest, privateIPs []net.IP) (*natmap.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	clientIP := natmap.Choose(privateIPs, req.RouterIP)
	if clientIP == nil {
		return nil, &natmap.Error{Kind: natmap.ErrGateway, Op: "pcp.CreateMapping", Err: errNoUsableClientIP}
	}

	nonceBytes, err := NewNonce()
	if err != nil {
		return nil, err
	}
	var nonce [NonceSize]byte
	copy(nonce[:], nonceBytes)

	lifetimeSeconds := uint32(req.Lifetime.Seconds())

	res, err := mapRequest(ctx, req.RouterIP, clientIP, req.Transport, req.InternalPort, req.ExternalPort, nil, lifetimeSeconds, nonce)
	if err != nil {
		return nil, err
	}

	return &natmap.Record{
		InternalPort: req.InternalPort,
		ExternalPort: res.externalPort,
		InternalIP:   clientIP,
		ExternalIP:   res.externalIP,
		RouterIP:     req.RouterIP,
		Lifetime:     time.Duration(res.lifetime) * time.Second,
		Nonce:        append([]byte(nil), nonceBytes...),
	}, nil
}

// DeleteMapping issues a PCP MAP request with lifetime 0 and the
// mapping's original nonce, per RFC 6887 §11.1. A gateway response of
// NO_RESOURCES (8) is treated as successful deletion, since it means the
// mapping is already gone.
func (a *Adapter) DeleteMapping(ctx context.Context, rec *natmap.Record) error {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	var nonce [NonceSize]byte
	copy(nonce[:], rec.Nonce)

	clientIP := rec.InternalIP
	if clientIP == nil {
		clientIP = net.IPv4zero
	}

	_, err := mapRequest(ctx, rec.RouterIP, clientIP, rec.Transport, rec.InternalPort, rec.ExternalPort, nil, 0, nonce)
	return err
}
