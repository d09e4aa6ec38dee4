package natmap

import (
	"context"
	"net"
	"time"
)

// Well-known probe ports used by Adapter.Probe per protocol (§4.1).
const (
	ProbePortPMP  uint16 = 55555
	ProbePortPCP  uint16 = 55556
	ProbePortUPnP uint16 = 55557
)

// normalizeLifetime computes the wire-level lifetime to request for one
// candidate gateway of the given protocol, given the caller's requested
// lifetime (0 meaning "indefinite"/"static" depending on protocol).
//
// PMP/PCP gateways treat a wire value of zero as a deletion request, so
// a requested lifetime of zero is normalized to 24h on the wire and
// re-interpreted as "renew forever" by the scheduler. UPnP gateways
// treat zero as a permanent static mapping, so it is passed through.
func normalizeLifetime(proto GatewayProtocol, requested time.Duration) time.Duration {
	if requested == 0 && proto != UPNP {
		return 24 * time.Hour
	}
	return requested
}

// CreateRequest is one attempt to create a mapping against one candidate
// gateway.
type CreateRequest struct {
	RouterIP  net.IP
	Transport TransportProtocol

	InternalPort uint16

	// ExternalPort is the suggested external port; 0 requests "any
	// available port". UPnP does not honor 0 and must pick one itself.
	ExternalPort uint16

	// Lifetime is the already-normalized wire-level lifetime (see
	// normalizeLifetime).
	Lifetime time.Duration

	// RequestedLifetime is the caller's raw, un-normalized ask, carried
	// through so the renewal scheduler can do its arithmetic.
	RequestedLifetime time.Duration

	// Name is a short mapping description (used by UPnP's
	// NewPortMappingDescription; not used by PMP/PCP).
	Name string
}

// Adapter is the common shape every gateway-side protocol implementation
// satisfies. Implementations must not panic; all failures surface as an
// error value (ideally a *Error with an appropriate Kind) so the
// dispatcher can classify them.
type Adapter interface {
	// Name identifies which GatewayProtocol this adapter implements.
	Name() GatewayProtocol

	// Probe attempts a throwaway mapping on the protocol's well-known
	// probe port against routerIP to decide whether the protocol is
	// usable on this gateway. A gateway reporting a mapping conflict on
	// the probe port (UPnP's ConflictInMappingEntry) still counts as
	// usable: it proves the protocol itself works.
	Probe(ctx context.Context, routerIP net.IP, privateIPs []net.IP) bool

	// CreateMapping performs one attempt against one candidate gateway.
	// Implementations must populate Record.InternalIP via a
	// longest-prefix match (Choose) between privateIPs and
	// req.RouterIP.
	CreateMapping(ctx context.Context, req CreateRequest, privateIPs []net.IP) (*Record, error)

	// DeleteMapping removes one prior mapping.
	DeleteMapping(ctx context.Context, rec *Record) error
}

// NetworkProbe is the external collaborator the core consumes for local
// network introspection (enumeration of local interface addresses and
// the active gateway are explicitly out of scope for the core itself;
// see the netprobe package for the concrete implementation).
type NetworkProbe interface {
	// GetPrivateIPs returns the host's private IPv4 addresses.
	GetPrivateIPs() ([]net.IP, error)

	// GetGatewayIP returns the active default gateway's IPv4 address.
	GetGatewayIP() (net.IP, error)

	// GetPublicIP returns the host's current public IPv4 address, as
	// seen by the gateway. Used by the renewal sweep to detect roaming.
	GetPublicIP() (net.IP, error)
}
