package natmap

import (
	"net"
	"time"
)

// GatewayProtocol identifies which gateway-side protocol produced or
// will be asked to produce a mapping.
type GatewayProtocol int

const (
	PMP GatewayProtocol = iota
	PCP
	UPNP
)

func (p GatewayProtocol) String() string {
	switch p {
	case PMP:
		return "NAT-PMP"
	case PCP:
		return "PCP"
	case UPNP:
		return "UPnP"
	default:
		return "unknown"
	}
}

// TransportProtocol identifies the transport-layer protocol of the port
// being mapped.
type TransportProtocol int

const (
	TCP TransportProtocol = 6
	UDP TransportProtocol = 17
)

func (p TransportProtocol) String() string {
	switch p {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	default:
		return "unknown"
	}
}

// Record is the unit of state tracked per active or attempted mapping.
//
// externalPort == 0 is the sentinel for "not established" (invariant 1).
// Nonce is non-nil iff Protocol == PCP (invariant 3). Lifetime must not
// exceed RequestedLifetime for PCP/PMP (invariant 4).
type Record struct {
	Protocol  GatewayProtocol
	Transport TransportProtocol

	InternalPort uint16
	ExternalPort uint16

	InternalIP net.IP
	ExternalIP net.IP
	RouterIP   net.IP

	// Lifetime is the lease actually granted by the gateway.
	Lifetime time.Duration

	// RequestedLifetime is what the caller originally asked for; used to
	// compute the remaining budget when a gateway shortens a lease and a
	// renewal must request less next time. Zero means "indefinite" for
	// PMP/PCP and "static/permanent" for UPnP.
	RequestedLifetime time.Duration

	// Nonce is the 12-byte PCP mapping nonce, required verbatim for
	// deletion. Nil for non-PCP records.
	Nonce []byte

	// ErrorInfo is a slot for the last failure observed for this
	// mapping, for diagnostics only. Manager does not fill it in; a
	// failed renewal is logged and the entry evicted instead.
	ErrorInfo error

	// Armed reports whether a renewal timer is currently scheduled for
	// this record (invariant 1: a record is in the active-mapping table
	// iff ExternalPort != 0 and Armed, or its lease is infinite).
	Armed bool

	CreatedAt time.Time

	// name is an opaque mapping description; not part of any invariant.
	// Manager does not set it: the description sent to the gateway
	// (UPnP's NewPortMappingDescription) comes from CreateRequest.Name.
	name string

	// reqExternalPort is the caller's originally suggested external
	// port (0 = any), kept so renewals and roam re-establishment ask
	// for the same thing again.
	reqExternalPort uint16

	// id is a diagnostic correlation id, distinct from the wire nonce,
	// assigned when the record is created. Each renewal or roam
	// re-establishment produces a new record with a new id; no log line
	// prints it.
	id string
}

func (r *Record) key() mapKey {
	return mapKey{ip: ipKey(r.ExternalIP), port: r.ExternalPort}
}

// Clone returns a shallow copy safe to hand to callers outside the
// registry lock.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Nonce != nil {
		c.Nonce = append([]byte(nil), r.Nonce...)
	}
	return &c
}
