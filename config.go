package natmap

import (
	"net"
	"sort"
	"time"
)

// DefaultRenewInterval is the default period of the roam-detection sweep.
const DefaultRenewInterval = 10 * time.Minute

// defaultAdapterOrder is the default adapter priority: PMP before UPnP;
// PCP is opt-in only (§6: "adapters (default [PMP, UPnP])").
var defaultAdapterOrder = []GatewayProtocol{PMP, UPNP}

// Config configures a Manager.
type Config struct {
	// Adapters is the set of protocol implementations available to this
	// Manager, pluggable by the caller (e.g. pmp.New(), upnp.New(),
	// pcp.New()). At least one is required.
	Adapters []Adapter

	// AdapterOrder is the priority order adapters are tried in for
	// AddMapping, by GatewayProtocol. Adapters supplied in Adapters but
	// not named here are tried last, in the order supplied. A nil/empty
	// slice defaults to [PMP, UPnP].
	AdapterOrder []GatewayProtocol

	// Probe supplies local network introspection (private IPs, default
	// gateway, current public IP). It is required: New returns an error
	// when it is nil. netprobe.New() is not wired in as a default here
	// (to keep this package independent of netprobe).
	Probe NetworkProbe

	// RouterSeed overrides the bundled list of common residential
	// gateway defaults the dispatcher probes in its fallback wave. Nil
	// uses the bundled list.
	RouterSeed []net.IP

	// DisableAutoRenew turns off the periodic roam-detection sweep. The
	// zero value keeps it enabled, matching the documented default of
	// "autoRenew (default true)".
	DisableAutoRenew bool

	// RenewInterval is the sweep period. Zero uses DefaultRenewInterval.
	RenewInterval time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.AdapterOrder) == 0 {
		c.AdapterOrder = defaultAdapterOrder
	}
	if c.RenewInterval == 0 {
		c.RenewInterval = DefaultRenewInterval
	}
	return c
}

// orderedAdapters returns c.Adapters arranged per c.AdapterOrder, with
// any adapter whose protocol isn't named in AdapterOrder appended last
// in its original relative position.
func (c Config) orderedAdapters() []Adapter {
	rank := make(map[GatewayProtocol]int, len(c.AdapterOrder))
	for i, p := range c.AdapterOrder {
		rank[p] = i
	}

	const unranked = 1 << 30
	out := append([]Adapter(nil), c.Adapters...)

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := unranked, unranked
		if v, ok := rank[out[i].Name()]; ok {
			ri = v
		}
		if v, ok := rank[out[j].Name()]; ok {
			rj = v
		}
		return ri < rj
	})
	return out
}
