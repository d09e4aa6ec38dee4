// Package gateway supplies OS-specific default-gateway lookup for
// package netprobe. It is a thin wrapper over the kernel routing table
// (Linux: NETLINK RTM_GETROUTE, Windows: GetAdaptersInfo); no protocol
// or higher-level policy lives here.
package gateway

import "net"

// GetIPs returns the IPv4 default gateway addresses for this host; both
// the Linux and the Windows lookups read IPv4 routes only. A host may
// have more than one default gateway (e.g. multiple uplinks); callers
// pick among them.
func GetIPs() ([]net.IP, error) {
	return getGatewayAddrs()
}
