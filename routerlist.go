package natmap

import "net"

// seedRouterIPs lists the common residential gateway default addresses
// this module knows to probe even before any interface-derived guess or
// router-IP cache entry exists, covering the usual 192.168.*/10.*
// conventions used by consumer routers.
var seedRouterIPs = mustParseIPs([]string{
	"192.168.0.1",
	"192.168.1.1",
	"192.168.2.1",
	"192.168.10.1",
	"192.168.11.1",
	"192.168.15.1",
	"192.168.16.1",
	"192.168.20.1",
	"192.168.30.1",
	"192.168.50.1",
	"192.168.100.1",
	"192.168.123.254",
	"192.168.254.254",
	"192.168.0.254",
	"192.168.1.254",
	"192.168.1.2",
	"10.0.0.1",
	"10.0.0.138",
	"10.0.1.1",
	"10.1.1.1",
	"10.10.1.1",
})

func mustParseIPs(addrs []string) []net.IP {
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			panic("natmap: invalid seed router IP literal: " + a)
		}
		ips = append(ips, ip)
	}
	return ips
}
