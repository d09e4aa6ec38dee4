// Package natmap negotiates and maintains inbound port mappings on
// consumer NATs via NAT-PMP, PCP and UPnP IGD.
//
// A Manager holds a priority-ordered list of Adapters (one per gateway
// protocol). Calling AddMapping walks the adapters in order; for each,
// a Dispatcher races requests against candidate gateway IPs in two waves
// (a small matched wave derived from the host's private addresses and
// router-IP cache, then a fallback wave over the remaining known router
// IPs) and the first success wins. Successful mappings are kept alive by
// a renewal scheduler that arms a timer firing when the granted lease
// elapses, and a periodic sweep evicts and re-establishes mappings whose
// external IP no longer matches the host's current public IP (network
// roaming).
//
// See the Adapter implementations in the pmp, pcp and upnp
// sub-packages, and netprobe for the concrete NetworkProbe used to
// enumerate local addresses and gateways.
package natmap

// © 2010 Jack Palevich          BSD License  (Taipei-Torrent)
// © 2013 John Beisley           MIT License  (huin/goupnp)
// © 2013 John Howard Palevich   Apache v2 License (go-nat-pmp)
// © 2014 Hugo Landau            MIT License
