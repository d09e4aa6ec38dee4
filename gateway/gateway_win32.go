//go:build windows

package gateway

import (
	"net"
	"os"
	"syscall"
	"unsafe"
)

// getAdapterList fetches IP_ADAPTER_INFO for every local adapter.
// IPv4 only: GetAdaptersInfo predates IPv6 and there is no cross-platform
// replacement in the syscall package.
func getAdapterList() (*syscall.IpAdapterInfo, error) {
	b := make([]byte, 1000)
	l := uint32(len(b))
	a := (*syscall.IpAdapterInfo)(unsafe.Pointer(&b[0]))
	err := syscall.GetAdaptersInfo(a, &l)
	if err == syscall.ERROR_BUFFER_OVERFLOW {
		b = make([]byte, l)
		a = (*syscall.IpAdapterInfo)(unsafe.Pointer(&b[0]))
		err = syscall.GetAdaptersInfo(a, &l)
	}
	if err != nil {
		return nil, os.NewSyscallError("GetAdaptersInfo", err)
	}
	return a, nil
}

func getGatewayAddrs() (gwaddr []net.IP, err error) {
	ai, err := getAdapterList()
	if err != nil {
		return
	}

	for ; ai != nil; ai = ai.Next {
		for g := &ai.GatewayList; g != nil; g = g.Next {
			ip := net.ParseIP(string(g.IpAddress.String[:]))
			if ip != nil {
				gwaddr = append(gwaddr, ip)
			}
		}
	}

	return
}
