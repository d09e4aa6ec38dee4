//go:build !linux && !windows

package gateway

import (
	"errors"
	"net"
)

var errUnsupportedPlatform = errors.New("gateway: default-gateway lookup is not implemented on this platform")

func getGatewayAddrs() (gwaddr []net.IP, err error) {
	return nil, errUnsupportedPlatform
}
