// Package pcp implements the PCP (RFC 6887) MAP opcode wire protocol
// and an Adapter satisfying natmap.Adapter.
package pcp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	degonet "github.com/hlandau/degoutils/net"
	"github.com/hlandau/natmap"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("natmap.pcp")

// Port is the UDP port PCP gateways listen on.
const Port = 5351

// Timeout is the per-attempt time budget (§4.5).
const Timeout = 2 * time.Second

const (
	requestSize = 60

	version2     byte = 2
	opcodeMap    byte = 1 // high bit clear on requests, set on responses
	opcodeMapRes byte = 0x80 | opcodeMap

	protoUDP byte = 17
	protoTCP byte = 6

	resultSuccess     byte = 0
	resultNoResources byte = 8
)

// NonceSize is the length of a PCP mapping nonce in bytes.
const NonceSize = 12

// NewNonce generates a fresh 12-byte mapping nonce.
func NewNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

func transportByte(t natmap.TransportProtocol) (byte, error) {
	switch t {
	case natmap.UDP:
		return protoUDP, nil
	case natmap.TCP:
		return protoTCP, nil
	default:
		return 0, fmt.Errorf("pcp: unsupported transport protocol %v", t)
	}
}

// writeIPv4Mapped writes the 16-byte IPv4-mapped-IPv6 encoding of ip
// (10 zero bytes, 0xff, 0xff, then the 4 IPv4 octets) at buf[off:off+16].
func writeIPv4Mapped(buf []byte, off int, ip net.IP) {
	buf[off+10] = 0xff
	buf[off+11] = 0xff
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	copy(buf[off+12:off+16], v4)
}

func readIPv4Mapped(buf []byte, off int) net.IP {
	return net.IP(append([]byte(nil), buf[off+12:off+16]...))
}

type mapRequestParams struct {
	lifetime              uint32
	clientIP              net.IP
	nonce                 [NonceSize]byte
	transport             byte
	internalPort          uint16
	suggestedExternalPort uint16
	suggestedExternalIP   net.IP
}

// encodeMapRequest lays out the 60-byte PCP MAP request per §4.5:
//
//	0   4  version=2, opcode=MAP (request, high bit clear), reserved
//	4   4  requested lifetime (seconds)
//	8  16  client IP, IPv4-mapped
//	24 12  mapping nonce
//	36  1  protocol (17=UDP, 6=TCP)
//	37  3  reserved
//	40  2  internal port
//	42  2  suggested external port
//	44 16  suggested external address, IPv4-mapped
func encodeMapRequest(p mapRequestParams) []byte {
	buf := make([]byte, requestSize)

	buf[0] = version2
	buf[1] = opcodeMap
	// buf[2:4] reserved, zero

	binary.BigEndian.PutUint32(buf[4:8], p.lifetime)

	writeIPv4Mapped(buf, 8, p.clientIP)

	copy(buf[24:36], p.nonce[:])

	buf[36] = p.transport
	// buf[37:40] reserved, zero

	binary.BigEndian.PutUint16(buf[40:42], p.internalPort)
	binary.BigEndian.PutUint16(buf[42:44], p.suggestedExternalPort)

	extIP := p.suggestedExternalIP
	if extIP == nil {
		extIP = net.IPv4zero
	}
	writeIPv4Mapped(buf, 44, extIP)

	return buf
}

type mapResponse struct {
	resultCode   byte
	lifetime     uint32
	nonce        [NonceSize]byte
	externalPort uint16
	externalIP   net.IP
}

// decodeMapResponse reads the subset of the 60-byte response fields
// this module needs (§4.5): result code at offset 3, lifetime at 4,
// nonce echo at 24-35, external port at 42, external address at 56-59.
func decodeMapResponse(buf []byte) (mapResponse, error) {
	if len(buf) < requestSize {
		return mapResponse{}, errors.New("pcp: short response")
	}

	var r mapResponse
	r.resultCode = buf[3]
	r.lifetime = binary.BigEndian.Uint32(buf[4:8])
	copy(r.nonce[:], buf[24:36])
	r.externalPort = binary.BigEndian.Uint16(buf[42:44])
	r.externalIP = net.IP(append([]byte(nil), buf[56:60]...))

	return r, nil
}

// sendMapRequest sends req to gw:5351 over UDP and returns the parsed
// response, honoring ctx for cancellation/deadline. isDelete scopes the
// NO_RESOURCES(8) forgiveness to deletion requests only — on a create
// or renew, NO_RESOURCES means the gateway refused to allocate and must
// fail the attempt.
func sendMapRequest(ctx context.Context, gw net.IP, req []byte, isDelete bool) (mapResponse, error) {
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: gw, Port: Port})
	if err != nil {
		return mapResponse{}, &natmap.Error{Kind: natmap.ErrTransport, Op: "pcp.dial", Err: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return mapResponse{}, err
	}

	if _, err := conn.Write(req); err != nil {
		return mapResponse{}, &natmap.Error{Kind: natmap.ErrTransport, Op: "pcp.send", Err: err}
	}

	for {
		if ctx.Err() != nil {
			return mapResponse{}, ctx.Err()
		}

		buf, addr, err := degonet.ReadDatagramFromUDP(conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return mapResponse{}, &natmap.Error{Kind: natmap.ErrTimeout, Op: "pcp.request", Err: err}
			}
			return mapResponse{}, &natmap.Error{Kind: natmap.ErrTransport, Op: "pcp.read", Err: err}
		}

		if !addr.IP.Equal(gw) || addr.Port != Port {
			continue
		}

		res, err := decodeMapResponse(buf)
		if err != nil {
			return mapResponse{}, &natmap.Error{Kind: natmap.ErrProtocol, Op: "pcp.decode", Err: err}
		}

		okNoResources := isDelete && res.resultCode == resultNoResources
		if res.resultCode != resultSuccess && !okNoResources {
			return mapResponse{}, &natmap.Error{Kind: natmap.ErrProtocol, Op: "pcp.request",
				Err: fmt.Errorf("gateway responded with result code %d", res.resultCode)}
		}

		return res, nil
	}
}

// mapRequest performs one PCP MAP create/refresh/delete transaction.
// lifetimeSeconds of 0 with the original nonce is a deletion request;
// result code NO_RESOURCES (8) on deletion is treated as success (the
// resource no longer exists).
func mapRequest(ctx context.Context, gw, clientIP net.IP, transport natmap.TransportProtocol, internalPort, suggestedExternalPort uint16, suggestedExternalIP net.IP, lifetimeSeconds uint32, nonce [NonceSize]byte) (mapResponse, error) {
	tb, err := transportByte(transport)
	if err != nil {
		return mapResponse{}, err
	}

	req := encodeMapRequest(mapRequestParams{
		lifetime:              lifetimeSeconds,
		clientIP:              clientIP,
		nonce:                 nonce,
		transport:             tb,
		internalPort:          internalPort,
		suggestedExternalPort: suggestedExternalPort,
		suggestedExternalIP:   suggestedExternalIP,
	})

	return sendMapRequest(ctx, gw, req, lifetimeSeconds == 0)
}
