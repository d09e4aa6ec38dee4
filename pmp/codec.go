// Package pmp implements the NAT-PMP (RFC 6886) wire protocol and an
// Adapter satisfying natmap.Adapter.
package pmp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	degonet "github.com/hlandau/degoutils/net"
	"github.com/hlandau/natmap"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("natmap.pmp")

// Port is the UDP port NAT-PMP gateways listen on.
const Port = 5351

// Timeout is the per-attempt time budget (§4.4).
const Timeout = 2 * time.Second

type opcode byte

const (
	opGetExternalAddr opcode = 0
	opMapUDP          opcode = 1
	opMapTCP          opcode = 2
)

const version0 byte = 0

// retryBackoff paces the UDP retry loop for one logical attempt: start
// at 250ms, double each time up to ~2s total budget, matching the
// teacher's natpmp.go pacing.
var retryBackoff = degonet.Backoff{
	MaxTries:           4,
	InitialDelay:       250 * time.Millisecond,
	MaxDelay:           1000 * time.Millisecond,
	MaxDelayAfterTries: 4,
}

var errTimedOut = errors.New("pmp: request timed out")

func opcodeFor(t natmap.TransportProtocol) (opcode, bool) {
	switch t {
	case natmap.TCP:
		return opMapTCP, true
	case natmap.UDP:
		return opMapUDP, true
	default:
		return 0, false
	}
}

// request performs one NAT-PMP transaction against gw, retrying with
// backoff until ctx is done or the attempt budget is exhausted.
func request(ctx context.Context, gw net.IP, op opcode, data []byte) ([]byte, error) {
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: gw, Port: Port})
	if err != nil {
		return nil, &natmap.Error{Kind: natmap.ErrTransport, Op: "pmp.dial", Err: err}
	}
	defer conn.Close()

	msg := make([]byte, 2, 2+len(data))
	msg[0] = version0
	msg[1] = byte(op)
	msg = append(msg, data...)

	bo := retryBackoff
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		d := bo.NextDelay()
		if d == 0 {
			break
		}

		deadline := time.Now().Add(d)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}

		if _, err := conn.Write(msg); err != nil {
			return nil, err
		}

		res, addr, err := degonet.ReadDatagramFromUDP(conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return nil, err
		}

		if !addr.IP.Equal(gw) || addr.Port != Port {
			continue
		}
		if len(res) < 4 {
			continue
		}
		if res[0] != 0 || res[1] != (0x80|byte(op)) {
			continue
		}

		rc := binary.BigEndian.Uint16(res[2:4])
		if rc != 0 {
			return nil, &natmap.Error{Kind: natmap.ErrProtocol, Op: "pmp.request",
				Err: fmt.Errorf("gateway responded with nonzero result code %d", rc)}
		}

		return res[4:], nil
	}

	return nil, &natmap.Error{Kind: natmap.ErrTimeout, Op: "pmp.request", Err: errTimedOut}
}

// getExternalAddr performs the NAT-PMP external-address opcode against
// gw. This is the only correct way to learn a PMP gateway's external
// address — never by querying a different protocol's client.
func getExternalAddr(ctx context.Context, gw net.IP) (net.IP, error) {
	r, err := request(ctx, gw, opGetExternalAddr, nil)
	if err != nil {
		return nil, err
	}
	if len(r) < 8 {
		return nil, errors.New("pmp: short external-address response")
	}
	// r[0:4] is seconds-since-epoch; r[4:8] is the address.
	ip := net.IP(append([]byte(nil), r[4:8]...))
	return ip, nil
}

// GetExternalAddr is the exported form of getExternalAddr, reused by
// package netprobe for public-IP discovery.
func GetExternalAddr(ctx context.Context, gw net.IP) (net.IP, error) {
	return getExternalAddr(ctx, gw)
}

// mapPort performs a single Map Port NAT-PMP transaction. lifetime is
// the raw wire-level value; a lifetime of 0 is a deletion request.
func mapPort(ctx context.Context, gw net.IP, transport natmap.TransportProtocol, internalPort, suggestedExternalPort uint16, lifetime time.Duration) (externalPort uint16, actualLifetime time.Duration, err error) {
	op, ok := opcodeFor(transport)
	if !ok {
		return 0, 0, fmt.Errorf("pmp: unsupported transport protocol %v", transport)
	}

	b := bytes.NewBuffer(make([]byte, 0, 8))
	binary.Write(b, binary.BigEndian, struct {
		Reserved                            uint16
		InternalPort, SuggestedExternalPort uint16
		Lifetime                            uint32
	}{0, internalPort, suggestedExternalPort, uint32(lifetime.Seconds())})

	r, err := request(ctx, gw, op, b.Bytes())
	if err != nil {
		return 0, 0, err
	}
	if len(r) < 12 {
		return 0, 0, errors.New("pmp: short map response")
	}

	externalPort = binary.BigEndian.Uint16(r[6:8])
	actualLifetime = time.Duration(binary.BigEndian.Uint32(r[8:12])) * time.Second
	return externalPort, actualLifetime, nil
}
