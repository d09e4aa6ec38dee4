// Package ssdp implements the SSDP M-SEARCH discovery step of the UPnP
// adapter: broadcast a single search for InternetGatewayDevice roots and
// collect responses for a bounded window.
package ssdp

import (
	"bufio"
	"bytes"
	gnet "net"
	"net/http"
	"net/url"
	"time"

	degonet "github.com/hlandau/degoutils/net"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("natmap.upnp.ssdp")

// SearchTarget is the IGD root-device service type searched for (§4.6).
const SearchTarget = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"

const ssdpAddr = "239.255.255.250:1900"

// SearchWindow is how long Search waits for responses before returning.
const SearchWindow = 3 * time.Second

// Device describes one IGD root device discovered by SSDP.
type Device struct {
	// Location is the device description XML's URL (the Location
	// header of the M-SEARCH response).
	Location *url.URL

	// USN uniquely identifies the responding device/service pair.
	USN string
}

// Search sends one M-SEARCH multicast datagram for the search target st
// (normally SearchTarget) and collects unique-by-USN responses until
// SearchWindow elapses.
func Search(st string) ([]Device, error) {
	conng, err := gnet.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	conn := conng.(*gnet.UDPConn)
	defer conn.Close()

	dst, err := gnet.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return nil, err
	}

	req := []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + ssdpAddr + "\r\n" +
		"ST: " + st + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 2\r\n\r\n")

	if _, err := conn.WriteToUDP(req, dst); err != nil {
		return nil, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(SearchWindow)); err != nil {
		return nil, err
	}

	byUSN := map[string]Device{}
	for {
		buf, _, err := degonet.ReadDatagramFromUDP(conn)
		if err != nil {
			break // deadline reached or socket closed
		}

		dev, ok := parseResponse(buf)
		if !ok {
			continue
		}
		byUSN[dev.USN] = dev
	}

	devices := make([]Device, 0, len(byUSN))
	for _, d := range byUSN {
		devices = append(devices, d)
	}
	return devices, nil
}

func parseResponse(buf []byte) (Device, bool) {
	rbio := bufio.NewReader(bytes.NewReader(buf))
	res, err := http.ReadResponse(rbio, nil)
	if err != nil || res.StatusCode != 200 {
		return Device{}, false
	}
	defer res.Body.Close()

	loc, err := res.Location()
	if err != nil {
		return Device{}, false
	}

	usn := res.Header.Get("USN")
	if usn == "" {
		usn = loc.String()
	}

	return Device{Location: loc, USN: usn}, true
}
