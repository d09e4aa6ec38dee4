package upnp

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hlandau/natmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddPortMappingSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "<NewExternalPort>8080</NewExternalPort>")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := addPortMapping(srv.URL, WANIPConnectionService, net.ParseIP("192.168.1.5"), natmap.UDP, 80, 8080, "natmap", time.Hour)
	assert.NoError(t, err)
}

func TestAddPortMappingConflictCountsAsUsable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault><detail><UPnPError><errorCode>718</errorCode></UPnPError></detail></s:Fault></s:Body></s:Envelope>`))
	}))
	defer srv.Close()

	err := addPortMapping(srv.URL, WANIPConnectionService, net.ParseIP("192.168.1.5"), natmap.UDP, 80, 8080, "natmap", time.Hour)
	require.Error(t, err)
	assert.True(t, isConflict(err))
}

func TestAddPortMappingOtherFaultIsNotConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault><detail><UPnPError><errorCode>402</errorCode></UPnPError></detail></s:Fault></s:Body></s:Envelope>`))
	}))
	defer srv.Close()

	err := addPortMapping(srv.URL, WANIPConnectionService, net.ParseIP("192.168.1.5"), natmap.UDP, 80, 8080, "natmap", time.Hour)
	require.Error(t, err)
	assert.False(t, isConflict(err))
}

func TestDeletePortMappingSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := deletePortMapping(srv.URL, WANIPConnectionService, natmap.UDP, 8080)
	assert.NoError(t, err)
}

func TestGetExternalAddrParsesSOAPReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><u:GetExternalIPAddressResponse xmlns:u="urn:schemas-upnp-org:service:WANIPConnection:1"><NewExternalIPAddress>198.51.100.9</NewExternalIPAddress></u:GetExternalIPAddressResponse></s:Body></s:Envelope>`))
	}))
	defer srv.Close()

	ip, err := getExternalAddr(srv.URL, WANIPConnectionService)
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.ParseIP("198.51.100.9")))
}
