package upnp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDeviceDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceList>
      <device>
        <serviceList>
          <service>
            <serviceType>urn:schemas-upnp-org:service:WANIPConnection:1</serviceType>
            <serviceId>urn:upnp-org:serviceId:WANIPConn1</serviceId>
            <controlURL>/upnp/control/WANIPConn1</controlURL>
          </service>
        </serviceList>
      </device>
    </deviceList>
  </device>
</root>`

func TestFindControlURLLocatesMatchingService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(sampleDeviceDescription))
	}))
	defer srv.Close()

	u, err := findControlURL(srv.URL+"/desc.xml", WANIPConnectionService)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/upnp/control/WANIPConn1", u.String())
}

func TestFindControlURLNoMatchingService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleDeviceDescription))
	}))
	defer srv.Close()

	_, err := findControlURL(srv.URL+"/desc.xml", WANPPPConnectionService)
	assert.ErrorIs(t, err, errControlURLNotFound)
}

func TestFindControlURLNon200Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := findControlURL(srv.URL+"/desc.xml", WANIPConnectionService)
	assert.Error(t, err)
}
