package natmap

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	private []net.IP
	gateway net.IP
	public  net.IP
}

func (p *fakeProbe) GetPrivateIPs() ([]net.IP, error) { return p.private, nil }
func (p *fakeProbe) GetGatewayIP() (net.IP, error)    { return p.gateway, nil }
func (p *fakeProbe) GetPublicIP() (net.IP, error)     { return p.public, nil }

func newTestManager(t *testing.T, adapter Adapter, probe *fakeProbe) *Manager {
	t.Helper()
	m, err := New(Config{
		Adapters:         []Adapter{adapter},
		Probe:            probe,
		RouterSeed:       []net.IP{probe.gateway},
		DisableAutoRenew: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestAddMappingReturnsRecordWithRequestedInternalPort(t *testing.T) {
	gw := net.ParseIP("203.0.113.1")
	probe := &fakeProbe{private: []net.IP{net.ParseIP("192.168.1.5")}, gateway: gw, public: net.ParseIP("198.51.100.1")}
	adapter := &fakeAdapter{name: PMP, succeedsOn: map[string]bool{gw.String(): true}}
	m := newTestManager(t, adapter, probe)

	rec, err := m.AddMapping(context.Background(), 8080, 8080, UDP, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uint16(8080), rec.InternalPort)
}

func TestAddMappingFailsWhenNoAdapterSucceeds(t *testing.T) {
	gw := net.ParseIP("203.0.113.1")
	probe := &fakeProbe{private: []net.IP{net.ParseIP("192.168.1.5")}, gateway: gw}
	adapter := &fakeAdapter{name: PMP, succeedsOn: map[string]bool{}}
	m := newTestManager(t, adapter, probe)

	_, err := m.AddMapping(context.Background(), 8080, 8080, UDP, time.Hour)
	assert.Error(t, err)
}

func TestAddMappingSkipsAdapterAfterFailedProbeAndCachesResult(t *testing.T) {
	gw := net.ParseIP("203.0.113.1")
	probe := &fakeProbe{private: []net.IP{net.ParseIP("192.168.1.5")}, gateway: gw}
	adapter := &fakeAdapter{name: PMP, succeedsOn: map[string]bool{}}
	m := newTestManager(t, adapter, probe)

	_, err := m.AddMapping(context.Background(), 8080, 8080, UDP, time.Hour)
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))
	assert.Equal(t, int32(0), adapter.attempts, "CreateMapping must not be attempted once the probe fails")

	_, err = m.AddMapping(context.Background(), 8080, 8080, UDP, time.Hour)
	require.Error(t, err)
	assert.Equal(t, int32(1), adapter.probeAttempts, "a second AddMapping call must use the cached probe result, not re-probe")
}

func TestAddMappingOnClosedManagerFails(t *testing.T) {
	gw := net.ParseIP("203.0.113.1")
	probe := &fakeProbe{private: []net.IP{net.ParseIP("192.168.1.5")}, gateway: gw}
	adapter := &fakeAdapter{name: PMP, succeedsOn: map[string]bool{gw.String(): true}}
	m := newTestManager(t, adapter, probe)

	require.NoError(t, m.Close())
	_, err := m.AddMapping(context.Background(), 8080, 8080, UDP, time.Hour)
	assert.Error(t, err)
}

func TestDeleteMappingRemovesFromActiveSet(t *testing.T) {
	gw := net.ParseIP("203.0.113.1")
	probe := &fakeProbe{private: []net.IP{net.ParseIP("192.168.1.5")}, gateway: gw, public: net.ParseIP("198.51.100.1")}
	adapter := &fakeAdapter{name: PMP, succeedsOn: map[string]bool{gw.String(): true}, externalIP: probe.public}
	m := newTestManager(t, adapter, probe)

	rec, err := m.AddMapping(context.Background(), 8080, 8080, UDP, time.Hour)
	require.NoError(t, err)
	assert.Len(t, m.GetActiveMappings(), 1)

	err = m.DeleteMapping(context.Background(), rec.ExternalPort, rec.ExternalIP)
	require.NoError(t, err)
	assert.Len(t, m.GetActiveMappings(), 0)
}

func TestDeleteMappingNotFoundReturnsError(t *testing.T) {
	gw := net.ParseIP("203.0.113.1")
	probe := &fakeProbe{private: []net.IP{net.ParseIP("192.168.1.5")}, gateway: gw, public: net.ParseIP("198.51.100.1")}
	adapter := &fakeAdapter{name: PMP, succeedsOn: map[string]bool{gw.String(): true}}
	m := newTestManager(t, adapter, probe)

	err := m.DeleteMapping(context.Background(), 4242, net.ParseIP("198.51.100.1"))
	assert.ErrorIs(t, err, errNotFound)
}

func TestSweepReestablishesMappingAfterRoam(t *testing.T) {
	gw := net.ParseIP("203.0.113.1")
	probe := &fakeProbe{private: []net.IP{net.ParseIP("192.168.1.5")}, gateway: gw, public: net.ParseIP("198.51.100.1")}
	adapter := &fakeAdapter{name: PMP, succeedsOn: map[string]bool{gw.String(): true}, externalIP: probe.public}
	m := newTestManager(t, adapter, probe)

	_, err := m.AddMapping(context.Background(), 8080, 8080, UDP, time.Hour)
	require.NoError(t, err)
	require.Len(t, m.GetActiveMappings(), 1)

	// the gateway reports a new external IP, simulating a network change
	probe.public = net.ParseIP("198.51.100.2")
	adapter.externalIP = probe.public

	require.NoError(t, m.RenewMappings(context.Background()))

	active := m.GetActiveMappings()
	require.Len(t, active, 1)
	assert.True(t, active[0].ExternalIP.Equal(probe.public))
}

func TestConfigDefaultsAdapterOrder(t *testing.T) {
	cfg := Config{
		Adapters: []Adapter{
			&fakeAdapter{name: UPNP},
			&fakeAdapter{name: PMP},
		},
	}.withDefaults()

	ordered := cfg.orderedAdapters()
	require.Len(t, ordered, 2)
	assert.Equal(t, PMP, ordered[0].Name())
	assert.Equal(t, UPNP, ordered[1].Name())
}

func TestNormalizeLifetimeZeroMeansIndefiniteExceptUPnP(t *testing.T) {
	assert.Equal(t, 24*time.Hour, normalizeLifetime(PMP, 0))
	assert.Equal(t, 24*time.Hour, normalizeLifetime(PCP, 0))
	assert.Equal(t, time.Duration(0), normalizeLifetime(UPNP, 0))
	assert.Equal(t, time.Hour, normalizeLifetime(PMP, time.Hour))
}
