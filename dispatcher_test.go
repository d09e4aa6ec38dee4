package natmap

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter succeeds only for a fixed set of router IPs, counting
// CreateMapping and Probe attempts for assertions on behavior.
type fakeAdapter struct {
	name          GatewayProtocol
	succeedsOn    map[string]bool
	delay         time.Duration
	attempts      int32
	probeAttempts int32

	// externalIP, when set, is attached to every successfully created
	// Record, mimicking what a gateway's external-address query reports.
	externalIP net.IP
}

func (f *fakeAdapter) Name() GatewayProtocol { return f.name }

func (f *fakeAdapter) Probe(ctx context.Context, routerIP net.IP, privateIPs []net.IP) bool {
	atomic.AddInt32(&f.probeAttempts, 1)
	return f.succeedsOn[routerIP.String()]
}

func (f *fakeAdapter) CreateMapping(ctx context.Context, req CreateRequest, privateIPs []net.IP) (*Record, error) {
	atomic.AddInt32(&f.attempts, 1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !f.succeedsOn[req.RouterIP.String()] {
		return nil, newErr(ErrTimeout, "fake.CreateMapping", errFakeNoResponse)
	}

	return &Record{
		RouterIP:     req.RouterIP,
		InternalPort: req.InternalPort,
		ExternalPort: req.ExternalPort,
		ExternalIP:   f.externalIP,
		Lifetime:     req.Lifetime,
	}, nil
}

func (f *fakeAdapter) DeleteMapping(ctx context.Context, rec *Record) error {
	return nil
}

var errFakeNoResponse = assert.AnError

func TestDispatchFallsBackWhenMatchedWaveFails(t *testing.T) {
	good := net.ParseIP("203.0.113.9")
	seed := []net.IP{net.ParseIP("198.51.100.1"), good}

	adapter := &fakeAdapter{name: PMP, succeedsOn: map[string]bool{good.String(): true}}
	d := NewDispatcher(seed)

	rec, err := d.Dispatch(context.Background(), adapter, CreateRequest{InternalPort: 80, ExternalPort: 8080}, []net.IP{net.ParseIP("192.168.1.5")})
	require.NoError(t, err)
	assert.True(t, rec.RouterIP.Equal(good))
}

func TestDispatchPromotesSuccessToCache(t *testing.T) {
	good := net.ParseIP("203.0.113.9")
	seed := []net.IP{good}

	adapter := &fakeAdapter{name: PMP, succeedsOn: map[string]bool{good.String(): true}}
	d := NewDispatcher(seed)

	_, err := d.Dispatch(context.Background(), adapter, CreateRequest{InternalPort: 80, ExternalPort: 8080}, nil)
	require.NoError(t, err)

	cached := d.CachedRouters()
	require.Len(t, cached, 1)
	assert.True(t, cached[0].Equal(good))
}

func TestDispatchReturnsErrorWhenNoCandidateSucceeds(t *testing.T) {
	seed := []net.IP{net.ParseIP("198.51.100.1"), net.ParseIP("198.51.100.2")}
	adapter := &fakeAdapter{name: PMP, succeedsOn: map[string]bool{}}
	d := NewDispatcher(seed)

	_, err := d.Dispatch(context.Background(), adapter, CreateRequest{InternalPort: 80, ExternalPort: 8080}, nil)
	assert.Error(t, err)
}

func TestDispatchReturnsPromptlyOnFirstSuccess(t *testing.T) {
	fast := net.ParseIP("203.0.113.1")
	slow := net.ParseIP("203.0.113.2")

	adapter := &fakeAdapter{
		name:       PMP,
		succeedsOn: map[string]bool{fast.String(): true, slow.String(): true},
		delay:      50 * time.Millisecond,
	}
	// fakeAdapter applies one delay to every candidate, so both succeed
	// after the same bounded delay; assert that the wave returns as soon
	// as the first of them completes rather than hanging.
	d := NewDispatcher([]net.IP{fast, slow})

	start := time.Now()
	_, err := d.Dispatch(context.Background(), adapter, CreateRequest{InternalPort: 80, ExternalPort: 8080}, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}
