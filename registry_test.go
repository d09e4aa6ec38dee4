package natmap

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistryInsertGetRemove(t *testing.T) {
	r := newRegistry()
	rec := &Record{ExternalIP: net.ParseIP("1.2.3.4"), ExternalPort: 1000}

	r.insert(rec, nil, nil)
	assert.Equal(t, 1, r.len())

	e, ok := r.get(net.ParseIP("1.2.3.4"), 1000)
	assert.True(t, ok)
	assert.Same(t, rec, e.record)

	removed, ok := r.remove(net.ParseIP("1.2.3.4"), 1000)
	assert.True(t, ok)
	assert.Same(t, rec, removed.record)
	assert.Equal(t, 0, r.len())
}

func TestRegistryKeyedByExternalNotInternal(t *testing.T) {
	r := newRegistry()

	recA := &Record{ExternalIP: net.ParseIP("1.2.3.4"), ExternalPort: 1000, InternalPort: 80}
	recB := &Record{ExternalIP: net.ParseIP("5.6.7.8"), ExternalPort: 1000, InternalPort: 80}

	r.insert(recA, nil, nil)
	r.insert(recB, nil, nil)
	assert.Equal(t, 2, r.len(), "same external port on different external IPs must not collide")
}

func TestRegistryInsertStopsOldTimer(t *testing.T) {
	r := newRegistry()
	rec := &Record{ExternalIP: net.ParseIP("1.2.3.4"), ExternalPort: 1000}

	fired := make(chan struct{}, 1)
	oldTimer := time.AfterFunc(10*time.Millisecond, func() { fired <- struct{}{} })
	r.insert(rec, nil, oldTimer)
	r.insert(rec, nil, nil)

	select {
	case <-fired:
		t.Fatal("old timer should have been stopped on re-insert")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestRegistrySnapshotIsIndependentCopy(t *testing.T) {
	r := newRegistry()
	rec := &Record{ExternalIP: net.ParseIP("1.2.3.4"), ExternalPort: 1000}
	r.insert(rec, nil, nil)

	snap := r.snapshot()
	assert.Len(t, snap, 1)
	snap[0].ExternalPort = 9999

	e, _ := r.get(net.ParseIP("1.2.3.4"), 1000)
	assert.Equal(t, uint16(1000), e.record.ExternalPort)
}

func TestRegistryDrainEmpties(t *testing.T) {
	r := newRegistry()
	r.insert(&Record{ExternalIP: net.ParseIP("1.2.3.4"), ExternalPort: 1}, nil, nil)
	r.insert(&Record{ExternalIP: net.ParseIP("1.2.3.5"), ExternalPort: 2}, nil, nil)

	drained := r.drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, r.len())
}
