package natmap

import (
	"net"
	"sync"
	"time"
)

// mapKey is the active-mapping table key: (externalIP, externalPort).
// Keying by external identity rather than internal port is essential —
// when the host changes networks the external IP changes and stale
// entries must be replaceable without colliding (invariant 2).
type mapKey struct {
	ip   string
	port uint16
}

func ipKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// entry is what the active-mapping table stores per key: the owning
// adapter plus the mapping record and its renewal timer handle.
type entry struct {
	record  *Record
	adapter Adapter
	timer   *time.Timer
}

// registry is the active-mapping table. All mutations are serialized
// through mu; at most one writer at a time operates on the map, though
// the struct itself is a flat mutex rather than per-key locking since
// the table is small and writes are infrequent relative to reads.
type registry struct {
	mu      sync.Mutex
	entries map[mapKey]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[mapKey]*entry)}
}

// insert adds or replaces the entry for rec's key, arming timer as its
// renewal handle. Any previous timer for the same key is stopped first.
func (r *registry) insert(rec *Record, adapter Adapter, timer *time.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := rec.key()
	if old, ok := r.entries[k]; ok && old.timer != nil {
		old.timer.Stop()
	}

	rec.Armed = timer != nil
	r.entries[k] = &entry{record: rec, adapter: adapter, timer: timer}
}

// get returns the entry for (extIP, extPort), if any.
func (r *registry) get(extIP net.IP, extPort uint16) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[mapKey{ip: ipKey(extIP), port: extPort}]
	return e, ok
}

// remove deletes and returns the entry for (extIP, extPort), stopping
// its timer if any.
func (r *registry) remove(extIP net.IP, extPort uint16) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := mapKey{ip: ipKey(extIP), port: extPort}
	e, ok := r.entries[k]
	if !ok {
		return nil, false
	}

	if e.timer != nil {
		e.timer.Stop()
	}
	delete(r.entries, k)
	return e, true
}

// snapshot returns a copy of every active record, safe to read without
// holding the registry lock.
func (r *registry) snapshot() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Record, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.record.Clone())
	}
	return out
}

// drain removes and returns every entry, stopping their timers. Used by
// Manager.Close.
func (r *registry) drain() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*entry, 0, len(r.entries))
	for k, e := range r.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		out = append(out, e)
		delete(r.entries, k)
	}
	return out
}

// len reports the number of active entries.
func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
