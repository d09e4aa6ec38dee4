package natmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is emitted on every successful mapping creation or renewal,
// carrying a snapshot of the full record.
type Event struct {
	Type   string // currently always "mapping"
	Record *Record
}

// Manager is the library façade: addMapping / deleteMapping / close /
// event emission, per §4.8. Its state machine per mapping is
// INIT -> TRYING -> {ACTIVE, FAILED}; ACTIVE -> TRYING on lease
// elapse/renewal, ACTIVE -> REMOVED on deleteMapping. ACTIVE is the only
// state represented in the registry.
type Manager struct {
	cfg        Config
	dispatcher *Dispatcher
	registry   *registry
	events     chan Event

	mu        sync.Mutex
	closed    bool
	stopSweep chan struct{}
	sweepDone chan struct{}

	supportMu   sync.Mutex
	unsupported map[GatewayProtocol]bool
}

// New builds a Manager. cfg.Adapters must contain at least one Adapter,
// and cfg.Probe must be supplied by the caller (see package netprobe for
// a ready-made NetworkProbe).
func New(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()

	if len(cfg.Adapters) == 0 {
		return nil, errors.New("natmap: at least one Adapter is required")
	}
	if cfg.Probe == nil {
		return nil, errors.New("natmap: Config.Probe is required")
	}
	cfg.Adapters = cfg.orderedAdapters()

	m := &Manager{
		cfg:         cfg,
		dispatcher:  NewDispatcher(cfg.RouterSeed),
		registry:    newRegistry(),
		events:      make(chan Event, 32),
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
		unsupported: make(map[GatewayProtocol]bool),
	}

	if cfg.DisableAutoRenew {
		close(m.sweepDone)
	} else {
		go m.sweepLoop()
	}

	return m, nil
}

// Events returns the channel mapping events are published on. Events
// are dropped (not blocked) if the channel is full; callers that need
// every event should drain it promptly.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(rec *Record) {
	select {
	case m.events <- Event{Type: "mapping", Record: rec.Clone()}:
	default:
		log.Debugf("natmap: event channel full, dropping mapping event for %s:%d", rec.ExternalIP, rec.ExternalPort)
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// AddMapping tries adapters in the configured priority order; the first
// whose dispatch succeeds wins. The result is registered, scheduled for
// renewal, and emitted as an Event. If every adapter fails, the call
// fails with the last adapter's aggregated error.
func (m *Manager) AddMapping(ctx context.Context, internalPort, externalPort uint16, transport TransportProtocol, lifetime time.Duration) (*Record, error) {
	if m.isClosed() {
		return nil, errors.New("natmap: manager closed")
	}
	return m.addMapping(ctx, internalPort, externalPort, transport, lifetime)
}

// addMapping is the shared implementation used by the public API, the
// renewal scheduler, and the roam-detection sweep.
func (m *Manager) addMapping(ctx context.Context, internalPort, externalPort uint16, transport TransportProtocol, requestedLifetime time.Duration) (*Record, error) {
	privateIPs, err := m.cfg.Probe.GetPrivateIPs()
	if err != nil {
		return nil, newErr(ErrTransport, "addMapping", err)
	}

	var lastErr error
	for _, adapter := range m.cfg.Adapters {
		if !m.isSupported(ctx, adapter, privateIPs) {
			lastErr = newErr(ErrUnsupported, "addMapping", fmt.Errorf("%v: probe failed, adapter skipped", adapter.Name()))
			continue
		}

		req := CreateRequest{
			Transport:         transport,
			InternalPort:      internalPort,
			ExternalPort:      externalPort,
			Lifetime:          normalizeLifetime(adapter.Name(), requestedLifetime),
			RequestedLifetime: requestedLifetime,
			Name:              "natmap",
		}

		rec, derr := m.dispatcher.Dispatch(ctx, adapter, req, privateIPs)
		if derr != nil {
			log.Infof("natmap: addMapping: %v adapter failed: %v", adapter.Name(), derr)
			lastErr = derr
			continue
		}

		rec.Protocol = adapter.Name()
		rec.Transport = transport
		rec.RequestedLifetime = requestedLifetime
		rec.reqExternalPort = externalPort
		rec.CreatedAt = time.Now()
		if rec.id == "" {
			rec.id = uuid.NewString()
		}

		timer := m.armRenewal(adapter, rec, internalPort, transport)
		m.registry.insert(rec, adapter, timer)
		m.emit(rec)
		return rec.Clone(), nil
	}

	if lastErr == nil {
		lastErr = errNoAdapterSucceeded
	}
	return nil, lastErr
}

// isSupported runs adapter.Probe once against the active gateway and
// caches the result, so an adapter a gateway doesn't speak is skipped on
// every subsequent AddMapping call rather than re-probed each time (§7:
// "once Probe returns false for an adapter, the manager skips that
// adapter on future calls").
func (m *Manager) isSupported(ctx context.Context, adapter Adapter, privateIPs []net.IP) bool {
	name := adapter.Name()

	m.supportMu.Lock()
	if supported, known := m.unsupported[name]; known {
		m.supportMu.Unlock()
		return !supported
	}
	m.supportMu.Unlock()

	gw, err := m.cfg.Probe.GetGatewayIP()
	if err != nil {
		log.Debugf("natmap: isSupported: %v: could not determine gateway IP: %v", name, err)
		return true // inconclusive; let the dispatch attempt itself fail
	}

	ok := adapter.Probe(ctx, gw, privateIPs)

	m.supportMu.Lock()
	m.unsupported[name] = !ok
	m.supportMu.Unlock()

	if !ok {
		log.Infof("natmap: %v: probe failed against %v, disabling adapter", name, gw)
	}
	return ok
}

// armRenewal schedules rec's next renewal per the two regimes of §4.7,
// returning nil if no timer should be armed (UPnP static/permanent
// mapping).
func (m *Manager) armRenewal(adapter Adapter, rec *Record, internalPort uint16, transport TransportProtocol) *time.Timer {
	if rec.Protocol == UPNP && rec.RequestedLifetime == 0 {
		return nil
	}

	var delay, nextRequested time.Duration

	switch {
	case rec.RequestedLifetime == 0:
		// indefinite regime (PMP/PCP): re-invoke every 24h, forever.
		delay = 24 * time.Hour
		nextRequested = 0

	case rec.Lifetime > 0 && rec.Lifetime < rec.RequestedLifetime:
		// gateway shortened the lease; compensate for the remainder.
		delay = rec.Lifetime
		nextRequested = rec.RequestedLifetime - rec.Lifetime
		if nextRequested <= 0 {
			return m.armExpiry(rec)
		}

	case rec.Lifetime > 0:
		// granted lifetime covers what remains of the request: no
		// further renewal, the entry is evicted once it elapses.
		return m.armExpiry(rec)

	default:
		// no usable lifetime reported (UPnP sometimes doesn't echo
		// one); fall back to the requested value.
		delay = rec.RequestedLifetime
		nextRequested = rec.RequestedLifetime
	}

	extPort := rec.ExternalPort
	extIP := rec.ExternalIP
	return time.AfterFunc(delay, func() {
		m.renew(adapter, internalPort, extPort, extIP, transport, nextRequested)
	})
}

// armExpiry arms a timer that evicts rec, with no further renewal,
// once its granted lifetime elapses. Used when the grant covers all of
// a finite requestedLifetime (or what remains of it after earlier
// shortened grants).
func (m *Manager) armExpiry(rec *Record) *time.Timer {
	extPort := rec.ExternalPort
	extIP := rec.ExternalIP
	return time.AfterFunc(rec.Lifetime, func() {
		m.registry.remove(extIP, extPort)
		log.Debugf("natmap: mapping %s:%d expired, requested lifetime fully consumed", extIP, extPort)
	})
}

// renew is invoked by a fired renewal timer. On failure the mapping
// remains registered only until its lease naturally elapses — at this
// point it already has, so the entry is evicted. On success, addMapping
// re-inserts under whatever key the new grant produced; if that key
// differs from the old one (e.g. a different external port was
// assigned), the stale old entry is removed explicitly.
func (m *Manager) renew(adapter Adapter, internalPort, externalPort uint16, externalIP net.IP, transport TransportProtocol, nextRequested time.Duration) {
	if m.isClosed() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec, err := m.addMapping(ctx, internalPort, externalPort, transport, nextRequested)
	if err != nil {
		log.Errorf("natmap: renewal failed for %s:%d: %v", externalIP, externalPort, err)
		m.registry.remove(externalIP, externalPort)
		return
	}

	_ = adapter // renewal always re-walks the adapter priority list; the
	// adapter that originally granted the lease is not pinned, matching
	// addMapping's normal fallthrough semantics on failure.

	if ipKey(rec.ExternalIP) != ipKey(externalIP) || rec.ExternalPort != externalPort {
		m.registry.remove(externalIP, externalPort)
	}
}

// DeleteMapping looks up (externalIP or the current public IP, extPort)
// in the registry, cancels its renewal timer, invokes the owning
// adapter's DeleteMapping, and removes the entry regardless of gateway
// success (the goal is local hygiene).
func (m *Manager) DeleteMapping(ctx context.Context, externalPort uint16, externalIP net.IP) error {
	if externalIP == nil {
		if ip, err := m.cfg.Probe.GetPublicIP(); err == nil {
			externalIP = ip
		}
	}

	e, ok := m.registry.remove(externalIP, externalPort)
	if !ok {
		return errNotFound
	}

	if err := m.dispatcher.DispatchDelete(ctx, e.adapter, e.record); err != nil {
		log.Infof("natmap: deleteMapping: gateway delete failed (removed locally anyway): %v", err)
		return err
	}
	return nil
}

// GetActiveMappings returns a snapshot of every currently active record.
func (m *Manager) GetActiveMappings() []*Record {
	return m.registry.snapshot()
}

// RenewMappings runs one roam-detection sweep synchronously: queries the
// current public IP and re-establishes any mapping whose stored
// externalIP no longer matches it.
func (m *Manager) RenewMappings(ctx context.Context) error {
	return m.sweepOnce(ctx)
}

func (m *Manager) sweepOnce(ctx context.Context) error {
	currentIP, err := m.cfg.Probe.GetPublicIP()
	if err != nil {
		return newErr(ErrTransport, "sweep", err)
	}

	for _, rec := range m.registry.snapshot() {
		if rec.ExternalIP == nil || ipKey(rec.ExternalIP) == ipKey(currentIP) {
			continue
		}

		log.Infof("natmap: public IP changed %s -> %s, re-establishing mapping on external port %d", rec.ExternalIP, currentIP, rec.ExternalPort)

		// The old gateway is no longer reachable from this network;
		// evict without calling it.
		m.registry.remove(rec.ExternalIP, rec.ExternalPort)

		if _, err := m.addMapping(ctx, rec.InternalPort, rec.reqExternalPort, rec.Transport, rec.RequestedLifetime); err != nil {
			log.Errorf("natmap: re-establishing mapping after roam failed: %v", err)
		}
	}

	return nil
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)

	ticker := time.NewTicker(m.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RenewInterval)
			if err := m.sweepOnce(ctx); err != nil {
				log.Errorf("natmap: sweep failed: %v", err)
			}
			cancel()
		}
	}
}

// Close cancels every timer and attempts deletion on every active
// mapping in parallel before returning.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopSweep)
	<-m.sweepDone

	entries := m.registry.drain()
	var wg sync.WaitGroup
	for _, e := range entries {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.adapter.DeleteMapping(ctx, e.record); err != nil {
				log.Infof("natmap: close: delete mapping failed: %v", err)
			}
		}()
	}
	wg.Wait()

	close(m.events)
	return nil
}
