package natmap

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"
)

// defaultWaveConcurrency bounds how many candidate gateways a single
// wave probes at once, so a fallback wave over the full seed list
// doesn't open two dozen UDP sockets simultaneously.
const defaultWaveConcurrency = 8

// routerCache is the set of gateway addresses that have previously
// responded, most-recently-successful first, so later probe waves try
// them before anything else.
type routerCache struct {
	mu    sync.Mutex
	order []net.IP
	seen  map[string]bool
}

func newRouterCache() *routerCache {
	return &routerCache{seen: make(map[string]bool)}
}

// add promotes ip to the front of the cache, inserting it if new.
func (c *routerCache) add(ip net.IP) {
	if ip == nil {
		return
	}
	k := ipKey(ip)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seen[k] {
		for i, cur := range c.order {
			if ipKey(cur) == k {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.seen[k] = true
	c.order = append([]net.IP{ip}, c.order...)
}

func (c *routerCache) all() []net.IP {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]net.IP, len(c.order))
	copy(out, c.order)
	return out
}

// Dispatcher fans out createMapping attempts across candidate gateways
// in two waves (§4.3): a matched wave derived from
// the router-IP cache and longest-prefix matches for each private IP,
// then a fallback wave over the remaining known router IPs. Within a
// wave, candidates race; the first success is authoritative and cancels
// the rest. Deletion goes to the granting gateway only (DispatchDelete).
type Dispatcher struct {
	cache *routerCache
	seed  []net.IP
	sem   *semaphore.Weighted
}

// NewDispatcher builds a Dispatcher. A nil seed uses the bundled list of
// ~21 common residential gateway defaults.
func NewDispatcher(seed []net.IP) *Dispatcher {
	if seed == nil {
		seed = seedRouterIPs
	}
	return &Dispatcher{
		cache: newRouterCache(),
		seed:  seed,
		sem:   semaphore.NewWeighted(defaultWaveConcurrency),
	}
}

// CachedRouters returns the current router-IP cache contents, most
// recently successful first.
func (d *Dispatcher) CachedRouters() []net.IP {
	return d.cache.all()
}

// knownRouters is the seed list plus anything the cache has
// accumulated, cache entries first (they're the likeliest to work).
func (d *Dispatcher) knownRouters() []net.IP {
	cached := d.cache.all()
	seen := make(map[string]bool, len(cached)+len(d.seed))
	out := make([]net.IP, 0, len(cached)+len(d.seed))
	for _, ip := range cached {
		if !seen[ipKey(ip)] {
			seen[ipKey(ip)] = true
			out = append(out, ip)
		}
	}
	for _, ip := range d.seed {
		if !seen[ipKey(ip)] {
			seen[ipKey(ip)] = true
			out = append(out, ip)
		}
	}
	return out
}

// waves splits knownRouters into the matched and fallback sets for the
// given private IPs.
func (d *Dispatcher) waves(privateIPs []net.IP) (matched, fallback []net.IP) {
	known := d.knownRouters()
	inMatched := make(map[string]bool, len(known))

	for _, ip := range d.cache.all() {
		if !inMatched[ipKey(ip)] {
			inMatched[ipKey(ip)] = true
			matched = append(matched, ip)
		}
	}

	for _, priv := range privateIPs {
		c := Choose(known, priv)
		if c != nil && !inMatched[ipKey(c)] {
			inMatched[ipKey(c)] = true
			matched = append(matched, c)
		}
	}

	for _, ip := range known {
		if !inMatched[ipKey(ip)] {
			fallback = append(fallback, ip)
		}
	}

	return matched, fallback
}

type waveResult struct {
	rec *Record
	err error
	gw  net.IP
}

// attemptWave races candidates concurrently (bounded by d.sem),
// returning the first success. On success, that candidate's IP is
// promoted into the router-IP cache and the rest of the wave is
// cancelled.
func (d *Dispatcher) attemptWave(ctx context.Context, adapter Adapter, req CreateRequest, privateIPs []net.IP, candidates []net.IP) (*Record, error) {
	if len(candidates) == 0 {
		return nil, errNoCandidates
	}

	waveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resCh := make(chan waveResult, len(candidates))
	var wg sync.WaitGroup

	for _, gw := range candidates {
		gw := gw
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := d.sem.Acquire(waveCtx, 1); err != nil {
				resCh <- waveResult{err: err, gw: gw}
				return
			}
			defer d.sem.Release(1)

			r := req
			r.RouterIP = gw
			rec, err := adapter.CreateMapping(waveCtx, r, privateIPs)
			resCh <- waveResult{rec: rec, err: err, gw: gw}
		}()
	}

	go func() {
		wg.Wait()
		close(resCh)
	}()

	var lastErr error
	for res := range resCh {
		if res.err == nil && res.rec != nil {
			cancel()
			d.cache.add(res.gw)
			return res.rec, nil
		}
		if res.err != nil {
			log.Debugf("dispatch: %v attempt against %v failed: %v", adapter.Name(), res.gw, res.err)
			lastErr = res.err
		}
	}

	if lastErr == nil {
		lastErr = errNoCandidates
	}
	return nil, lastErr
}

// Dispatch runs the matched wave to completion (success or exhaustion)
// before starting the fallback wave, per the ordering guarantee in §5.
func (d *Dispatcher) Dispatch(ctx context.Context, adapter Adapter, req CreateRequest, privateIPs []net.IP) (*Record, error) {
	matched, fallback := d.waves(privateIPs)

	if rec, err := d.attemptWave(ctx, adapter, req, privateIPs, matched); err == nil {
		return rec, nil
	}

	return d.attemptWave(ctx, adapter, req, privateIPs, fallback)
}

// DispatchDelete issues a single DeleteMapping attempt against
// rec.RouterIP only — deletion targets the specific gateway that granted the
// mapping, not a wave of candidates.
func (d *Dispatcher) DispatchDelete(ctx context.Context, adapter Adapter, rec *Record) error {
	return adapter.DeleteMapping(ctx, rec)
}
