// Package proxypool implements C1: per-shop sticky proxy leases with
// quarantine-on-failure, backed by the process's Proxy Record set and a
// Redis sticky binding. Grounded on the teacher's
// control_plane/scheduler/circuit_breaker.go for the quarantine-state
// shape and control_plane/store/redis.go's AcquireLock for the sticky
// binding.
package proxypool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/flux-commerce/mp-ingest/obs"
	"github.com/flux-commerce/mp-ingest/rstore"
	"github.com/flux-commerce/mp-ingest/shopmodel"
)

// ErrNoProxyAvailable is returned when every proxy is quarantined or
// inactive. Fatal for the current attempt (spec.md §4.1).
var ErrNoProxyAvailable = errors.New("proxypool: no proxy available")

// Outcome classifies the result of using a leased proxy.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeTransient    Outcome = "transient"
	OutcomeBanned       Outcome = "banned"
	OutcomeServerError  Outcome = "server_error"
)

// quarantine horizons by outcome (spec.md §4.1).
var quarantineFor = map[Outcome]time.Duration{
	OutcomeBanned:      30 * time.Minute,
	OutcomeServerError: 5 * time.Minute,
}

// rate-limited (429) gets its own 15m horizon; reported via
// ReportRateLimited since it is not a boolean HTTP-status outcome.
const rateLimitedQuarantine = 15 * time.Minute

type entry struct {
	proxy          shopmodel.Proxy
	quarantinedUntil time.Time

	pendingSuccess int64
	pendingFailure int64
}

// OutcomeRecorder persists the success/failure deltas FlushCounters
// collects, so counters survive a restart and stay visible to every
// worker process (spec.md §5: "Proxy record counters | All workers |
// All | Atomic counters in OLTP"). Small interface at point of use;
// satisfied by *store.Store.
type OutcomeRecorder interface {
	RecordProxyOutcome(ctx context.Context, proxyID int64, successDelta, failureDelta int64) error
}

// Pool owns the process's view of the proxy fleet. Safe for concurrent
// use; the sticky binding itself lives in Redis so it is shared across
// worker processes.
type Pool struct {
	mu       sync.RWMutex
	byID     map[int64]*entry
	rclient  *rstore.Client
	recorder OutcomeRecorder
}

// New builds a pool from the given proxy records (typically loaded from
// OLTP at startup and periodically refreshed).
func New(rclient *rstore.Client, proxies []shopmodel.Proxy) *Pool {
	p := &Pool{byID: make(map[int64]*entry, len(proxies)), rclient: rclient}
	for _, pr := range proxies {
		p.byID[pr.ID] = &entry{proxy: pr}
	}
	return p
}

// SetOutcomeRecorder wires the OLTP sink FlushCounters writes through;
// left unset, counters stay in-memory only (matches New's zero-arg
// test construction).
func (p *Pool) SetOutcomeRecorder(r OutcomeRecorder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorder = r
}

// Lease is an active proxy hold. Release must be called exactly once
// (spec.md §8 invariant 2: exactly one lease held for the full call
// duration, released exactly once).
type Lease struct {
	Proxy   shopmodel.Proxy
	pool    *Pool
	shopID  int64
	marketplace string
	released bool
	mu      sync.Mutex
}

// Release reports the outcome of having used this lease and clears or
// refreshes the sticky binding accordingly. Calling Release more than
// once is a no-op after the first call.
func (l *Lease) Release(ctx context.Context, outcome Outcome) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.pool.report(ctx, l.Proxy.ID, l.shopID, outcome)
}

// ReleaseRateLimited reports a 429; distinct from Release because the
// quarantine horizon for rate-limiting differs from a generic
// server_error (spec.md §4.1).
func (l *Lease) ReleaseRateLimited(ctx context.Context) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.pool.quarantine(ctx, l.Proxy.ID, l.shopID, rateLimitedQuarantine)
	obs.ProxyQuarantines.WithLabelValues("rate_limited").Inc()
}

// Lease selects a proxy for (shop, marketplace), preferring the proxy
// previously sticky-bound to this shop. Falls back to weighted-random
// selection by success rate when there is no sticky binding or it is
// quarantined.
func (p *Pool) Lease(ctx context.Context, shopID int64, marketplace string) (*Lease, error) {
	bindKey := rstore.ProxyBindKey(shopID)

	if boundIDStr, ok, err := p.rclient.Get(ctx, bindKey); err == nil && ok {
		var boundID int64
		if _, scanErr := fmt.Sscanf(boundIDStr, "%d", &boundID); scanErr == nil {
			if pr, ok := p.tryUse(boundID); ok {
				obs.ProxyLeases.WithLabelValues("sticky").Inc()
				return &Lease{Proxy: pr, pool: p, shopID: shopID, marketplace: marketplace}, nil
			}
		}
	}

	pr, ok := p.weightedPick()
	if !ok {
		obs.ProxyLeases.WithLabelValues("exhausted").Inc()
		return nil, ErrNoProxyAvailable
	}

	horizon := 30 * time.Minute
	_ = p.rclient.Set(ctx, bindKey, fmt.Sprintf("%d", pr.ID), horizon)
	obs.ProxyLeases.WithLabelValues("weighted").Inc()
	return &Lease{Proxy: pr, pool: p, shopID: shopID, marketplace: marketplace}, nil
}

func (p *Pool) tryUse(id int64) (shopmodel.Proxy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byID[id]
	if !ok {
		return shopmodel.Proxy{}, false
	}
	if e.proxy.Status != shopmodel.ProxyActive {
		return shopmodel.Proxy{}, false
	}
	if time.Now().Before(e.quarantinedUntil) {
		return shopmodel.Proxy{}, false
	}
	return e.proxy, true
}

// weightedPick chooses among eligible proxies with probability
// proportional to success rate, the same "weighted random on success
// rate" contract as spec.md §4.1.
func (p *Pool) weightedPick() (shopmodel.Proxy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	var eligible []*entry
	var total float64
	for _, e := range p.byID {
		if e.proxy.Status != shopmodel.ProxyActive {
			continue
		}
		if now.Before(e.quarantinedUntil) {
			continue
		}
		eligible = append(eligible, e)
		total += e.proxy.SuccessRate() + 0.01 // floor so zero-rate proxies still get a shot
	}
	if len(eligible) == 0 {
		return shopmodel.Proxy{}, false
	}

	r := rand.Float64() * total
	for _, e := range eligible {
		r -= e.proxy.SuccessRate() + 0.01
		if r <= 0 {
			return e.proxy, true
		}
	}
	return eligible[len(eligible)-1].proxy, true
}

func (p *Pool) report(ctx context.Context, proxyID, shopID int64, outcome Outcome) {
	p.mu.Lock()
	e, ok := p.byID[proxyID]
	if ok {
		if outcome == OutcomeOK {
			e.proxy.SuccessCount++
			e.pendingSuccess++
		} else {
			e.proxy.FailureCount++
			e.pendingFailure++
		}
	}
	p.mu.Unlock()

	if horizon, quarantined := quarantineFor[outcome]; quarantined {
		p.quarantine(ctx, proxyID, shopID, horizon)
		obs.ProxyQuarantines.WithLabelValues(string(outcome)).Inc()
	}
}

func (p *Pool) quarantine(ctx context.Context, proxyID, shopID int64, horizon time.Duration) {
	p.mu.Lock()
	if e, ok := p.byID[proxyID]; ok {
		e.quarantinedUntil = time.Now().Add(horizon)
	}
	p.mu.Unlock()
	_ = p.rclient.Del(ctx, rstore.ProxyBindKey(shopID))
}

// FlushCounters writes every proxy's accumulated pending success/
// failure deltas to the OLTP recorder and clears them, regardless of
// outcome. Intended to be called periodically (e.g. every minute) by
// the caller, not per-lease, so counter writes stay off the hot path
// (store/postgres.go's RecordProxyOutcome doc comment).
func (p *Pool) FlushCounters(ctx context.Context) {
	p.mu.Lock()
	type delta struct {
		id             int64
		success, failure int64
	}
	var pending []delta
	for id, e := range p.byID {
		if e.pendingSuccess == 0 && e.pendingFailure == 0 {
			continue
		}
		pending = append(pending, delta{id: id, success: e.pendingSuccess, failure: e.pendingFailure})
		e.pendingSuccess = 0
		e.pendingFailure = 0
	}
	recorder := p.recorder
	p.mu.Unlock()

	if recorder == nil {
		return
	}
	for _, d := range pending {
		if err := recorder.RecordProxyOutcome(ctx, d.id, d.success, d.failure); err != nil {
			log.Printf("proxypool: failed to flush outcome counters for proxy %d: %v", d.id, err)
		}
	}
}

// ActiveCount reports the number of proxies not currently quarantined;
// exposed for the mpi_proxy_pool_active gauge.
func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, e := range p.byID {
		if e.proxy.Status == shopmodel.ProxyActive && now.After(e.quarantinedUntil) {
			n++
		}
	}
	return n
}
