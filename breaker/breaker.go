// Package breaker implements C3: a per-shop tristate circuit breaker
// that trips on repeated authentication failures. Directly grounded on
// control_plane/scheduler/circuit_breaker.go — same CircuitState
// enum/String idiom and sync.Mutex-guarded struct, generalized from
// queue-depth/saturation triggers to auth-failure-count-from-distinct-
// proxies triggers.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/flux-commerce/mp-ingest/obs"
	"github.com/flux-commerce/mp-ingest/rstore"
	"github.com/flux-commerce/mp-ingest/shopmodel"
)

// CircuitState is the tristate gate (spec.md §4.3).
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrShopDisabled is returned by Admit when the breaker is OPEN.
var ErrShopDisabled = errors.New("breaker: shop disabled (circuit open)")

// ShopStatusWriter lets the breaker flip Shop.status on transitions
// without importing the store package (keeps this package dependency-
// free for unit testing, matching the teacher's style of small
// interfaces defined at the point of use).
type ShopStatusWriter interface {
	SetAuthError(ctx context.Context, shopID int64, message string) error
	SetActive(ctx context.Context, shopID int64) error
}

type shopBreaker struct {
	state CircuitState

	failures        int
	failureProxies  map[int64]struct{}
	openedAt        time.Time
	probeInFlight   bool
}

// Breaker tracks one tristate gate per shop.
type Breaker struct {
	mu    sync.Mutex
	shops map[int64]*shopBreaker

	threshold int           // auth failures to trip OPEN, once >=2 distinct proxies are among them (default 10)
	cooldown  time.Duration // OPEN -> HALF_OPEN cooldown (default 1h)

	status ShopStatusWriter
	r      *rstore.Client // Redis mirror of circuit state; nil is fine for tests
}

// New creates a breaker with production defaults (10 failures, 1h
// cooldown) per spec.md §4.3. r persists every state transition under
// rstore.BreakerStateKey so a process restart can rebuild its
// in-memory view via Seed instead of forgetting an OPEN shop
// (spec.md §5, invariant 6); pass nil to run in-memory only (tests).
func New(status ShopStatusWriter, r *rstore.Client) *Breaker {
	return &Breaker{
		shops:     make(map[int64]*shopBreaker),
		threshold: 10,
		cooldown:  time.Hour,
		status:    status,
		r:         r,
	}
}

// breakerSnapshot is the Redis-persisted mirror of one shop's circuit
// state, also the shape Seed expects back from rstore.Get.
type breakerSnapshot struct {
	State    CircuitState `json:"state"`
	OpenedAt time.Time    `json:"opened_at"`
}

// persist mirrors sb's state to Redis, best-effort: a failed write
// only degrades the next restart's accuracy, never the current
// request path.
func (b *Breaker) persist(ctx context.Context, shopID int64, sb *shopBreaker) {
	if b.r == nil {
		return
	}
	raw, err := json.Marshal(breakerSnapshot{State: sb.state, OpenedAt: sb.openedAt})
	if err != nil {
		return
	}
	if err := b.r.Set(ctx, rstore.BreakerStateKey(shopID), string(raw), b.cooldown*2); err != nil {
		log.Printf("breaker: failed to persist state for shop %d: %v", shopID, err)
	}
}

// Seed rebuilds in-memory circuit state for every shop OLTP still
// reports as auth_error, so a freshly started process doesn't readmit
// calls for a shop that was OPEN before restart (spec.md §5, invariant
// 6). Redis's mirror (if present) wins over the OLTP approximation
// since it carries the actual trip timestamp the cooldown depends on;
// Shop.UpdatedAt is the fallback when Redis has no record (e.g. the
// shop tripped on a process that died before this deploy existed).
func (b *Breaker) Seed(ctx context.Context, shops []*shopmodel.Shop) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, shop := range shops {
		if shop.Status != shopmodel.StatusAuthError {
			continue
		}
		sb := b.get(shop.ID)
		if b.r != nil {
			if raw, ok, err := b.r.Get(ctx, rstore.BreakerStateKey(shop.ID)); err == nil && ok {
				var snap breakerSnapshot
				if json.Unmarshal([]byte(raw), &snap) == nil {
					sb.state = snap.State
					sb.openedAt = snap.OpenedAt
					continue
				}
			}
		}
		sb.state = CircuitOpen
		sb.openedAt = shop.UpdatedAt
	}
}

func (b *Breaker) get(shopID int64) *shopBreaker {
	sb, ok := b.shops[shopID]
	if !ok {
		sb = &shopBreaker{failureProxies: make(map[int64]struct{})}
		b.shops[shopID] = sb
	}
	return sb
}

// Admit checks whether a call for shopID may proceed. Returns
// ErrShopDisabled when OPEN. In HALF_OPEN, admits exactly one probe at
// a time.
func (b *Breaker) Admit(shopID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sb := b.get(shopID)

	if sb.state == CircuitOpen && time.Since(sb.openedAt) > b.cooldown {
		sb.state = CircuitHalfOpen
		sb.probeInFlight = false
	}

	obs.BreakerState.WithLabelValues(shopIDLabel(shopID)).Set(float64(sb.state))

	switch sb.state {
	case CircuitOpen:
		return ErrShopDisabled
	case CircuitHalfOpen:
		if sb.probeInFlight {
			return ErrShopDisabled
		}
		sb.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordAuthFailure registers a 401 from the given proxy. Trips the
// breaker to OPEN once failures from >=2 distinct proxies reach the
// threshold (spec.md §4.3's anti-single-bad-proxy guard).
func (b *Breaker) RecordAuthFailure(ctx context.Context, shopID, proxyID int64) {
	b.mu.Lock()
	sb := b.get(shopID)

	if sb.state == CircuitHalfOpen {
		sb.state = CircuitOpen
		sb.openedAt = time.Now()
		sb.probeInFlight = false
		sb.failures = 0
		sb.failureProxies = make(map[int64]struct{})
		b.mu.Unlock()
		obs.BreakerTrips.WithLabelValues(shopIDLabel(shopID)).Inc()
		obs.BreakerState.WithLabelValues(shopIDLabel(shopID)).Set(float64(CircuitOpen))
		b.persist(ctx, shopID, sb)
		if b.status != nil {
			_ = b.status.SetAuthError(ctx, shopID, "probe failed during half-open recovery")
		}
		return
	}

	sb.failures++
	sb.failureProxies[proxyID] = struct{}{}

	trip := sb.failures >= b.threshold && len(sb.failureProxies) >= 2
	if trip && sb.state != CircuitOpen {
		sb.state = CircuitOpen
		sb.openedAt = time.Now()
	}
	b.mu.Unlock()

	if trip {
		obs.BreakerTrips.WithLabelValues(shopIDLabel(shopID)).Inc()
		obs.BreakerState.WithLabelValues(shopIDLabel(shopID)).Set(float64(CircuitOpen))
		b.persist(ctx, shopID, sb)
		if b.status != nil {
			_ = b.status.SetAuthError(ctx, shopID, "repeated authentication failures across multiple proxies")
		}
	}
}

// RecordSuccess closes the circuit if a HALF_OPEN probe succeeded.
func (b *Breaker) RecordSuccess(ctx context.Context, shopID int64) {
	b.mu.Lock()
	sb := b.get(shopID)
	wasHalfOpen := sb.state == CircuitHalfOpen
	if wasHalfOpen {
		sb.state = CircuitClosed
		sb.failures = 0
		sb.failureProxies = make(map[int64]struct{})
		sb.probeInFlight = false
	}
	b.mu.Unlock()

	if wasHalfOpen {
		obs.BreakerState.WithLabelValues(shopIDLabel(shopID)).Set(float64(CircuitClosed))
		b.persist(ctx, shopID, sb)
	}
}

// Reset force-transitions the breaker to CLOSED — the "credential
// update by the user" external reset in spec.md §4.3.
func (b *Breaker) Reset(ctx context.Context, shopID int64) {
	b.mu.Lock()
	sb := b.get(shopID)
	sb.state = CircuitClosed
	sb.failures = 0
	sb.failureProxies = make(map[int64]struct{})
	sb.probeInFlight = false
	b.mu.Unlock()

	obs.BreakerState.WithLabelValues(shopIDLabel(shopID)).Set(float64(CircuitClosed))
	b.persist(ctx, shopID, sb)
	if b.status != nil {
		_ = b.status.SetActive(ctx, shopID)
	}
}

// State returns the current state for diagnostics/tests.
func (b *Breaker) State(shopID int64) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(shopID).state
}

func shopIDLabel(shopID int64) string {
	return strconv.FormatInt(shopID, 10)
}
