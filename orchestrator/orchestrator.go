// Package orchestrator implements C9: the per-shop historical backfill
// as a strictly ordered, serial step chain with progress reporting,
// guarded by a distributed lock. Grounded on the teacher's
// coordination lease primitive (control_plane/store/redis.go's
// AcquireLock/RenewLock/ReleaseLock, reused via rstore.Client) and the
// stale-lock reaper adapted from coordination/janitor.go.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/flux-commerce/mp-ingest/obs"
	"github.com/flux-commerce/mp-ingest/rstore"
	"github.com/flux-commerce/mp-ingest/statestore"
)

// lockTTL is the full 4h backfill lock horizon (spec.md §4.9).
const lockTTL = 4 * time.Hour

// renewInterval keeps the lock alive well inside lockTTL so a slow
// step never lets it lapse mid-run.
const renewInterval = 20 * time.Minute

// ErrAlreadyRunning is returned when a duplicate backfill is requested
// for a shop that already holds the lock (spec.md §4.9).
var ErrAlreadyRunning = fmt.Errorf("orchestrator: backfill already running for this shop")

// Step is one named unit of the ordered chain. Handler returns a
// non-fatal error to record status=error on this step without aborting
// the remaining chain (spec.md §4.9 "Failure policy").
type Step struct {
	Name    string
	Handler func(ctx context.Context, shopID int64, report func(subProgress string)) error
}

// WildberriesChain is the ordered Wildberries backfill (spec.md §4.9).
// Handlers are injected by the caller (cmd/ingestd) since they depend
// on mpclient/loaders wiring specific to each marketplace surface.
func WildberriesChain(handlers map[string]func(context.Context, int64, func(string)) error) []Step {
	order := []string{
		"content", "orders", "sales_funnel", "finance", "ads_history", "commercial_data", "warehouses",
	}
	return buildChain(order, handlers)
}

// OzonChain is the ordered Ozon backfill (spec.md §4.9).
func OzonChain(handlers map[string]func(context.Context, int64, func(string)) error) []Step {
	order := []string{
		"products", "product_snapshots", "orders", "finance", "funnel", "returns",
		"warehouse_stocks", "prices", "seller_rating", "content_rating", "content_hashes", "ads",
	}
	return buildChain(order, handlers)
}

// buildChain always returns one Step per name in order, even when
// handlers has no entry for it: a missing handler becomes a step that
// fails immediately with a named error. This keeps Run's percent/total
// math and final status honest about the documented chain (spec.md
// §8 invariant 7) instead of silently reporting done/100% after
// running fewer steps than the chain names.
func buildChain(order []string, handlers map[string]func(context.Context, int64, func(string)) error) []Step {
	steps := make([]Step, 0, len(order))
	for _, name := range order {
		h, ok := handlers[name]
		if !ok {
			h = missingStepHandler(name)
		}
		steps = append(steps, Step{Name: name, Handler: h})
	}
	return steps
}

func missingStepHandler(name string) func(context.Context, int64, func(string)) error {
	return func(ctx context.Context, shopID int64, report func(string)) error {
		return fmt.Errorf("no handler registered for step %q", name)
	}
}

// Orchestrator runs backfill chains guarded by a per-shop lock.
type Orchestrator struct {
	r     *rstore.Client
	state *statestore.Store
}

func New(r *rstore.Client, state *statestore.Store) *Orchestrator {
	return &Orchestrator{r: r, state: state}
}

// Run executes steps serially for shopID under a distributed lock.
// ownerID should be unique per process/run (e.g. a uuid) so the
// reaper and RenewLock can tell genuine holders from stale entries.
func (o *Orchestrator) Run(ctx context.Context, shopID int64, marketplace string, ownerID string, steps []Step) error {
	lockKey := rstore.OrchestratorLockKey(shopID)

	acquired, err := o.r.AcquireLock(ctx, lockKey, ownerID, lockTTL)
	if err != nil {
		return fmt.Errorf("orchestrator: acquire lock: %w", err)
	}
	if !acquired {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := o.r.ReleaseLock(context.Background(), lockKey, ownerID); err != nil {
			log.Printf("orchestrator: failed to release lock for shop %d: %v", shopID, err)
		}
	}()

	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	go o.renewLoop(renewCtx, lockKey, ownerID)

	total := len(steps)
	startedAt := time.Now()
	var stepErrors []string

	for i, step := range steps {
		percent := float64(i) / float64(total) * 100
		if percent > 99 {
			percent = 99 // cap at 99% until done, per spec.md §4.9
		}
		progress := statestore.SyncProgress{
			Marketplace: marketplace,
			CurrentStep: step.Name,
			StartedAt:   startedAt,
			Status:      "running",
		}
		if err := o.state.SetSyncProgress(ctx, shopID, progress); err != nil {
			log.Printf("orchestrator: failed to write progress for shop %d: %v", shopID, err)
		}
		obs.BackfillProgress.WithLabelValues(fmt.Sprintf("%d", shopID)).Set(percent)

		report := func(sub string) {
			p := progress
			p.SubProgress = sub
			if err := o.state.SetSyncProgress(ctx, shopID, p); err != nil {
				log.Printf("orchestrator: failed to write sub-progress for shop %d: %v", shopID, err)
			}
		}

		if err := step.Handler(ctx, shopID, report); err != nil {
			log.Printf("orchestrator: step %s failed for shop %d: %v", step.Name, shopID, err)
			stepErrors = append(stepErrors, fmt.Sprintf("%s: %v", step.Name, err))
			obs.BackfillStepFailures.WithLabelValues(marketplace, step.Name).Inc()
			failed := progress
			failed.Status = "error"
			failed.Errors = stepErrors
			if werr := o.state.SetSyncProgress(ctx, shopID, failed); werr != nil {
				log.Printf("orchestrator: failed to write step error for shop %d: %v", shopID, werr)
			}
			// non-fatal: continue to the next step regardless
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	status := "done"
	if len(stepErrors) > 0 {
		status = "done_with_errors"
	}
	final := statestore.SyncProgress{
		Marketplace: marketplace,
		CurrentStep: "complete",
		StartedAt:   startedAt,
		Status:      status,
		Errors:      stepErrors,
	}
	obs.BackfillProgress.WithLabelValues(fmt.Sprintf("%d", shopID)).Set(100)
	return o.state.SetSyncProgress(ctx, shopID, final)
}

func (o *Orchestrator) renewLoop(ctx context.Context, lockKey, ownerID string) {
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := o.r.RenewLock(ctx, lockKey, ownerID, lockTTL); err != nil || !ok {
				log.Printf("orchestrator: failed to renew lock %s: ok=%v err=%v", lockKey, ok, err)
			}
		}
	}
}

// EarlyExitTracker implements the chunked-scan early-exit heuristic
// (spec.md §4.9): a backfill stops scanning once N consecutive chunks
// come back empty. Errors count as empty (conservative: don't spin
// forever on a flaky endpoint); finding data resets the streak.
type EarlyExitTracker struct {
	limit       int
	emptyStreak int
}

// NewEarlyExitTracker builds a tracker with the marketplace-specific
// threshold (N=3 for Ozon ads, N=2 for WB ads per spec.md §4.9).
func NewEarlyExitTracker(n int) *EarlyExitTracker {
	return &EarlyExitTracker{limit: n}
}

// Record registers one chunk's result. rows=0 or err!=nil both count
// toward the empty streak. Returns true once the chain should stop.
func (t *EarlyExitTracker) Record(rows int, err error) (shouldStop bool) {
	if rows == 0 || err != nil {
		t.emptyStreak++
	} else {
		t.emptyStreak = 0
	}
	return t.emptyStreak >= t.limit
}

// StaleLockReaper periodically scans orchestrator locks and logs each
// held lock with its owner — adapted from coordination/janitor.go's
// periodic-sweep idiom, repurposed from epoch-fenced leader leases to
// the single per-shop backfill lock. Redis's own TTL reclaims a lock
// whose owner crashed; the reaper never releases a lock itself and
// does not track how long a lock has been held.
type StaleLockReaper struct {
	r        *rstore.Client
	interval time.Duration
}

func NewStaleLockReaper(r *rstore.Client, interval time.Duration) *StaleLockReaper {
	return &StaleLockReaper{r: r, interval: interval}
}

func (j *StaleLockReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *StaleLockReaper) sweep(ctx context.Context) {
	keys, err := j.r.Scan(ctx, "orchestrator:*")
	if err != nil {
		log.Printf("orchestrator: reaper scan failed: %v", err)
		return
	}
	for _, key := range keys {
		owner, err := j.r.LockOwner(ctx, key)
		if err != nil || owner == "" {
			continue
		}
		log.Printf("orchestrator: reaper observed held lock %s owner=%s", key, owner)
	}
}
