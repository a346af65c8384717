// Package dispatch implements C11: a periodic fan-out over active
// shops that delays the right per-shop tasks, deduplicated via a
// Redis NX lock. Grounded on the teacher's runMetricsCollector ticker
// idiom in control_plane/main.go, generalized from a single metrics
// poll to a per-shop task fan-out.
package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/flux-commerce/mp-ingest/obs"
	"github.com/flux-commerce/mp-ingest/rstore"
	"github.com/flux-commerce/mp-ingest/shopmodel"
	"github.com/flux-commerce/mp-ingest/tasks"
)

// ShopLister is the subset of the store package this dispatcher needs.
type ShopLister interface {
	ListActiveShops(ctx context.Context) ([]*shopmodel.Shop, error)
}

// Rule binds a task name to its queue's hard limit (the dedup lock TTL)
// and a predicate selecting which shops it applies to.
type Rule struct {
	TaskName string
	HardTTL  time.Duration
	AppliesTo func(shop *shopmodel.Shop) bool
}

// Dispatcher periodically enumerates active shops and delays tasks for
// each, deduplicated per (task, shop) via task-lock:<task>:<shop>.
type Dispatcher struct {
	shops   ShopLister
	r       *rstore.Client
	runtime *tasks.Runtime
	rules   []Rule
}

func New(shops ShopLister, r *rstore.Client, runtime *tasks.Runtime, rules []Rule) *Dispatcher {
	return &Dispatcher{shops: shops, r: r, runtime: runtime, rules: rules}
}

// Run fires Tick on every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one fan-out pass: list active shops, and for each rule
// whose predicate matches, dedup-dispatch the task.
func (d *Dispatcher) Tick(ctx context.Context) {
	shops, err := d.shops.ListActiveShops(ctx)
	if err != nil {
		log.Printf("dispatch: failed to list active shops: %v", err)
		return
	}

	for _, shop := range shops {
		for _, rule := range d.rules {
			if rule.AppliesTo != nil && !rule.AppliesTo(shop) {
				continue
			}
			d.dispatchOne(ctx, shop, rule)
		}
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, shop *shopmodel.Shop, rule Rule) {
	lockKey := rstore.TaskLockKey(rule.TaskName, shop.ID)
	acquired, err := d.r.AcquireLock(ctx, lockKey, "dispatched", rule.HardTTL)
	if err != nil {
		log.Printf("dispatch: lock check failed for %s: %v", lockKey, err)
		return
	}
	if !acquired {
		obs.DispatchDeduped.WithLabelValues(rule.TaskName).Inc()
		return
	}

	// shop_id is injected exactly once, via Args — never also passed
	// positionally, the bug spec.md §4.11 calls out explicitly.
	args := map[string]interface{}{"shop_id": shop.ID}
	if err := d.runtime.Delay(rule.TaskName, shop.ID, args); err != nil {
		log.Printf("dispatch: failed to delay task %s for shop %d: %v", rule.TaskName, shop.ID, err)
		_ = d.r.ReleaseLock(ctx, lockKey, "dispatched")
		return
	}
	obs.TaskDispatches.WithLabelValues("dispatch", rule.TaskName).Inc()
}

// ReleaseLock is the post-run signal handlers call on completion
// (spec.md §4.11's "post-run signal releases the lock"), including on
// cancellation per §5's hard-limit cleanup contract.
func ReleaseLock(ctx context.Context, r *rstore.Client, taskName string, shopID int64) error {
	return r.ReleaseLock(ctx, rstore.TaskLockKey(taskName, shopID), "dispatched")
}
