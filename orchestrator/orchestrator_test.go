package orchestrator

import (
	"context"
	"errors"
	"testing"
)

func TestEarlyExitTrackerStopsAfterConsecutiveEmpties(t *testing.T) {
	tr := NewEarlyExitTracker(3)
	if tr.Record(5, nil) {
		t.Fatal("a non-empty chunk must not trigger early exit")
	}
	if tr.Record(0, nil) {
		t.Fatal("one empty chunk must not trigger early exit at limit 3")
	}
	if tr.Record(0, nil) {
		t.Fatal("two empty chunks must not trigger early exit at limit 3")
	}
	if !tr.Record(0, nil) {
		t.Fatal("three consecutive empty chunks must trigger early exit")
	}
}

func TestEarlyExitTrackerErrorsCountAsEmpty(t *testing.T) {
	tr := NewEarlyExitTracker(2)
	if tr.Record(0, errors.New("timeout")) {
		t.Fatal("one error must not trigger early exit at limit 2")
	}
	if !tr.Record(0, errors.New("timeout")) {
		t.Fatal("two consecutive errors must trigger early exit at limit 2")
	}
}

func TestEarlyExitTrackerResetsOnNonEmptyChunk(t *testing.T) {
	tr := NewEarlyExitTracker(2)
	tr.Record(0, nil)
	if tr.Record(10, nil) {
		t.Fatal("a non-empty chunk must reset the streak")
	}
	if tr.Record(0, nil) {
		t.Fatal("streak should restart from zero after the reset")
	}
}

func TestWildberriesChainPreservesSpecOrder(t *testing.T) {
	var seen []string
	handlers := map[string]func(context.Context, int64, func(string)) error{}
	for _, name := range []string{"content", "orders", "sales_funnel", "finance", "ads_history", "commercial_data", "warehouses"} {
		name := name
		handlers[name] = func(ctx context.Context, shopID int64, report func(string)) error {
			seen = append(seen, name)
			return nil
		}
	}
	steps := WildberriesChain(handlers)
	want := []string{"content", "orders", "sales_funnel", "finance", "ads_history", "commercial_data", "warehouses"}
	if len(steps) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(steps))
	}
	for i, step := range steps {
		if step.Name != want[i] {
			t.Fatalf("step %d = %s, want %s", i, step.Name, want[i])
		}
	}
}

func TestOzonChainKeepsEveryNamedStepEvenWhenUnregistered(t *testing.T) {
	handlers := map[string]func(context.Context, int64, func(string)) error{
		"products": func(ctx context.Context, shopID int64, report func(string)) error { return nil },
		"ads":      func(ctx context.Context, shopID int64, report func(string)) error { return nil },
	}
	steps := OzonChain(handlers)
	want := []string{
		"products", "product_snapshots", "orders", "finance", "funnel", "returns",
		"warehouse_stocks", "prices", "seller_rating", "content_rating", "content_hashes", "ads",
	}
	if len(steps) != len(want) {
		t.Fatalf("expected all %d documented steps to survive, got %d", len(want), len(steps))
	}
	for i, step := range steps {
		if step.Name != want[i] {
			t.Fatalf("step %d = %s, want %s", i, step.Name, want[i])
		}
	}
	// An unregistered step's handler fails rather than silently
	// succeeding, so Run's final status can't claim "done" for a step
	// that never actually ran (spec.md §8 invariant 7).
	if err := steps[1].Handler(context.Background(), 1, func(string) {}); err == nil {
		t.Fatal("expected the unregistered product_snapshots step to return an error")
	}
	if err := steps[0].Handler(context.Background(), 1, func(string) {}); err != nil {
		t.Fatalf("expected the registered products step to succeed, got %v", err)
	}
}
