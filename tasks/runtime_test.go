package tasks

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRuntimeApplyRunsRegisteredHandler(t *testing.T) {
	r := NewRuntime()
	called := false
	r.Register("noop", QueueFast, func(ctx context.Context, task *Task) error {
		called = true
		return nil
	})

	if err := r.Apply(context.Background(), "noop", 1, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to be invoked")
	}
}

func TestRuntimeApplyUnknownTask(t *testing.T) {
	r := NewRuntime()
	err := r.Apply(context.Background(), "does_not_exist", 1, nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered task name")
	}
}

func TestRuntimeApplyPropagatesHandlerError(t *testing.T) {
	r := NewRuntime()
	wantErr := errors.New("boom")
	r.Register("failing", QueueFast, func(ctx context.Context, task *Task) error {
		return wantErr
	})
	if err := r.Apply(context.Background(), "failing", 1, nil); !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestRuntimeHardLimitCancelsHandler(t *testing.T) {
	r := NewRuntime()
	QueueConfigs[QueueFast] = QueueConfig{Concurrency: 4, SoftLimit: 5 * time.Millisecond, HardLimit: 20 * time.Millisecond}
	defer func() { QueueConfigs[QueueFast] = QueueConfig{Concurrency: 4, SoftLimit: 30 * time.Second, HardLimit: 60 * time.Second} }()

	r.Register("slow", QueueFast, func(ctx context.Context, task *Task) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := r.Apply(context.Background(), "slow", 1, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the hard limit to cancel the handler's context, got %v", err)
	}
}

func TestDelayEnqueuesForLaterExecution(t *testing.T) {
	r := NewRuntime()
	r.Register("bg", QueueFast, func(ctx context.Context, task *Task) error { return nil })
	if err := r.Delay("bg", 42, map[string]interface{}{"shop_id": int64(42)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.queues[QueueFast].Len() != 1 {
		t.Fatalf("expected one queued task, got %d", r.queues[QueueFast].Len())
	}
}

func TestNewTaskIDsAreUnique(t *testing.T) {
	a := newTaskID("sync_shop_ads", 7)
	b := newTaskID("sync_shop_ads", 7)
	if a == b {
		t.Fatalf("expected distinct task IDs, got %q twice", a)
	}
}
