package breaker

import (
	"context"
	"testing"
)

type fakeShopStatusWriter struct {
	authErrors int
	actives    int
}

func (f *fakeShopStatusWriter) SetAuthError(ctx context.Context, shopID int64, message string) error {
	f.authErrors++
	return nil
}

func (f *fakeShopStatusWriter) SetActive(ctx context.Context, shopID int64) error {
	f.actives++
	return nil
}

func TestBreakerStartsClosed(t *testing.T) {
	b := New(nil, nil)
	if b.State(1) != CircuitClosed {
		t.Fatalf("expected a fresh shop to start CLOSED, got %s", b.State(1))
	}
	if err := b.Admit(1); err != nil {
		t.Fatalf("expected CLOSED to admit, got %v", err)
	}
}

func TestBreakerTripsAfterThresholdAcrossDistinctProxies(t *testing.T) {
	status := &fakeShopStatusWriter{}
	b := New(status, nil)

	// 9 failures from a single proxy must not trip it (requires >=2 proxies).
	for i := 0; i < 9; i++ {
		b.RecordAuthFailure(context.Background(), 1, 100)
	}
	if b.State(1) != CircuitClosed {
		t.Fatalf("expected single-proxy failures to stay CLOSED, got %s", b.State(1))
	}

	// one more failure reaches the 10-failure threshold but still from one proxy.
	b.RecordAuthFailure(context.Background(), 1, 100)
	if b.State(1) != CircuitClosed {
		t.Fatalf("expected threshold failures from one proxy to stay CLOSED, got %s", b.State(1))
	}

	// a failure from a second distinct proxy should trip it now.
	b.RecordAuthFailure(context.Background(), 1, 200)
	if b.State(1) != CircuitOpen {
		t.Fatalf("expected OPEN after threshold failures across 2 distinct proxies, got %s", b.State(1))
	}
	if status.authErrors != 1 {
		t.Fatalf("expected SetAuthError to be called once on trip, got %d", status.authErrors)
	}
}

func TestBreakerOpenRejectsAdmit(t *testing.T) {
	b := New(nil, nil)
	for i := 0; i < 10; i++ {
		b.RecordAuthFailure(context.Background(), 1, int64(i%2))
	}
	if b.State(1) != CircuitOpen {
		t.Fatalf("expected OPEN, got %s", b.State(1))
	}
	if err := b.Admit(1); err != ErrShopDisabled {
		t.Fatalf("expected ErrShopDisabled while OPEN, got %v", err)
	}
}

func TestBreakerHalfOpenAdmitsOneProbeAtATime(t *testing.T) {
	b := New(nil, nil)
	for i := 0; i < 10; i++ {
		b.RecordAuthFailure(context.Background(), 1, int64(i%2))
	}
	b.shops[1].openedAt = b.shops[1].openedAt.Add(-2 * b.cooldown) // force cooldown elapsed

	if err := b.Admit(1); err != nil {
		t.Fatalf("expected the first post-cooldown Admit to open a probe, got %v", err)
	}
	if b.State(1) != CircuitHalfOpen {
		t.Fatalf("expected HALF_OPEN after cooldown, got %s", b.State(1))
	}
	if err := b.Admit(1); err != ErrShopDisabled {
		t.Fatalf("expected a second concurrent probe to be rejected, got %v", err)
	}
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b := New(nil, nil)
	for i := 0; i < 10; i++ {
		b.RecordAuthFailure(context.Background(), 1, int64(i%2))
	}
	b.shops[1].openedAt = b.shops[1].openedAt.Add(-2 * b.cooldown)
	b.Admit(1)

	b.RecordSuccess(context.Background(), 1)
	if b.State(1) != CircuitClosed {
		t.Fatalf("expected a successful probe to close the circuit, got %s", b.State(1))
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	status := &fakeShopStatusWriter{}
	b := New(status, nil)
	for i := 0; i < 10; i++ {
		b.RecordAuthFailure(context.Background(), 1, int64(i%2))
	}
	b.shops[1].openedAt = b.shops[1].openedAt.Add(-2 * b.cooldown)
	b.Admit(1)

	b.RecordAuthFailure(context.Background(), 1, 999)
	if b.State(1) != CircuitOpen {
		t.Fatalf("expected a failed probe during HALF_OPEN to reopen immediately, got %s", b.State(1))
	}
}

func TestBreakerResetForcesClosed(t *testing.T) {
	status := &fakeShopStatusWriter{}
	b := New(status, nil)
	for i := 0; i < 10; i++ {
		b.RecordAuthFailure(context.Background(), 1, int64(i%2))
	}
	b.Reset(context.Background(), 1)
	if b.State(1) != CircuitClosed {
		t.Fatalf("expected Reset to force CLOSED, got %s", b.State(1))
	}
	if status.actives != 1 {
		t.Fatalf("expected Reset to call SetActive once, got %d", status.actives)
	}
	if err := b.Admit(1); err != nil {
		t.Fatalf("expected CLOSED after reset to admit, got %v", err)
	}
}
