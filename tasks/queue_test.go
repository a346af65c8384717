package tasks

import (
	"testing"
	"time"
)

func TestQueueOrderingByPriority(t *testing.T) {
	q := NewQueue()
	q.Push(&Task{ID: "low", Priority: 5})
	q.Push(&Task{ID: "high", Priority: 0})
	q.Push(&Task{ID: "mid", Priority: 2})

	got := []string{q.Pop().ID, q.Pop().ID, q.Pop().ID}
	want := []string{"high", "mid", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pop order = %v, want %v", got, want)
		}
	}
}

func TestQueueAgingLetsOldLowPriorityWin(t *testing.T) {
	q := NewQueue()
	old := &Task{ID: "stale", Priority: 5, SubmitTime: time.Now().Add(-1 * time.Minute)}
	fresh := &Task{ID: "fresh", Priority: 0, SubmitTime: time.Now()}
	q.Push(old)
	q.Push(fresh)

	// stale has waited 60s, so its effective priority is 5 - 60/10 = -1,
	// ahead of fresh's untouched effective priority of 0.
	first := q.Pop()
	if first.ID != "stale" {
		t.Fatalf("expected aging to promote the stale low-priority task first, got %s", first.ID)
	}
}

func TestQueuePopEmptyReturnsNil(t *testing.T) {
	q := NewQueue()
	if got := q.Pop(); got != nil {
		t.Fatalf("expected nil from an empty queue, got %v", got)
	}
}

func TestQueueLenTracksPushPop(t *testing.T) {
	q := NewQueue()
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got len %d", q.Len())
	}
	q.Push(&Task{ID: "a"})
	q.Push(&Task{ID: "b"})
	if q.Len() != 2 {
		t.Fatalf("expected len 2, got %d", q.Len())
	}
	q.Pop()
	if q.Len() != 1 {
		t.Fatalf("expected len 1 after one pop, got %d", q.Len())
	}
}

func TestQueuePushDelayed(t *testing.T) {
	q := NewQueue()
	q.PushDelayed(&Task{ID: "delayed"}, 20*time.Millisecond)
	if q.Len() != 0 {
		t.Fatalf("expected delayed task not yet visible, got len %d", q.Len())
	}
	time.Sleep(60 * time.Millisecond)
	if q.Len() != 1 {
		t.Fatalf("expected delayed task to appear after its delay, got len %d", q.Len())
	}
}
