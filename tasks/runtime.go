package tasks

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flux-commerce/mp-ingest/obs"
)

// QueueName is one of the three fixed queues from spec.md §4.8.
type QueueName string

const (
	QueueFast     QueueName = "fast"
	QueueSync     QueueName = "sync"
	QueueBackfill QueueName = "backfill"
)

// QueueConfig is the concurrency/time-limit shape per queue (spec.md
// §4.8 table).
type QueueConfig struct {
	Concurrency int
	SoftLimit   time.Duration
	HardLimit   time.Duration
}

var QueueConfigs = map[QueueName]QueueConfig{
	QueueFast:     {Concurrency: 4, SoftLimit: 30 * time.Second, HardLimit: 60 * time.Second},
	QueueSync:     {Concurrency: 8, SoftLimit: 600 * time.Second, HardLimit: 1800 * time.Second},
	QueueBackfill: {Concurrency: 2, SoftLimit: 2 * time.Hour, HardLimit: 4 * time.Hour},
}

// Handler executes one task. It must check ctx.Done() periodically so
// the runtime's hard-limit cancellation can actually stop it (spec.md
// §4.8: "cooperative cancellation honoring hard time-limits").
type Handler func(ctx context.Context, t *Task) error

// Registration binds a task name to its handler and owning queue.
type Registration struct {
	Handler Handler
	Queue   QueueName
}

// Runtime owns the three named queues, their worker pools, and the
// name->queue routing table.
type Runtime struct {
	registry map[string]Registration
	queues   map[QueueName]*Queue
	sema     map[QueueName]chan struct{}

	mu      sync.Mutex
	started bool
}

func NewRuntime() *Runtime {
	r := &Runtime{
		registry: make(map[string]Registration),
		queues:   make(map[QueueName]*Queue),
		sema:     make(map[QueueName]chan struct{}),
	}
	for name, cfg := range QueueConfigs {
		r.queues[name] = NewQueue()
		r.sema[name] = make(chan struct{}, cfg.Concurrency)
	}
	return r
}

// Register declares a named task and which queue routes it. Matches
// spec.md §4.8's "declarative name->queue routing".
func (r *Runtime) Register(name string, queue QueueName, h Handler) {
	r.registry[name] = Registration{Handler: h, Queue: queue}
}

// Delay enqueues a task for asynchronous execution — fire-and-forget
// from the caller's perspective (spec.md §4.8's delay()).
func (r *Runtime) Delay(name string, shopID int64, args map[string]interface{}) error {
	reg, ok := r.registry[name]
	if !ok {
		return fmt.Errorf("tasks: unknown task %q", name)
	}
	t := &Task{ID: newTaskID(name, shopID), Name: name, ShopID: shopID, Args: args}
	r.queues[reg.Queue].Push(t)
	obs.TaskQueueDepth.WithLabelValues(string(reg.Queue)).Set(float64(r.queues[reg.Queue].Len()))
	return nil
}

// Apply runs a task synchronously in the caller's goroutine, with the
// queue's time limits enforced — spec.md §4.8's apply().
func (r *Runtime) Apply(ctx context.Context, name string, shopID int64, args map[string]interface{}) error {
	reg, ok := r.registry[name]
	if !ok {
		return fmt.Errorf("tasks: unknown task %q", name)
	}
	t := &Task{ID: newTaskID(name, shopID), Name: name, ShopID: shopID, Args: args, SubmitTime: time.Now()}
	return r.run(ctx, reg, t)
}

// Start spins up the worker pool for each queue. Each worker loop pops
// from its queue and admits up to Concurrency tasks at once via the
// per-queue semaphore channel.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for name := range QueueConfigs {
		go r.worker(ctx, name)
	}
}

func (r *Runtime) worker(ctx context.Context, name QueueName) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	q := r.queues[name]
	sema := r.sema[name]

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			obs.TaskQueueDepth.WithLabelValues(string(name)).Set(float64(q.Len()))
			t := q.Pop()
			if t == nil {
				continue
			}
			reg, ok := r.registry[t.Name]
			if !ok {
				log.Printf("tasks: dropping task %s for unknown handler %q", t.ID, t.Name)
				continue
			}
			select {
			case sema <- struct{}{}:
			default:
				// queue saturated: requeue with a short delay rather than
				// block the dispatch loop
				q.PushDelayed(t, time.Second)
				continue
			}
			go func(t *Task, reg Registration) {
				defer func() { <-sema }()
				if err := r.run(ctx, reg, t); err != nil {
					log.Printf("tasks: task %s (%s) failed: %v", t.ID, t.Name, err)
				}
			}(t, reg)
		}
	}
}

// run enforces the hard time limit by cancelling the handler's context
// once it elapses, and records a soft-limit breach as a warning log
// (the task keeps running past soft, only hard actually cancels).
func (r *Runtime) run(ctx context.Context, reg Registration, t *Task) error {
	cfg := QueueConfigs[reg.Queue]
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, cfg.HardLimit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("task panicked: %v", p)
			}
		}()
		done <- reg.Handler(runCtx, t)
	}()

	softTimer := time.NewTimer(cfg.SoftLimit)
	defer softTimer.Stop()

	var err error
	select {
	case err = <-done:
	case <-softTimer.C:
		log.Printf("tasks: task %s (%s) exceeded soft limit %s, still running", t.ID, t.Name, cfg.SoftLimit)
		select {
		case err = <-done:
		case <-runCtx.Done():
			err = runCtx.Err()
			obs.TaskTimeouts.WithLabelValues(string(reg.Queue), t.Name).Inc()
		}
	}

	obs.TaskDispatches.WithLabelValues(string(reg.Queue), t.Name).Inc()
	obs.TaskDurationSeconds.WithLabelValues(string(reg.Queue)).Observe(time.Since(start).Seconds())
	return err
}

func newTaskID(name string, shopID int64) string {
	return fmt.Sprintf("%s-%d-%s", name, shopID, uuid.NewString())
}
