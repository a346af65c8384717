// Package obs collects the Prometheus metrics exposed by every ingestion
// component. Mirrors the teacher's flat promauto-var-block convention.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// --- Proxy Pool (C1) ---

	ProxyLeases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpi_proxy_leases_total",
		Help: "Proxy leases issued, by outcome",
	}, []string{"outcome"}) // sticky, weighted, exhausted

	ProxyQuarantines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpi_proxy_quarantines_total",
		Help: "Proxy quarantine events by reason",
	}, []string{"reason"}) // banned, rate_limited, server_error

	ProxyPoolActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mpi_proxy_pool_active",
		Help: "Number of proxies currently marked active",
	})

	// --- Rate Limiter (C2) ---

	RateLimiterWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mpi_rate_limiter_wait_seconds",
		Help:    "Time spent sleeping in acquire() before a slot opened",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"marketplace"})

	RateLimiterRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpi_rate_limiter_local_guard_rejections_total",
		Help: "Requests over the in-process token-bucket guard's rate (paused briefly, then still checked against Redis)",
	}, []string{"marketplace"})

	// --- Circuit Breaker (C3) ---

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mpi_breaker_state",
		Help: "Per-shop circuit state (0=closed, 1=half_open, 2=open)",
	}, []string{"shop"})

	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpi_breaker_trips_total",
		Help: "Circuit breaker CLOSED->OPEN transitions",
	}, []string{"shop"})

	// --- Marketplace Client (C4) ---

	OutboundCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpi_outbound_calls_total",
		Help: "Outbound marketplace API calls by marketplace/outcome",
	}, []string{"marketplace", "outcome"})

	OutboundRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpi_outbound_retries_total",
		Help: "Outbound call retries by marketplace",
	}, []string{"marketplace"})

	OutboundLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mpi_outbound_latency_seconds",
		Help:    "Outbound call latency per marketplace",
		Buckets: prometheus.DefBuckets,
	}, []string{"marketplace"})

	// --- State Store (C5) ---

	RedisLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mpi_redis_latency_seconds",
		Help:    "State-store Redis roundtrip latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// --- Event Detector (C6) ---

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpi_events_emitted_total",
		Help: "Events emitted by the detector, by event type",
	}, []string{"event_type"})

	// --- Loaders (C7) ---

	LoaderBatchRows = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mpi_loader_batch_rows",
		Help:    "Row count per loader batch write",
		Buckets: []float64{1, 10, 50, 100, 250, 500, 750, 1000, 1500},
	}, []string{"domain"})

	LoaderWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpi_loader_write_failures_total",
		Help: "Loader batch write failures by domain",
	}, []string{"domain"})

	// --- Task Runtime (C8) ---

	TaskQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mpi_task_queue_depth",
		Help: "Current depth of each named queue",
	}, []string{"queue"})

	TaskDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpi_task_dispatches_total",
		Help: "Tasks dispatched by queue/task name",
	}, []string{"queue", "task"})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mpi_task_duration_seconds",
		Help:    "Task execution duration by queue",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"queue"})

	TaskTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpi_task_timeouts_total",
		Help: "Tasks forcibly cancelled after their hard time limit",
	}, []string{"queue", "task"})

	// --- Orchestrator (C9) ---

	BackfillProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mpi_backfill_progress_percent",
		Help: "Current backfill percent complete, per shop",
	}, []string{"shop"})

	BackfillStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpi_backfill_step_failures_total",
		Help: "Backfill step failures by marketplace/step",
	}, []string{"marketplace", "step"})

	// --- Dispatcher (C11) ---

	DispatchDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpi_dispatch_deduped_total",
		Help: "Dispatch attempts skipped because a task-lock was already held",
	}, []string{"task"})
)
