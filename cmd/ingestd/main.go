// Command ingestd wires together the proxy pool, rate limiter, circuit
// breaker, marketplace client, state store, event detector, loaders,
// task runtime, orchestrator, credential store, and dispatcher into one
// process, exposing only a Prometheus /metrics surface (no business
// REST routes — the web/API façade is a separate system). Grounded on
// control_plane/main.go's env-var + fmt.Sscanf wiring idiom.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flux-commerce/mp-ingest/breaker"
	"github.com/flux-commerce/mp-ingest/creds"
	"github.com/flux-commerce/mp-ingest/dispatch"
	"github.com/flux-commerce/mp-ingest/events"
	"github.com/flux-commerce/mp-ingest/orchestrator"
	"github.com/flux-commerce/mp-ingest/proxypool"
	"github.com/flux-commerce/mp-ingest/ratelimit"
	"github.com/flux-commerce/mp-ingest/rstore"
	"github.com/flux-commerce/mp-ingest/statestore"
	"github.com/flux-commerce/mp-ingest/store"
	"github.com/flux-commerce/mp-ingest/tasks"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	redisPassword := os.Getenv("REDIS_PASSWORD")
	redisDB := 0
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		fmt.Sscanf(dbStr, "%d", &redisDB)
	}

	rclient, err := rstore.New(ctx, redisAddr, redisPassword, redisDB)
	if err != nil {
		log.Fatalf("failed to connect to Redis at %s: %v", redisAddr, err)
	}
	log.Printf("connected to Redis at %s", redisAddr)

	pgConnString := envOr("DATABASE_URL", "postgres://localhost:5432/mp_ingest")
	pg, err := store.New(ctx, pgConnString)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	defer pg.Close()
	log.Println("connected to Postgres")

	proxies, err := pg.ListActiveProxies(ctx)
	if err != nil {
		log.Fatalf("failed to load proxy fleet: %v", err)
	}
	log.Printf("loaded %d active proxies", len(proxies))

	proxyPool := proxypool.New(rclient, proxies)
	proxyPool.SetOutcomeRecorder(pg)
	limiter := ratelimit.New(rclient.Raw())
	circuitBreaker := breaker.New(pg, rclient)
	state := statestore.New(rclient)
	orch := orchestrator.New(rclient, state)
	runtime := tasks.NewRuntime()

	authErrorShops, err := pg.ListAuthErrorShops(ctx)
	if err != nil {
		log.Fatalf("failed to load auth-error shops: %v", err)
	}
	circuitBreaker.Seed(ctx, authErrorShops)
	log.Printf("seeded circuit breaker state for %d auth-error shops", len(authErrorShops))

	masterKey := []byte(envOr("CRED_MASTER_KEY", "dev-only-insecure-key-change-me"))
	credStore := creds.New(pg, pg, nil, masterKey)

	deps := taskDeps{
		pg:        pg,
		rclient:   rclient,
		orch:      orch,
		state:     state,
		proxies:   proxyPool,
		limiter:   limiter,
		breaker:   circuitBreaker,
		creds:     credStore,
		eventSink: events.MultiSink{events.LogSink{}, events.StoreSink{W: pg}},
	}
	registerTasks(runtime, deps)
	runtime.Start(ctx)

	go runProxyCounterFlush(ctx, proxyPool, 2*time.Minute)

	beat := tasks.NewBeat(runtime, tasks.DefaultBeatSchedule)
	go beat.Run(ctx)

	reaper := orchestrator.NewStaleLockReaper(rclient, 10*time.Minute)
	go reaper.Run(ctx)

	dispatcher := dispatch.New(pg, rclient, runtime, dispatchRules())
	go dispatcher.Run(ctx, 30*time.Second)

	metricsAddr := envOr("METRICS_ADDR", ":9090")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: metricsAddr, Handler: mux}

	go func() {
		log.Printf("serving /metrics on %s", metricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}

// runProxyCounterFlush periodically persists proxypool's in-memory
// success/failure counters to Postgres, matching the teacher's
// ticker-loop idiom already used by orchestrator.StaleLockReaper: the
// hot lease/release path never touches Postgres directly (spec.md §5
// "Proxy record counters... Atomic counters in OLTP").
func runProxyCounterFlush(ctx context.Context, pool *proxypool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			pool.FlushCounters(context.Background())
			return
		case <-ticker.C:
			pool.FlushCounters(ctx)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// dispatchRules declares the task-lock-guarded fan-out rules (spec.md
// §4.11); each uses its queue's hard limit as the dedup TTL so the
// lock can never outlive a legitimately slow run.
func dispatchRules() []dispatch.Rule {
	return []dispatch.Rule{
		{TaskName: "sync_shop_frequent", HardTTL: tasks.QueueConfigs[tasks.QueueSync].HardLimit},
		{TaskName: "sync_shop_ads", HardTTL: tasks.QueueConfigs[tasks.QueueSync].HardLimit},
	}
}
