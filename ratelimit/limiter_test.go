package ratelimit

import (
	"testing"
	"time"

	"github.com/flux-commerce/mp-ingest/shopmodel"
)

func TestLocalGuardCachesPerKey(t *testing.T) {
	l := New(nil)
	cfg := Config{Window: time.Second, MaxRequests: 1}

	a := l.localGuard(shopmodel.WBStatistics, 1, cfg)
	b := l.localGuard(shopmodel.WBStatistics, 1, cfg)
	if a != b {
		t.Fatal("expected the same (api, shop) key to reuse its rate.Limiter instance")
	}

	c := l.localGuard(shopmodel.WBStatistics, 2, cfg)
	if a == c {
		t.Fatal("expected distinct shops to get distinct local limiters")
	}
}

func TestLocalGuardBurstLimit(t *testing.T) {
	l := New(nil)
	cfg := Config{Window: time.Second, MaxRequests: 1}
	guard := l.localGuard(shopmodel.WBAnalytics, 1, cfg)

	allowed := 0
	for i := 0; i < 10; i++ {
		if guard.Allow() {
			allowed++
		}
	}
	if allowed == 0 {
		t.Fatal("expected the local guard to allow at least its initial burst")
	}
	if allowed == 10 {
		t.Fatal("expected the local guard to eventually throttle a tight burst of 10")
	}
}

func TestRstoreKeyFormat(t *testing.T) {
	got := rstoreKey(shopmodel.OzonSeller, 42)
	want := "ratelimit:ozon_seller:42"
	if got != want {
		t.Fatalf("rstoreKey = %q, want %q", got, want)
	}
}

func TestDefaultsCoverAllDeclaredAPIs(t *testing.T) {
	for _, api := range []shopmodel.MarketplaceAPI{
		shopmodel.WBStatistics, shopmodel.WBAnalytics, shopmodel.OzonSeller, shopmodel.OzonPerformance,
	} {
		cfg, ok := Defaults[api]
		if !ok {
			t.Fatalf("expected a default rate-limit config for %s", api)
		}
		if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
			t.Fatalf("expected a positive window/cap for %s, got %+v", api, cfg)
		}
	}
}
