package rstore

import "testing"

func TestKeyBuildersMatchDeclaredFormat(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{ProxyBindKey(42), "proxy:bind:42"},
		{TaskLockKey("sync_shop_ads", 42), "task-lock:sync_shop_ads:42"},
		{SyncProgressKey(42), "sync-progress:42"},
		{OrchestratorLockKey(42), "orchestrator:42"},
		{PerformanceTokenKey(42), "performance-token:42"},
		{PriceStateKey(42, "nm-1"), "state:price:42:nm-1"},
		{StockStateKey(42, "nm-1", "wh-7"), "state:stock:42:nm-1:wh-7"},
		{ContentStateKey(42, "nm-1"), "state:content:42:nm-1"},
		{AdsStateKey(42, "campaign-1"), "ads:state:42:campaign-1"},
		{RateLimitWindowKey("wb_statistics", "42"), "ratelimit:wb_statistics:42"},
		{BreakerStateKey(42), "breaker:state:42"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
}

func TestOrchestratorLockKeyMatchesReaperScanPrefix(t *testing.T) {
	// StaleLockReaper scans "orchestrator:*"; the key builder must stay
	// consistent with that literal prefix.
	key := OrchestratorLockKey(7)
	if key[:len("orchestrator:")] != "orchestrator:" {
		t.Fatalf("expected orchestrator lock keys to share the orchestrator: prefix, got %q", key)
	}
}
