// Package rstore wraps go-redis with the lock/lease and versioned-value
// primitives shared by every component that needs Redis coordination.
// Grounded on the teacher's control_plane/store/redis.go and
// redis_versioned.go (the Lua scripts are reused near-verbatim).
package rstore

import "fmt"

// Key builders for the families listed in spec.md §4.5.

func ProxyBindKey(shopID int64) string {
	return fmt.Sprintf("proxy:bind:%d", shopID)
}

func TaskLockKey(task string, shopID int64) string {
	return fmt.Sprintf("task-lock:%s:%d", task, shopID)
}

func SyncProgressKey(shopID int64) string {
	return fmt.Sprintf("sync-progress:%d", shopID)
}

func OrchestratorLockKey(shopID int64) string {
	return fmt.Sprintf("orchestrator:%d", shopID)
}

func PerformanceTokenKey(shopID int64) string {
	return fmt.Sprintf("performance-token:%d", shopID)
}

func PriceStateKey(shopID int64, nm string) string {
	return fmt.Sprintf("state:price:%d:%s", shopID, nm)
}

func StockStateKey(shopID int64, nm, wh string) string {
	return fmt.Sprintf("state:stock:%d:%s:%s", shopID, nm, wh)
}

func ContentStateKey(shopID int64, nm string) string {
	return fmt.Sprintf("state:content:%d:%s", shopID, nm)
}

func AdsStateKey(shopID int64, campaign string) string {
	return fmt.Sprintf("ads:state:%d:%s", shopID, campaign)
}

func RateLimitWindowKey(api, shopID string) string {
	return fmt.Sprintf("ratelimit:%s:%s", api, shopID)
}

// BreakerStateKey persists C3's tristate + openedAt so a restarted
// process can resume a shop's circuit without readmitting calls ahead
// of Shop.status (spec.md §5, invariant 6).
func BreakerStateKey(shopID int64) string {
	return fmt.Sprintf("breaker:state:%d", shopID)
}
