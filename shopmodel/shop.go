// Package shopmodel holds the tenant-facing data model shared by every
// ingestion component: shops, marketplace kinds, and proxy records.
package shopmodel

import "time"

// MarketplaceKind is the closed set of external commerce platforms.
type MarketplaceKind string

const (
	Wildberries MarketplaceKind = "wildberries"
	Ozon        MarketplaceKind = "ozon"
)

// MarketplaceAPI identifies a specific base-URL/rate-shape within a
// marketplace (a shop's calls to WB statistics vs WB content are
// different buckets for the rate limiter and client).
type MarketplaceAPI string

const (
	WBContent    MarketplaceAPI = "wb_content"
	WBStatistics MarketplaceAPI = "wb_statistics"
	WBMarketplace MarketplaceAPI = "wb_marketplace"
	WBAdvert     MarketplaceAPI = "wb_advert"
	WBPrices     MarketplaceAPI = "wb_prices"
	WBAnalytics  MarketplaceAPI = "wb_analytics"
	WBCommon     MarketplaceAPI = "wb_common"

	OzonSeller      MarketplaceAPI = "ozon_seller"
	OzonPerformance MarketplaceAPI = "ozon_performance"
)

// MarketplaceOf returns the owning marketplace for an API bucket.
func (a MarketplaceAPI) MarketplaceOf() MarketplaceKind {
	switch a {
	case OzonSeller, OzonPerformance:
		return Ozon
	default:
		return Wildberries
	}
}

// Status is the union of circuit state and sync state (spec.md §3
// invariants): only the circuit breaker writes AuthError, only the
// orchestrator writes Syncing/Active.
type Status string

const (
	StatusActive    Status = "active"
	StatusSyncing   Status = "syncing"
	StatusAuthError Status = "auth_error"
	StatusPaused    Status = "paused"
)

// Shop is a tenant account bound to one marketplace.
type Shop struct {
	ID            int64           `json:"id" db:"id"`
	OwnerID       string          `json:"owner_id" db:"owner_id"`
	Marketplace   MarketplaceKind `json:"marketplace" db:"marketplace"`
	SecretEnvelope []byte         `json:"-" db:"secret_envelope"` // never logged
	OzonClientID  string          `json:"ozon_client_id,omitempty" db:"ozon_client_id"`
	OzonPerfClientID string       `json:"ozon_perf_client_id,omitempty" db:"ozon_perf_client_id"`
	OzonPerfSecretEnvelope []byte `json:"-" db:"ozon_perf_secret_envelope"`
	Status        Status          `json:"status" db:"status"`
	StatusMessage string          `json:"status_message,omitempty" db:"status_message"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// ProxyClass is the classification of a proxy endpoint.
type ProxyClass string

const (
	ClassDatacenter  ProxyClass = "datacenter"
	ClassResidential ProxyClass = "residential"
	ClassMobile      ProxyClass = "mobile"
)

// ProxyStatus is the lifecycle status of a Proxy Record.
type ProxyStatus string

const (
	ProxyActive   ProxyStatus = "active"
	ProxyInactive ProxyStatus = "inactive"
	ProxyBanned   ProxyStatus = "banned"
	ProxyTesting  ProxyStatus = "testing"
)

// Proxy is a Proxy Record (spec.md §3).
type Proxy struct {
	ID               int64       `json:"id" db:"id"`
	Host             string      `json:"host" db:"host"`
	Port             int         `json:"port" db:"port"`
	Protocol         string      `json:"protocol" db:"protocol"`
	Class            ProxyClass  `json:"class" db:"class"`
	PasswordEnvelope []byte      `json:"-" db:"password_envelope"`
	SuccessCount     int64       `json:"success_count" db:"success_count"`
	FailureCount     int64       `json:"failure_count" db:"failure_count"`
	Status           ProxyStatus `json:"status" db:"status"`
}

// SuccessRate returns the derived success rate used for weighted
// selection. A proxy with no history is treated as a coin flip so it
// gets a chance to prove itself.
func (p *Proxy) SuccessRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 0.5
	}
	return float64(p.SuccessCount) / float64(total)
}
