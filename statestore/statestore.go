// Package statestore implements C5: typed snapshot storage over the
// rstore key families, giving each snapshot kind (price, stock,
// content, ads) its own Go type and TTL while sharing the versioned
// get/set primitive. Grounded on the teacher's store/redis_versioned.go
// callers in control_plane/scheduler, generalized from "task dedup
// payloads" to "marketplace entity snapshots".
package statestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flux-commerce/mp-ingest/rstore"
)

// TTLs per spec.md §4.5: snapshots expire so an entity that vanishes
// from marketplace listings eventually stops consuming Redis memory,
// without needing an explicit delete path.
const (
	PriceTTL   = 7 * 24 * time.Hour
	StockTTL   = 3 * 24 * time.Hour
	ContentTTL = 3 * 24 * time.Hour
	AdsTTL     = 7 * 24 * time.Hour
)

// PriceSnapshot is the per-nomenclature price state (spec.md §5
// PRICE_CHANGE).
type PriceSnapshot struct {
	Price       int64 `json:"price"`
	DiscountPct int   `json:"discount_pct"`
}

// StockSnapshot is the per-(nomenclature, warehouse) stock state
// (spec.md §5 STOCK_OUT / STOCK_REPLENISH).
type StockSnapshot struct {
	Quantity int `json:"quantity"`
}

// ContentSnapshot is the per-nomenclature content fingerprint (spec.md
// §5 CONTENT_* events). PhotoHashes is ordered: index 0 is always the
// main photo, so a reorder is detectable without a separate field.
type ContentSnapshot struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	PhotoHashes []string `json:"photo_hashes"`
}

// AdsSnapshot is the per-campaign advertising state (spec.md §5
// BID_CHANGE / STATUS_CHANGE / BUDGET_CHANGE).
type AdsSnapshot struct {
	Bid    int64  `json:"bid"`
	Status string `json:"status"`
	Budget int64  `json:"budget"`
}

// Store is a thin typed façade over *rstore.Client's versioned
// primitives.
type Store struct {
	r *rstore.Client
}

func New(r *rstore.Client) *Store { return &Store{r: r} }

// GetPrice/SetPrice and the Stock/Content/Ads equivalents all follow
// the same shape: marshal/unmarshal the snapshot type, delegate
// version comparison to rstore's Lua script, and surface
// rstore.ErrVersionConflict unchanged so callers (cmd/ingestd's
// updateBids) can treat a
// stale write as "someone else already applied a newer snapshot".

func (s *Store) GetPrice(ctx context.Context, shopID int64, nm string) (*PriceSnapshot, int64, bool, error) {
	return getSnapshot[PriceSnapshot](ctx, s.r, rstore.PriceStateKey(shopID, nm))
}

func (s *Store) SetPrice(ctx context.Context, shopID int64, nm string, snap PriceSnapshot, version int64) error {
	return setSnapshot(ctx, s.r, rstore.PriceStateKey(shopID, nm), snap, version, PriceTTL)
}

func (s *Store) GetStock(ctx context.Context, shopID int64, nm, warehouse string) (*StockSnapshot, int64, bool, error) {
	return getSnapshot[StockSnapshot](ctx, s.r, rstore.StockStateKey(shopID, nm, warehouse))
}

func (s *Store) SetStock(ctx context.Context, shopID int64, nm, warehouse string, snap StockSnapshot, version int64) error {
	return setSnapshot(ctx, s.r, rstore.StockStateKey(shopID, nm, warehouse), snap, version, StockTTL)
}

func (s *Store) GetContent(ctx context.Context, shopID int64, nm string) (*ContentSnapshot, int64, bool, error) {
	return getSnapshot[ContentSnapshot](ctx, s.r, rstore.ContentStateKey(shopID, nm))
}

func (s *Store) SetContent(ctx context.Context, shopID int64, nm string, snap ContentSnapshot, version int64) error {
	return setSnapshot(ctx, s.r, rstore.ContentStateKey(shopID, nm), snap, version, ContentTTL)
}

func (s *Store) GetAds(ctx context.Context, shopID int64, campaign string) (*AdsSnapshot, int64, bool, error) {
	return getSnapshot[AdsSnapshot](ctx, s.r, rstore.AdsStateKey(shopID, campaign))
}

func (s *Store) SetAds(ctx context.Context, shopID int64, campaign string, snap AdsSnapshot, version int64) error {
	return setSnapshot(ctx, s.r, rstore.AdsStateKey(shopID, campaign), snap, version, AdsTTL)
}

func getSnapshot[T any](ctx context.Context, r *rstore.Client, key string) (*T, int64, bool, error) {
	vv, ok, err := r.GetVersioned(ctx, key)
	if err != nil || !ok {
		return nil, 0, ok, err
	}
	var t T
	if err := json.Unmarshal(vv.Value, &t); err != nil {
		return nil, 0, false, err
	}
	return &t, vv.Version, true, nil
}

func setSnapshot[T any](ctx context.Context, r *rstore.Client, key string, snap T, version int64, ttl time.Duration) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.SetVersioned(ctx, key, rstore.VersionedValue{
		Value:     raw,
		Version:   version,
		Timestamp: time.Now().Unix(),
	}, ttl)
}

// PerformanceToken caches an Ozon Performance OAuth2 bearer token in
// Redis so a fleet of worker processes shares one token instead of each
// minting its own (spec.md §4.4). There is no in-process copy: every
// lookup reads Redis.
type PerformanceToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Store) GetPerformanceToken(ctx context.Context, shopID int64) (*PerformanceToken, bool, error) {
	raw, ok, err := s.r.Get(ctx, rstore.PerformanceTokenKey(shopID))
	if err != nil || !ok {
		return nil, ok, err
	}
	var t PerformanceToken
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, false, err
	}
	return &t, true, nil
}

// SetPerformanceToken stores the token with a TTL of 5/6 of the
// server-declared lifetime, so callers always refresh before actual
// expiry rather than racing it (spec.md §4.4).
func (s *Store) SetPerformanceToken(ctx context.Context, shopID int64, tok PerformanceToken, serverTTL time.Duration) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	ttl := serverTTL * 5 / 6
	return s.r.Set(ctx, rstore.PerformanceTokenKey(shopID), string(raw), ttl)
}

// SyncProgress is the orchestrator's per-shop sub-progress record
// (spec.md §4.9).
type SyncProgress struct {
	Marketplace   string    `json:"marketplace"`
	CurrentStep   string    `json:"current_step"`
	SubProgress   string    `json:"sub_progress,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Status        string    `json:"status"` // running | error | done | done_with_errors
	Errors        []string  `json:"errors,omitempty"`
}

func (s *Store) GetSyncProgress(ctx context.Context, shopID int64) (*SyncProgress, bool, error) {
	raw, ok, err := s.r.Get(ctx, rstore.SyncProgressKey(shopID))
	if err != nil || !ok {
		return nil, ok, err
	}
	var p SyncProgress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

// SetSyncProgress is overwritten on every step transition; retained for
// the duration of a backfill run (24h is generous headroom over even
// the slowest observed Wildberries chain).
func (s *Store) SetSyncProgress(ctx context.Context, shopID int64, p SyncProgress) error {
	p.LastUpdatedAt = time.Now()
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.r.Set(ctx, rstore.SyncProgressKey(shopID), string(raw), 24*time.Hour)
}
