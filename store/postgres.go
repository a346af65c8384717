// Package store is the OLTP/OLAP persistence layer: shop and proxy
// dimension tables, an append-only event log, and the pool (Pool())
// through which C7's loaders write fact rows. Grounded on control_plane/store/postgres.go's
// pgxpool setup and ON CONFLICT ... DO UPDATE idiom, generalized from
// agent/job/state tables to the shop-ingestion domain.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flux-commerce/mp-ingest/shopmodel"
)

// Store wraps a pgxpool.Pool with the OLTP/OLAP operations the
// ingestion pipeline needs.
type Store struct {
	pool *pgxpool.Pool
}

// New dials Postgres with a pool sized for concurrent per-shop sync
// workers — the same MaxConns/MinConns/MaxConnLifetime shape as the
// teacher, widened since this workload is read/write heavy across many
// more rows per call.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// --- Shop operations ---

// UpsertShop is idempotent on shop id (spec.md §4.7: OLTP dimension
// upserts are idempotent by (shop, external-id)).
func (s *Store) UpsertShop(ctx context.Context, shop *shopmodel.Shop) error {
	query := `
		INSERT INTO shops (id, owner_id, marketplace, secret_envelope, ozon_client_id,
			ozon_perf_client_id, ozon_perf_secret_envelope, status, status_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			secret_envelope = EXCLUDED.secret_envelope,
			ozon_client_id = EXCLUDED.ozon_client_id,
			ozon_perf_client_id = EXCLUDED.ozon_perf_client_id,
			ozon_perf_secret_envelope = EXCLUDED.ozon_perf_secret_envelope,
			status = EXCLUDED.status,
			status_message = EXCLUDED.status_message,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		shop.ID, shop.OwnerID, shop.Marketplace, shop.SecretEnvelope, shop.OzonClientID,
		shop.OzonPerfClientID, shop.OzonPerfSecretEnvelope, shop.Status, shop.StatusMessage,
	)
	return err
}

func (s *Store) GetShop(ctx context.Context, shopID int64) (*shopmodel.Shop, error) {
	query := `
		SELECT id, owner_id, marketplace, secret_envelope, ozon_client_id, ozon_perf_client_id,
			ozon_perf_secret_envelope, status, status_message, created_at, updated_at
		FROM shops WHERE id = $1
	`
	var sh shopmodel.Shop
	err := s.pool.QueryRow(ctx, query, shopID).Scan(
		&sh.ID, &sh.OwnerID, &sh.Marketplace, &sh.SecretEnvelope, &sh.OzonClientID, &sh.OzonPerfClientID,
		&sh.OzonPerfSecretEnvelope, &sh.Status, &sh.StatusMessage, &sh.CreatedAt, &sh.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return &sh, err
}

// ListActiveShops returns every shop not currently paused or in
// auth_error, for the dispatcher's per-tick fan-out (spec.md §4.11).
func (s *Store) ListActiveShops(ctx context.Context) ([]*shopmodel.Shop, error) {
	query := `
		SELECT id, owner_id, marketplace, status, status_message, created_at, updated_at
		FROM shops WHERE status NOT IN ($1, $2)
	`
	rows, err := s.pool.Query(ctx, query, shopmodel.StatusPaused, shopmodel.StatusAuthError)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shops []*shopmodel.Shop
	for rows.Next() {
		var sh shopmodel.Shop
		if err := rows.Scan(&sh.ID, &sh.OwnerID, &sh.Marketplace, &sh.Status, &sh.StatusMessage,
			&sh.CreatedAt, &sh.UpdatedAt); err != nil {
			return nil, err
		}
		shops = append(shops, &sh)
	}
	return shops, rows.Err()
}

// ListAuthErrorShops returns every shop currently in auth_error, for
// breaker.Seed to rebuild in-memory circuit state at startup (spec.md
// §5, invariant 6).
func (s *Store) ListAuthErrorShops(ctx context.Context) ([]*shopmodel.Shop, error) {
	query := `
		SELECT id, owner_id, marketplace, status, status_message, created_at, updated_at
		FROM shops WHERE status = $1
	`
	rows, err := s.pool.Query(ctx, query, shopmodel.StatusAuthError)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shops []*shopmodel.Shop
	for rows.Next() {
		var sh shopmodel.Shop
		if err := rows.Scan(&sh.ID, &sh.OwnerID, &sh.Marketplace, &sh.Status, &sh.StatusMessage,
			&sh.CreatedAt, &sh.UpdatedAt); err != nil {
			return nil, err
		}
		shops = append(shops, &sh)
	}
	return shops, rows.Err()
}

// SetAuthError / SetActive satisfy breaker.ShopStatusWriter.
func (s *Store) SetAuthError(ctx context.Context, shopID int64, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE shops SET status = $2, status_message = $3, updated_at = NOW() WHERE id = $1`,
		shopID, shopmodel.StatusAuthError, message)
	return err
}

func (s *Store) SetActive(ctx context.Context, shopID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE shops SET status = $2, status_message = '', updated_at = NOW() WHERE id = $1`,
		shopID, shopmodel.StatusActive)
	return err
}

func (s *Store) SetSyncing(ctx context.Context, shopID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE shops SET status = $2, updated_at = NOW() WHERE id = $1`,
		shopID, shopmodel.StatusSyncing)
	return err
}

// --- Proxy operations ---

func (s *Store) ListActiveProxies(ctx context.Context) ([]shopmodel.Proxy, error) {
	query := `
		SELECT id, host, port, protocol, class, success_count, failure_count, status
		FROM proxies WHERE status = $1
	`
	rows, err := s.pool.Query(ctx, query, shopmodel.ProxyActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proxies []shopmodel.Proxy
	for rows.Next() {
		var p shopmodel.Proxy
		if err := rows.Scan(&p.ID, &p.Host, &p.Port, &p.Protocol, &p.Class,
			&p.SuccessCount, &p.FailureCount, &p.Status); err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	return proxies, rows.Err()
}

// RecordProxyOutcome persists the in-memory success/failure counters
// proxypool accumulates; called periodically rather than per-lease to
// keep the hot path off Postgres.
func (s *Store) RecordProxyOutcome(ctx context.Context, proxyID int64, successDelta, failureDelta int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE proxies SET success_count = success_count + $2, failure_count = failure_count + $3 WHERE id = $1`,
		proxyID, successDelta, failureDelta)
	return err
}

// --- Event log (append-only) ---

// AppendEvent writes one detected event to the append-only log table.
// No read-before-write: the table is partitioned by month on
// detected_at and never deduplicated at write time (spec.md §4.7).
func (s *Store) AppendEvent(ctx context.Context, shopID int64, kind, entityID string, oldValue, newValue []byte, metadata []byte, detectedAt time.Time) error {
	query := `
		INSERT INTO event_log (shop_id, kind, entity_id, old_value, new_value, metadata, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query, shopID, kind, entityID, oldValue, newValue, metadata, detectedAt)
	return err
}

// Pool exposes the underlying pgxpool for loaders.Batcher, which needs
// batch-level Exec/CopyFrom access this façade doesn't generalize.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }
