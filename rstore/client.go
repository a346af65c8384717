package rstore

import (
	"context"
	"errors"
	"time"

	"github.com/flux-commerce/mp-ingest/obs"
	"github.com/redis/go-redis/v9"
)

// Client is a thin wrapper around *redis.Client adding the lock/lease
// and versioned-value primitives every component needs. Constructed
// once per process and shared (matches the teacher's single RedisStore
// instance threaded through main.go).
type Client struct {
	rdb *redis.Client

	versionedSetSHA string
	versionedGetSHA string
}

// New dials Redis, verifies connectivity, and preloads the Lua scripts
// used by SetVersioned/GetVersioned so later calls avoid shipping
// script text on every round trip.
func New(ctx context.Context, addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	setSHA, err := rdb.ScriptLoad(ctx, versionedSetScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload versioned-set script: " + err.Error())
	}
	getSHA, err := rdb.ScriptLoad(ctx, versionedGetScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload versioned-get script: " + err.Error())
	}

	return &Client{rdb: rdb, versionedSetSHA: setSHA, versionedGetSHA: getSHA}, nil
}

// Raw exposes the underlying client for callers (e.g. ratelimit) that
// need sorted-set or pipeline operations this wrapper doesn't cover.
func (c *Client) Raw() *redis.Client { return c.rdb }

func observe(start time.Time) {
	obs.RedisLatencySeconds.Observe(time.Since(start).Seconds())
}

// AcquireLock sets key=ownerID with NX+TTL. Used for task-lock dedup
// tokens and the orchestrator's per-shop lock — both NX+TTL per
// spec.md §4.5. Sticky proxy bindings use a plain Set instead.
func (c *Client) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())
	return c.rdb.SetNX(ctx, key, ownerID, ttl).Result()
}

// RenewLock extends the TTL only if still held by ownerID.
func (c *Client) RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())
	const script = `
		local val = redis.call("get", KEYS[1])
		if not val then
			return -1
		end
		if val == ARGV[1] then
			return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		else
			return -2
		end
	`
	res, err := c.rdb.Eval(ctx, script, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	v, _ := res.(int64)
	return v == 1, nil
}

// ReleaseLock deletes key only if still held by ownerID.
func (c *Client) ReleaseLock(ctx context.Context, key, ownerID string) error {
	defer observe(time.Now())
	const script = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	_, err := c.rdb.Eval(ctx, script, []string{key}, ownerID).Result()
	return err
}

// LockOwner returns the current holder of key, or "" if unset.
func (c *Client) LockOwner(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// Get/Set are generic passthroughs used for small scalar state (e.g.
// the performance-token cache, sync progress, breaker state).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	defer observe(time.Now())
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	defer observe(time.Now())
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Del removes one or more keys; used to clear a shop's sticky proxy
// binding when that proxy is quarantined.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Scan returns all keys matching pattern. Used sparingly (the
// orchestrator's StaleLockReaper) — not on any hot path.
func (c *Client) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}
