// Package cache keeps per-user platform views in redis so listing does not
// hit the database on every request.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ViewCache stores JSON blobs under a versioned prefix. Invalidation bumps
// the version instead of scanning keys; stale entries age out via TTL.
type ViewCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewViewCache(rdb *redis.Client, prefix string, ttl time.Duration) *ViewCache {
	if prefix == "" {
		prefix = "llmgate:views"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ViewCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *ViewCache) versionKey() string {
	return c.prefix + ":ver"
}

func (c *ViewCache) entryKey(ctx context.Context, userID string) (string, error) {
	ver, err := c.rdb.Get(ctx, c.versionKey()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("cache version: %w", err)
	}
	return fmt.Sprintf("%s:%d:%s", c.prefix, ver, userID), nil
}

// Get unmarshals the cached view into dest. The bool reports a hit.
func (c *ViewCache) Get(ctx context.Context, userID string, dest any) (bool, error) {
	key, err := c.entryKey(ctx, userID)
	if err != nil {
		return false, err
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache decode: %w", err)
	}
	return true, nil
}

func (c *ViewCache) Set(ctx context.Context, userID string, value any) error {
	key, err := c.entryKey(ctx, userID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Bump invalidates every cached view at once.
func (c *ViewCache) Bump(ctx context.Context) error {
	if err := c.rdb.Incr(ctx, c.versionKey()).Err(); err != nil {
		return fmt.Errorf("cache bump: %w", err)
	}
	return nil
}
