// Package tiered composes two cache levels into one: a fast in-process
// tier in front of a shared replicated tier. On multi-replica deployments
// the snapshot cache reads locally and stays warm through the shared
// NATS KV bucket.
package tiered

import (
	"context"
	"time"

	"github.com/fabrica-dev/fabrica/internal/port/cache"
)

// Cache layers a local tier over a shared one. Reads prefer local and
// backfill it from shared hits. Writes and deletes reach the shared tier
// first, so a partial failure can only leave the local tier stale, never
// ahead of what other replicas see.
type Cache struct {
	local    cache.Cache
	shared   cache.Cache
	localTTL time.Duration
}

// New composes a local and a shared tier. localTTL bounds how long any
// local entry may outlive the shared copy, whatever TTL the write carried.
func New(local, shared cache.Cache, localTTL time.Duration) *Cache {
	return &Cache{local: local, shared: shared, localTTL: localTTL}
}

// Get returns the local entry when present, otherwise consults the shared
// tier and backfills the local one on a hit.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if value, ok, err := c.local.Get(ctx, key); err != nil || ok {
		return value, ok, err
	}
	value, ok, err := c.shared.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = c.local.Set(ctx, key, value, c.localTTL)
	return value, true, nil
}

// Set writes through both tiers, shared first. The local TTL is clamped to
// the configured bound.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.shared.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.local.Set(ctx, key, value, c.clampTTL(ttl))
}

// Delete removes key from both tiers, shared first.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.shared.Delete(ctx, key); err != nil {
		return err
	}
	return c.local.Delete(ctx, key)
}

func (c *Cache) clampTTL(ttl time.Duration) time.Duration {
	if c.localTTL > 0 && (ttl <= 0 || c.localTTL < ttl) {
		return c.localTTL
	}
	return ttl
}
