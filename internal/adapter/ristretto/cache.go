// Package ristretto implements the cache port with dgraph-io/ristretto as
// the in-process tier. It backs the snapshot cache on single-node runs and
// the security verdict cache, where admission pressure matters more than
// cross-replica visibility.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// averageEntryBytes sizes the admission counters: ristretto wants roughly
// ten counters per expected entry.
const averageEntryBytes = 100

// Cache is an in-process byte cache with cost-based eviction. Cost is the
// value length, so MaxCost bounds resident bytes rather than entry count.
type Cache struct {
	inner *ristretto.Cache[string, []byte]
}

// New creates a cache holding at most maxCostBytes of values.
func New(maxCostBytes int64) (*Cache, error) {
	inner, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / averageEntryBytes * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// Get reports the cached value for key, if admitted and not yet evicted.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, found := c.inner.Get(key)
	if !found {
		return nil, false, nil
	}
	return value, true, nil
}

// Set stores value under key with the given TTL. Ristretto admits
// asynchronously, so a Set may be dropped under pressure; callers treat the
// cache as advisory.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.inner.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

// Delete removes key from the cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.inner.Del(key)
	return nil
}

// Wait blocks until buffered writes are applied. Tests use it to make cache
// effects deterministic.
func (c *Cache) Wait() {
	c.inner.Wait()
}

// Close releases the cache's internal buffers and goroutines.
func (c *Cache) Close() {
	c.inner.Close()
}
