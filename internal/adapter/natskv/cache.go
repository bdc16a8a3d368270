// Package natskv implements the cache port on a NATS JetStream KeyValue
// bucket. Entries survive process restarts and are visible to every replica
// attached to the same stream, which makes it the shared tier behind the
// in-process snapshot cache.
package natskv

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache adapts a JetStream KeyValue bucket to the cache port. Expiry is a
// bucket property, so per-entry TTLs are ignored.
type Cache struct {
	kv jetstream.KeyValue
}

// New wraps an existing KeyValue bucket.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// encodeKey maps arbitrary cache keys onto the restricted character set
// JetStream allows in KV keys. Snapshot keys carry colons, which JetStream
// rejects.
func encodeKey(key string) string {
	return base64.URLEncoding.EncodeToString([]byte(key))
}

// Get reads the entry for key; a missing key is a cache miss, not an error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set writes value under key. The bucket's TTL governs expiry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, encodeKey(key), value)
	return err
}

// Delete removes key; deleting an absent key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
