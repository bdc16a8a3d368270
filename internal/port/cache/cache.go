// Package cache defines the port for the engine's read-side caches: project
// snapshots and security verdicts. Implementations range from an in-process
// store to a replicated NATS KV bucket, composed into tiers.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque serialized values under string keys. A miss is not an
// error: Get reports it through ok. Entries expire after their TTL; a zero
// TTL means the implementation's default.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
