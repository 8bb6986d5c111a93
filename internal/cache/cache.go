// Package cache stores finished run results by key with a time-to-live.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-value store with per-entry expiry. A miss is reported as
// (nil, false, nil); errors are reserved for backend failures.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Purge removes expired entries and returns how many it removed, when
	// the backend can count them.
	Purge(ctx context.Context) (int, error)
	Close() error
}
