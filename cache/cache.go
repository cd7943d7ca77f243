// Package cache provides a pluggable byte cache with an in-process L1
// implementation backed by ristretto and an optional Redis L2. The boundary
// uses it to hold fetched signing-key documents so that replicas sharing an
// L2 do not each hit the identity provider on start-up.
package cache

import (
	"context"
	"time"
)

// Cache is the caching contract used by the signing-key fetcher.
type Cache interface {
	// Get retrieves a value by key. The boolean indicates a cache hit.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value under key with the given TTL. A zero TTL means the
	// entry has no automatic expiration.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// GetOrSet returns the cached value for key. On a cache miss it calls
	// loader exactly once, stores the result, and returns it.
	GetOrSet(ctx context.Context, key string, ttl time.Duration, loader func(context.Context) ([]byte, error)) ([]byte, error)
}
