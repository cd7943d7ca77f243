package cache

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

// L1 is an in-process cache backed by ristretto. Values are copied on the
// way in and out so callers never share a backing array with the cache.
type L1 struct {
	rc    *ristretto.Cache[string, []byte]
	loads singleflight.Group
}

// NewL1 creates an L1 holding at most maxEntries values.
func NewL1(maxEntries int64) (*L1, error) {
	rc, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: l1: %w", err)
	}
	return &L1{rc: rc}, nil
}

func (l *L1) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := l.rc.Get(key)
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

// Set stores val under key. The write is visible to the next Get.
func (l *L1) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	l.rc.SetWithTTL(key, bytes.Clone(val), 1, ttl)
	l.rc.Wait()
	return nil
}

func (l *L1) Delete(_ context.Context, key string) error {
	l.rc.Del(key)
	l.rc.Wait()
	return nil
}

// GetOrSet returns the cached value for key, calling loader on a miss.
// Concurrent misses for the same key share one loader call.
func (l *L1) GetOrSet(ctx context.Context, key string, ttl time.Duration, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	return l.fill(ctx, key, func(ctx context.Context) ([]byte, time.Duration, error) {
		v, err := loader(ctx)
		return v, ttl, err
	})
}

// fill is GetOrSet with a loader that also decides the TTL, so a value
// promoted from a slower tier keeps its remaining lifetime.
func (l *L1) fill(ctx context.Context, key string, load func(context.Context) ([]byte, time.Duration, error)) ([]byte, error) {
	if v, ok, _ := l.Get(ctx, key); ok {
		return v, nil
	}
	v, err, _ := l.loads.Do(key, func() (any, error) {
		if v, ok, _ := l.Get(ctx, key); ok {
			return v, nil
		}
		val, ttl, err := load(ctx)
		if err != nil {
			return nil, err
		}
		_ = l.Set(ctx, key, val, ttl)
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return bytes.Clone(v.([]byte)), nil
}
