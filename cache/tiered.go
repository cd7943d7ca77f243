package cache

import (
	"context"
	"time"
)

// Tiered puts an L1 in front of a shared L2. Reads try L1, then L2, then the
// loader; a value found in L2 is copied into L1 for the lifetime it has left
// in Redis, so a document never outlives its shared copy.
type Tiered struct {
	l1 *L1
	l2 *L2
}

func NewTiered(l1 *L1, l2 *L2) *Tiered {
	return &Tiered{l1: l1, l2: l2}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, _ := t.l1.Get(ctx, key); ok {
		return v, true, nil
	}
	v, remaining, ok := t.l2.getWithTTL(ctx, key)
	if !ok {
		return nil, false, nil
	}
	_ = t.l1.Set(ctx, key, v, remaining)
	return v, true, nil
}

// Set writes L2 first so other replicas see the value as soon as possible.
func (t *Tiered) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	_ = t.l2.Set(ctx, key, val, ttl)
	return t.l1.Set(ctx, key, val, ttl)
}

func (t *Tiered) Delete(ctx context.Context, key string) error {
	_ = t.l2.Delete(ctx, key)
	return t.l1.Delete(ctx, key)
}

// GetOrSet fills L1 from L2 or, failing that, from loader, whose result is
// also written to L2. Concurrent misses in this process share one load.
func (t *Tiered) GetOrSet(ctx context.Context, key string, ttl time.Duration, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	return t.l1.fill(ctx, key, func(ctx context.Context) ([]byte, time.Duration, error) {
		if v, remaining, ok := t.l2.getWithTTL(ctx, key); ok {
			return v, remaining, nil
		}
		v, err := loader(ctx)
		if err != nil {
			return nil, 0, err
		}
		_ = t.l2.Set(ctx, key, v, ttl)
		return v, ttl, nil
	})
}
