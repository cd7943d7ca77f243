package secrets

import (
	"context"
	"errors"
	"sync"

	"github.com/Keksclan/tenantgate/retry"
	"golang.org/x/sync/singleflight"
)

// DefaultRetry is the retry policy used for secret loads at startup.
var DefaultRetry = retry.Startup

// Cached fetches each key from its source once and serves the value for the
// lifetime of the process. Failed loads are not cached. Concurrent first
// loads of a key share one fetch.
type Cached struct {
	src   Provider
	retry retry.Config
	loads singleflight.Group

	mu   sync.RWMutex
	vals map[string]string
}

// NewCached wraps src. Loads are retried according to cfg; ErrNotFound is
// never retried.
func NewCached(src Provider, cfg retry.Config) *Cached {
	if cfg.Retryable == nil {
		cfg.Retryable = func(err error) bool { return !errors.Is(err, ErrNotFound) }
	}
	return &Cached{
		src:   src,
		retry: cfg,
		vals:  make(map[string]string),
	}
}

// Secret implements Provider.
func (c *Cached) Secret(ctx context.Context, key string) (string, error) {
	c.mu.RLock()
	v, ok := c.vals[key]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	res, err, _ := c.loads.Do(key, func() (any, error) {
		v, err := retry.Do(ctx, c.retry, func(ctx context.Context) (string, error) {
			return c.src.Secret(ctx, key)
		})
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.vals[key] = v
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}
