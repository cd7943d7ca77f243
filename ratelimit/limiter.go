// Package ratelimit gives every tenant its own token bucket, backed by
// golang.org/x/time/rate, so one tenant cannot exhaust capacity shared with
// the others.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdleTTL is how long a tenant's bucket survives without traffic.
const DefaultIdleTTL = 10 * time.Minute

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Keyed holds one bucket per key, created on first use. Buckets idle for
// longer than the idle TTL are dropped; a returning tenant starts with a
// full burst.
type Keyed struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type Option func(*Keyed)

// WithIdleTTL overrides DefaultIdleTTL.
func WithIdleTTL(d time.Duration) Option {
	return func(k *Keyed) {
		if d > 0 {
			k.idleTTL = d
		}
	}
}

// NewKeyed permits rps requests per second with the given burst for every
// key.
func NewKeyed(rps float64, burst int, opts ...Option) *Keyed {
	k := &Keyed{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: DefaultIdleTTL,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, o := range opts {
		o(k)
	}
	k.lastSweep = k.now()
	return k
}

// Allow reports whether a request for key may proceed, consuming a token
// when it does.
func (k *Keyed) Allow(key string) bool {
	now := k.now()

	k.mu.Lock()
	k.sweep(now)
	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = now
	k.mu.Unlock()

	return b.lim.AllowN(now, 1)
}

// Len returns the number of live buckets.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// sweep runs at most once per idle TTL. Must be called with k.mu held.
func (k *Keyed) sweep(now time.Time) {
	if now.Sub(k.lastSweep) < k.idleTTL {
		return
	}
	k.lastSweep = now
	for key, b := range k.buckets {
		if now.Sub(b.lastSeen) >= k.idleTTL {
			delete(k.buckets, key)
		}
	}
}
