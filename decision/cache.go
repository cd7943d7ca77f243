// Package decision caches successful authorization decisions keyed by a
// digest of the bearer token, so repeated calls with the same token skip
// signature verification until the token or the cache entry expires.
package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"maps"
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultCapacity is the number of decisions held before eviction.
	DefaultCapacity = 100
	// DefaultTTL bounds how long a decision is reused.
	DefaultTTL = 5 * time.Minute
)

// Decision is a cached verification result. Each Decision returned by the
// cache holds its own copy of the top-level claims map.
type Decision struct {
	Claims    map[string]any
	ExpiresAt time.Time
}

type entry struct {
	decision Decision
	seq      uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the maximum lifetime of an entry.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithCapacity sets the maximum number of entries.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is a bounded map of token digest to Decision. It is safe for
// concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	seq      uint64
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// New returns an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		ttl:      DefaultTTL,
		capacity: DefaultCapacity,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.entries = make(map[string]*entry, c.capacity)
	return c
}

// Key returns the cache key for a raw token. Raw tokens are never stored.
func Key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Get returns the live decision for token. An entry at or past its expiry
// is removed and reported as a miss.
func (c *Cache) Get(token string) (Decision, bool) {
	k := Key(token)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return Decision{}, false
	}
	if !c.now().Before(e.decision.ExpiresAt) {
		delete(c.entries, k)
		return Decision{}, false
	}
	return e.decision.clone(), true
}

// Put stores claims for token and returns the stored decision. Its expiry
// is the earlier of now+TTL and the token's exp claim. Put stores nothing
// and returns false when that expiry is not in the future.
func (c *Cache) Put(token string, claims map[string]any) (Decision, bool) {
	now := c.now()
	expiresAt := now.Add(c.ttl)
	if exp, ok := expiry(claims); ok && exp.Before(expiresAt) {
		expiresAt = exp
	}
	if !now.Before(expiresAt) {
		return Decision{}, false
	}

	d := Decision{Claims: maps.Clone(claims), ExpiresAt: expiresAt}
	k := Key(token)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[k]; !exists && len(c.entries) >= c.capacity {
		c.evict(now)
	}
	c.seq++
	c.entries[k] = &entry{decision: d, seq: c.seq}
	return d.clone(), true
}

func (d Decision) clone() Decision {
	d.Claims = maps.Clone(d.Claims)
	return d
}

// Len returns the number of entries, including expired ones not yet
// removed.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evict drops expired entries and, if the cache is still full, the oldest
// half by insertion order. Caller holds mu.
func (c *Cache) evict(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.decision.ExpiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.capacity {
		return
	}

	type aged struct {
		key string
		seq uint64
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.seq})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	drop := len(all) / 2
	if drop == 0 {
		drop = 1
	}
	for _, a := range all[:drop] {
		delete(c.entries, a.key)
	}
}

func expiry(claims map[string]any) (time.Time, bool) {
	var secs float64
	switch v := claims["exp"].(type) {
	case float64:
		secs = v
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}
		secs = f
	case int64:
		secs = float64(v)
	case int:
		secs = float64(v)
	default:
		return time.Time{}, false
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)), true
}
