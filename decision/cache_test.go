package decision

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func claimsExpiringAt(t time.Time) map[string]any {
	return map[string]any{"tenant_id": "org-1", "exp": float64(t.Unix())}
}

func TestKey_IsSHA256Hex(t *testing.T) {
	k := Key("abc")
	if k != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("unexpected key %s", k)
	}
}

func TestPutGet_HitBeforeExpiry(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.Now))

	c.Put("tok", claimsExpiringAt(clk.Now().Add(time.Hour)))
	d, ok := c.Get("tok")
	if !ok {
		t.Fatal("expected hit")
	}
	if d.Claims["tenant_id"] != "org-1" {
		t.Fatalf("unexpected claims %v", d.Claims)
	}
	if want := clk.Now().Add(DefaultTTL); !d.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, d.ExpiresAt)
	}
}

func TestCache_CallersCannotMutateStoredClaims(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.Now))

	in := claimsExpiringAt(clk.Now().Add(time.Hour))
	put, _ := c.Put("tok", in)
	in["tenant_id"] = "attacker-org"
	put.Claims["tenant_id"] = "attacker-org"

	got, _ := c.Get("tok")
	got.Claims["tenant_id"] = "attacker-org"

	again, ok := c.Get("tok")
	if !ok || again.Claims["tenant_id"] != "org-1" {
		t.Fatalf("cached claims changed: %v", again.Claims)
	}
}

func TestPut_TokenExpiryBoundsEntry(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.Now))

	exp := clk.Now().Add(time.Minute)
	d, ok := c.Put("tok", claimsExpiringAt(exp))
	if !ok {
		t.Fatal("expected Put to store")
	}
	if !d.ExpiresAt.Equal(exp) {
		t.Fatalf("expected expiry %v, got %v", exp, d.ExpiresAt)
	}

	clk.Advance(time.Minute)
	if _, ok := c.Get("tok"); ok {
		t.Fatal("expected miss at exp")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be removed, len=%d", c.Len())
	}
}

func TestGet_TTLExpiry(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.Now), WithTTL(10*time.Second))

	c.Put("tok", claimsExpiringAt(clk.Now().Add(time.Hour)))
	clk.Advance(9 * time.Second)
	if _, ok := c.Get("tok"); !ok {
		t.Fatal("expected hit before ttl")
	}
	clk.Advance(time.Second)
	if _, ok := c.Get("tok"); ok {
		t.Fatal("expected miss at ttl")
	}
}

func TestPut_AlreadyExpiredIsNotStored(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.Now))
	if _, ok := c.Put("tok", claimsExpiringAt(clk.Now().Add(-time.Second))); ok {
		t.Fatal("expected expired token to be rejected")
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, len=%d", c.Len())
	}
}

func TestPut_ExpClaimTypes(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.Now))
	exp := clk.Now().Add(time.Minute)

	for name, v := range map[string]any{
		"float64":     float64(exp.Unix()),
		"json.Number": json.Number(fmt.Sprint(exp.Unix())),
		"int64":       exp.Unix(),
		"int":         int(exp.Unix()),
	} {
		d, ok := c.Put(name, map[string]any{"exp": v})
		if !ok || !d.ExpiresAt.Equal(exp) {
			t.Fatalf("%s: expected expiry %v, got %v (stored=%v)", name, exp, d.ExpiresAt, ok)
		}
	}
}

func TestPut_EvictsOldestHalfWhenFull(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.Now), WithCapacity(4))
	exp := clk.Now().Add(time.Hour)

	for i := 0; i < 4; i++ {
		c.Put(fmt.Sprintf("tok-%d", i), claimsExpiringAt(exp))
	}
	c.Put("tok-4", claimsExpiringAt(exp))

	if c.Len() != 3 {
		t.Fatalf("expected 3 entries after eviction, got %d", c.Len())
	}
	for _, gone := range []string{"tok-0", "tok-1"} {
		if _, ok := c.Get(gone); ok {
			t.Fatalf("expected %s to be evicted", gone)
		}
	}
	for _, kept := range []string{"tok-2", "tok-3", "tok-4"} {
		if _, ok := c.Get(kept); !ok {
			t.Fatalf("expected %s to be kept", kept)
		}
	}
}

func TestPut_EvictsExpiredBeforeLive(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.Now), WithCapacity(2))

	c.Put("short", claimsExpiringAt(clk.Now().Add(time.Second)))
	c.Put("long", claimsExpiringAt(clk.Now().Add(time.Hour)))
	clk.Advance(2 * time.Second)
	c.Put("new", claimsExpiringAt(clk.Now().Add(time.Hour)))

	if _, ok := c.Get("long"); !ok {
		t.Fatal("expected live entry to survive")
	}
	if _, ok := c.Get("new"); !ok {
		t.Fatal("expected new entry")
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(WithCapacity(16))
	exp := time.Now().Add(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok := fmt.Sprintf("tok-%d", i%20)
			c.Put(tok, claimsExpiringAt(exp))
			c.Get(tok)
		}(i)
	}
	wg.Wait()
	if c.Len() > 16 {
		t.Fatalf("cache exceeded capacity: %d", c.Len())
	}
}
