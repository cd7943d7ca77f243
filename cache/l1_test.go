package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func mustNewL1(t *testing.T) *L1 {
	t.Helper()
	c, err := NewL1(1000)
	if err != nil {
		t.Fatalf("NewL1: %v", err)
	}
	return c
}

func TestL1_GetSet(t *testing.T) {
	c := mustNewL1(t)
	ctx := t.Context()

	if _, ok, err := c.Get(ctx, "k1"); err != nil || ok {
		t.Fatalf("Get on empty cache = %v, %v; want miss", ok, err)
	}
	if err := c.Set(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, ok, err := c.Get(ctx, "k1")
	if err != nil || !ok || string(val) != "v1" {
		t.Fatalf("Get = %q, %v, %v; want v1", val, ok, err)
	}
}

func TestL1_ValuesAreCopied(t *testing.T) {
	c := mustNewL1(t)
	ctx := t.Context()

	in := []byte("keys")
	_ = c.Set(ctx, "k", in, time.Minute)
	in[0] = 'X'

	out, _, _ := c.Get(ctx, "k")
	if string(out) != "keys" {
		t.Fatalf("caller mutation leaked into cache: %q", out)
	}
	out[0] = 'Y'
	if again, _, _ := c.Get(ctx, "k"); string(again) != "keys" {
		t.Fatalf("returned slice aliases cache storage: %q", again)
	}
}

func TestL1_GetOrSet(t *testing.T) {
	tests := []struct {
		name       string
		concurrent int
	}{
		{"sequential", 1},
		{"concurrent misses", 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := mustNewL1(t)
			var calls atomic.Int32
			release := make(chan struct{})
			loader := func(context.Context) ([]byte, error) {
				calls.Add(1)
				<-release
				return []byte("loaded"), nil
			}

			var wg sync.WaitGroup
			for range tt.concurrent {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if v, err := c.GetOrSet(t.Context(), "k", time.Minute, loader); err != nil || string(v) != "loaded" {
						t.Errorf("GetOrSet = %q, %v", v, err)
					}
				}()
			}
			time.Sleep(20 * time.Millisecond)
			close(release)
			wg.Wait()

			// A later call is a plain hit.
			if _, err := c.GetOrSet(t.Context(), "k", time.Minute, loader); err != nil {
				t.Fatalf("GetOrSet after fill: %v", err)
			}
			if n := calls.Load(); n != 1 {
				t.Fatalf("loader called %d times, want 1", n)
			}
		})
	}
}

func TestL1_GetOrSet_ErrorIsNotCached(t *testing.T) {
	c := mustNewL1(t)
	boom := errors.New("idp unreachable")

	if _, err := c.GetOrSet(t.Context(), "k", time.Minute, func(context.Context) ([]byte, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}
	v, err := c.GetOrSet(t.Context(), "k", time.Minute, func(context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	if err != nil || string(v) != "ok" {
		t.Fatalf("retry after error = %q, %v", v, err)
	}
}

func TestL1_TTLExpires(t *testing.T) {
	c := mustNewL1(t)
	ctx := t.Context()

	if err := c.Set(ctx, "ttl", []byte("temp"), 50*time.Millisecond); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	// Should be present immediately.
	_, ok, _ := c.Get(ctx, "ttl")
	if !ok {
		t.Fatal("expected hit before TTL")
	}

	// Wait for expiration. Ristretto cleanup may need a bit of extra time.
	time.Sleep(200 * time.Millisecond)

	_, ok, _ = c.Get(ctx, "ttl")
	if ok {
		t.Fatal("expected miss after TTL")
	}
}

func TestL1_Delete(t *testing.T) {
	c := mustNewL1(t)
	ctx := t.Context()

	if err := c.Set(ctx, "jwks:https://idp.example/keys", []byte(`{"keys":[]}`), time.Minute); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	if err := c.Delete(ctx, "jwks:https://idp.example/keys"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "jwks:https://idp.example/keys"); ok {
		t.Fatal("expected miss after Delete")
	}
	// Deleting a missing key is not an error.
	if err := c.Delete(ctx, "absent"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}
