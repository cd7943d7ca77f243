package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTransient = errors.New("transient")
	errPermanent = errors.New("permanent")
)

func transientOnly(err error) bool { return errors.Is(err, errTransient) }

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	cfg := Config{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Retryable:   transientOnly,
	}

	result, err := Do(t.Context(), cfg, func(_ context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "salt", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "salt" {
		t.Fatalf("expected %q, got %q", "salt", result)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	cfg := Config{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Retryable:   transientOnly,
	}

	_, err := Do(t.Context(), cfg, func(_ context.Context) (string, error) {
		calls++
		return "", errPermanent
	})

	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call (no retries), got %d", calls)
	}
}

func TestDo_NilRetryableNeverRetries(t *testing.T) {
	calls := 0
	_, err := Do(t.Context(), Config{MaxAttempts: 3}, func(_ context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_RespectsContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	cfg := Config{
		MaxAttempts: 100,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		Retryable:   transientOnly,
	}

	_, err := Do(ctx, cfg, func(_ context.Context) (int, error) {
		return 0, errTransient
	})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestDo_MaxAttemptsExhausted(t *testing.T) {
	calls := 0
	cfg := Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Retryable:   transientOnly,
	}

	_, err := Do(t.Context(), cfg, func(_ context.Context) (string, error) {
		calls++
		return "", errTransient
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestBackoff_ExponentialWithCap(t *testing.T) {
	cfg := Config{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  500 * time.Millisecond,
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond, // capped
	}
	for attempt, w := range want {
		if got := backoff(cfg, attempt); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, w, got)
		}
	}
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.2}
	for range 200 {
		got := backoff(cfg, 1)
		if got < 1600*time.Millisecond || got > 2400*time.Millisecond {
			t.Fatalf("backoff %v outside 2s ±20%%", got)
		}
	}
}

func TestBackoff_UncappedDoesNotOverflow(t *testing.T) {
	if got := backoff(Config{BaseDelay: time.Second}, 80); got <= 0 {
		t.Fatalf("expected a positive delay, got %v", got)
	}
}

func TestDo_OnRetryReportsEachWait(t *testing.T) {
	var attempts []int
	cfg := Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Retryable:   func(error) bool { return true },
		OnRetry: func(attempt int, delay time.Duration, err error) {
			if delay != time.Millisecond || err == nil {
				t.Errorf("OnRetry(%d, %v, %v)", attempt, delay, err)
			}
			attempts = append(attempts, attempt)
		},
	}
	_, err := Do(t.Context(), cfg, func(context.Context) (int, error) {
		return 0, errors.New("not yet")
	})
	if err == nil {
		t.Fatal("expected the last error")
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("OnRetry attempts = %v, want [1 2]", attempts)
	}
}
