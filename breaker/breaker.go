// Package breaker guards calls to the signing-key endpoint so an unreachable
// identity provider fails validations fast instead of stalling each one on a
// network timeout.
//
// A Breaker is closed while calls succeed. FailureThreshold consecutive
// failures open it; after OpenTimeout it lets a limited number of trials
// through (half-open) and closes again once enough of them succeed.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("breaker: circuit open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

type Config struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	// HalfOpenMaxSuccess is both the number of trials allowed in flight while
	// half-open and the number of successes that close the breaker.
	HalfOpenMaxSuccess int
	// OnStateChange, when set, is called after every transition. It runs
	// with the breaker unlocked.
	OnStateChange func(from, to State)
}

// DefaultConfig trips after five consecutive failures and admits trial calls again after
// thirty seconds.
var DefaultConfig = Config{
	FailureThreshold:   5,
	OpenTimeout:        30 * time.Second,
	HalfOpenMaxSuccess: 1,
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	trials    int
	openedAt  time.Time
}

func New(cfg Config) *Breaker {
	cfg.FailureThreshold = max(cfg.FailureThreshold, 1)
	cfg.HalfOpenMaxSuccess = max(cfg.HalfOpenMaxSuccess, 1)
	return &Breaker{cfg: cfg, now: time.Now}
}

// State reports the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	from := b.state
	b.expire()
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return to
}

// Do runs fn when the breaker admits a call and records the outcome. A
// failure caused by ctx ending is not held against the endpoint.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.acquire() {
		return ErrOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.record(true)
	case ctx.Err() != nil:
		b.release()
	default:
		b.record(false)
	}
	return err
}

func (b *Breaker) acquire() bool {
	b.mu.Lock()
	from := b.state
	b.expire()
	ok := true
	switch b.state {
	case Open:
		ok = false
	case HalfOpen:
		if b.trials >= b.cfg.HalfOpenMaxSuccess {
			ok = false
		} else {
			b.trials++
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return ok
}

// release returns a half-open trial slot without an outcome.
func (b *Breaker) release() {
	b.mu.Lock()
	if b.state == HalfOpen && b.trials > 0 {
		b.trials--
	}
	b.mu.Unlock()
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Closed:
		if success {
			b.failures = 0
		} else if b.failures++; b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trials = max(b.trials-1, 0)
		if !success {
			b.trip()
			break
		}
		if b.successes++; b.successes >= b.cfg.HalfOpenMaxSuccess {
			b.state = Closed
			b.failures = 0
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// expire must be called with b.mu held.
func (b *Breaker) expire() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = HalfOpen
		b.successes = 0
		b.trials = 0
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.successes = 0
	b.trials = 0
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
