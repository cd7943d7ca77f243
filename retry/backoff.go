// Package retry provides a generic retry helper with exponential backoff and
// jitter. It is used for loading configuration-time dependencies such as
// secrets and the database; nothing on the request path retries.
package retry

import (
	"math/rand/v2"
	"time"
)

// backoff returns the wait before retry number attempt (0-indexed):
// BaseDelay doubled per attempt, capped at MaxDelay when MaxDelay is set,
// then spread by ±Jitter.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.BaseDelay
	for range attempt {
		if cfg.MaxDelay > 0 && d >= cfg.MaxDelay {
			break
		}
		if d >= time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if cfg.Jitter > 0 && d > 0 {
		spread := float64(d) * cfg.Jitter
		d += time.Duration(spread * (2*rand.Float64() - 1))
	}
	return max(d, 0)
}
