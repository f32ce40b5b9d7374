// Package breaker computes per-target circuit-breaker transitions. State
// lives on the crawl target row; this package only derives the next state
// from a run outcome.
package breaker

import (
	"time"
)

// Config sets the disable threshold and backoff cap.
type Config struct {
	// DisableThreshold is the consecutive-failure count at which scheduling
	// for the target is permanently disabled (operator action re-enables).
	DisableThreshold int
	// MaxBackoff caps the exponential retry delay.
	MaxBackoff time.Duration
}

// DefaultConfig mirrors the production thresholds: disable after 10
// consecutive failures, back off at most 24 hours.
func DefaultConfig() Config {
	return Config{
		DisableThreshold: 10,
		MaxBackoff:       24 * time.Hour,
	}
}

// Update is the breaker state to persist on the target after a run.
type Update struct {
	ConsecutiveFailures int
	NextRetryAt         *time.Time
	Disabled            bool
}

// OnSuccess resets the breaker: failures to zero, no retry gate.
func (c Config) OnSuccess() Update {
	return Update{}
}

// OnFailure advances the breaker after one failed run. Below the threshold
// the target backs off for min(2^(n-1) hours, cap); at the threshold it is
// disabled and the retry gate cleared.
func (c Config) OnFailure(previousFailures int, now time.Time) Update {
	n := previousFailures + 1
	if c.DisableThreshold > 0 && n >= c.DisableThreshold {
		return Update{
			ConsecutiveFailures: n,
			Disabled:            true,
		}
	}
	retryAt := now.Add(c.backoff(n))
	return Update{
		ConsecutiveFailures: n,
		NextRetryAt:         &retryAt,
	}
}

func (c Config) backoff(failures int) time.Duration {
	cap := c.MaxBackoff
	if cap <= 0 {
		cap = 24 * time.Hour
	}
	// 2^(failures-1) hours. The shift overflows int64 nanoseconds near 2^22
	// hours, so anything past 2^20 collapses to the cap before multiplying.
	if failures-1 >= 20 {
		return cap
	}
	d := time.Duration(1<<uint(failures-1)) * time.Hour
	if d > cap {
		return cap
	}
	return d
}
