package resilience

import (
	"context"
	"math/rand"
	"time"
)

// BackoffConfig configures the fixed exponential-with-cap-and-jitter retry
// used by the dispatcher, where cenkalti/backoff/v4's own knobs don't line
// up with the exact formula (base, exponent, cap, jitter percentage).
type BackoffConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, adds randomness
}

// DefaultBackoffConfig mirrors the dispatcher's default retry policy: base
// 60s, exponent 2, cap 900s, jitter ±25%, 3 attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts:  3,
		InitialDelay: 60 * time.Second,
		MaxDelay:     900 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.25,
	}
}

// RetryWithBackoff executes fn with exponential backoff and jitter.
func RetryWithBackoff(ctx context.Context, cfg BackoffConfig, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(addJitter(delay, cfg.Jitter)):
			}
			delay = nextDelay(delay, cfg)
		}
	}
	return lastErr
}

// NextBackoffDelay computes the delay before the given 1-indexed attempt
// number, applying jitter. Exposed so the dispatcher can log or test the
// delay it is about to wait without re-deriving the formula.
func NextBackoffDelay(cfg BackoffConfig, attempt int) time.Duration {
	delay := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = nextDelay(delay, cfg)
	}
	return addJitter(delay, cfg.Jitter)
}

func nextDelay(current time.Duration, cfg BackoffConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
