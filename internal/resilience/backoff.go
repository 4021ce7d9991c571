package resilience

import (
	"context"
	"time"
)

// PoolSaturationBackoff is the exact bounded-retry policy spec.md §4.E and
// §5 specify for pool acquire failures: exponential backoff starting at
// 50ms, doubling, capped at 200ms per attempt, up to 10 attempts, with a
// 3-second total budget.
type PoolSaturationBackoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	MaxElapsed  time.Duration
}

// DefaultPoolSaturationBackoff returns the literal policy from spec.md.
func DefaultPoolSaturationBackoff() PoolSaturationBackoff {
	return PoolSaturationBackoff{
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		MaxAttempts: 10,
		MaxElapsed:  3 * time.Second,
	}
}

// Retry calls fn until it returns a nil error, retryable returns false for
// the error fn returned, or the attempt/elapsed budget is exhausted. It
// returns the last error encountered, or nil on success. attempt is
// 1-indexed and passed to the retryable predicate for logging purposes.
func (b PoolSaturationBackoff) Retry(ctx context.Context, retryable func(err error) bool, fn func(attempt int) error) error {
	start := time.Now()
	delay := b.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if time.Since(start)+delay > b.MaxElapsed {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > b.MaxDelay {
			delay = b.MaxDelay
		}
	}
	return lastErr
}
