package pool

import (
	"context"
	"time"
)

// BackoffFunc returns the delay to wait before the given retry attempt.
// Attempts are numbered from 1.
type BackoffFunc func(attempt int) time.Duration

// LinearBackoff returns a policy whose delay grows linearly with the
// attempt number: step, 2*step, 3*step, and so on.
func LinearBackoff(step time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * step
	}
}

// withRetry runs op up to attempts times, sleeping according to backoff
// between failed attempts. It returns nil as soon as op succeeds, the
// context error if the context is cancelled while waiting, and the last
// operation error once the budget is spent.
func withRetry(ctx context.Context, attempts int, backoff BackoffFunc, op func() error) error {
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := op(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}
