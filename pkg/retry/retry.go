// Package retry wraps fallible operations with exponential backoff.
package retry

import (
	"context"
	"time"
)

// Do runs op up to attempts times, sleeping baseDelay*2^(n-1) after the
// n-th failure. The last error is propagated unchanged. A context cancelled
// mid-wait (or mid-operation) short-circuits immediately without consuming
// another attempt, so cooperative cancellation is never delayed by backoff.
func Do[T any](ctx context.Context, attempts int, baseDelay time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		delay := baseDelay << (attempt - 1)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}
