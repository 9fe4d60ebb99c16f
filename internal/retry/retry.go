// Package retry provides a bounded exponential-backoff executor used to wrap
// flaky operations (browser clicks, login flows, downloads).
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Do runs fn until it succeeds, up to attempts times. The delay before
// attempt k+1 is baseDelay * 2^(k-1); there is no sleep after the final
// attempt. Every failure is logged with its attempt number. On exhaustion
// the last error is returned to the caller.
func Do(ctx context.Context, logger *slog.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	_, err := DoValue(ctx, logger, name, attempts, baseDelay, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, logger *slog.Logger, name string, attempts int, baseDelay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s cancelled: %w", name, err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		logger.Warn("Operation failed, will retry if attempts remain.",
			slog.String("operation", name),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			"error", err,
		)

		if attempt < attempts {
			delay := baseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, fmt.Errorf("%s cancelled during backoff: %w", name, ctx.Err())
			}
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}
