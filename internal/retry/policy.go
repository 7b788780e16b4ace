// Package retry provides a bounded exponential-backoff retry policy shared by
// outbound sends and media downloads.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Default policy values.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
)

// ErrAttemptsExhausted wraps the last error when every attempt failed with a retryable error.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy describes how an operation is retried. The delay before attempt n+1 is
// BaseDelay * 2^(n-1), capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether an error is worth another attempt. Nil retries nothing.
	Retryable func(error) bool
	// Sleep waits between attempts. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns a policy with the package defaults and the given predicate.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Retryable:   retryable,
	}
}

// Backoff returns the delay that follows the given 1-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Do runs op until it succeeds, returns a non-retryable error, or MaxAttempts is
// reached. It returns the number of attempts made. When attempts run out on a
// retryable error, the returned error wraps both ErrAttemptsExhausted and the last error.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 1 {
				slog.Debug("retry.Do: succeeded after retry", "op", name, "attempt", attempt)
			}
			return attempt, nil
		}
		if p.Retryable == nil || !p.Retryable(lastErr) {
			return attempt, lastErr
		}
		if attempt == maxAttempts {
			break
		}
		delay := p.Backoff(attempt)
		slog.Warn("retry.Do: retryable failure", "op", name, "attempt", attempt, "maxAttempts", maxAttempts, "backoff", delay, "error", lastErr)
		if err := sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
	slog.Error("retry.Do: attempts exhausted", "op", name, "attempts", maxAttempts, "error", lastErr)
	return maxAttempts, errors.Join(ErrAttemptsExhausted, lastErr)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
