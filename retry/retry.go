// Package retry runs an operation under a bounded attempt policy with
// backoff, a retryability classifier and per-attempt hooks.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrExhausted matches every ExhaustedError through errors.Is.
var ErrExhausted = errors.New("retry attempts exhausted")

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrExhausted) hold.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Policy configures retry behavior.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// Delay is the base wait before the second attempt.
	Delay time.Duration

	// Factor multiplies the wait after each attempt. Values <= 1 keep it constant.
	Factor float64

	// MaxDelay caps the wait. Zero means no cap.
	MaxDelay time.Duration

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64

	// Backoff optionally overrides the wait after a failed attempt.
	// attempt is 1-based.
	Backoff func(attempt int, err error) time.Duration

	// Retryable optionally decides whether err is worth another attempt.
	// By default every error except context cancellation is retried.
	Retryable func(error) bool

	// OnRetry runs after a failed attempt and before the wait. A non-nil
	// return aborts the loop with that error.
	OnRetry func(ctx context.Context, attempt int, err error) error

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Constant returns a policy with a fixed delay between attempts.
func Constant(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// Exponential returns a doubling policy capped at maxDelay.
func Exponential(attempts int, initial, maxDelay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: initial, Factor: 2, MaxDelay: maxDelay}
}

// Do calls fn until it succeeds, returns a non-retryable error, the
// context ends or MaxAttempts is reached. attempt is 1-based.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !p.retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		if p.OnRetry != nil {
			if herr := p.OnRetry(ctx, attempt, err); herr != nil {
				return zero, herr
			}
		}
		if err := p.sleep(ctx, p.wait(attempt, err)); err != nil {
			return zero, err
		}
	}

	return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// wait returns the pause after failed attempt number attempt.
func (p Policy) wait(attempt int, err error) time.Duration {
	if p.Backoff != nil {
		return p.Backoff(attempt, err)
	}

	d := p.Delay
	if p.Factor > 1 {
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * p.Factor)
			if p.MaxDelay > 0 && d > p.MaxDelay {
				break
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return withJitter(d, p.Jitter)
}

// Wait exposes the computed pause after attempt for logging.
func (p Policy) Wait(attempt int, err error) time.Duration {
	return p.wait(attempt, err)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withJitter returns base +/- (base * jitter * random).
func withJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	amount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + amount)
}
