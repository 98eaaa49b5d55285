// Package retry provides bounded retry helpers with configurable backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrFailedPermanently is returned when an operation has been retried up to
// its attempt ceiling without success.
type ErrFailedPermanently struct {
	attempts int
	LastErr  error
}

func (e *ErrFailedPermanently) Error() string {
	return fmt.Sprintf("operation failed permanently after %d attempts: %v", e.attempts, e.LastErr)
}

func (e *ErrFailedPermanently) Unwrap() error {
	return e.LastErr
}

// Strategy determines how long to wait between retry attempts.
type Strategy interface {
	// Duration returns the wait before attempt n (zero-indexed).
	Duration(n int) time.Duration
}

// ExponentialStrategy doubles the wait per attempt starting from Min,
// capped at Max, with up to MaxJitter of random extra delay.
type ExponentialStrategy struct {
	Min       time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

func (e *ExponentialStrategy) Duration(attempt int) time.Duration {
	var jitter time.Duration
	if e.MaxJitter > 0 {
		jitter = time.Duration(rand.Int63n(e.MaxJitter.Nanoseconds()))
	}
	if attempt < 0 {
		attempt = 0
	}
	dur := e.Min * time.Duration(math.Pow(2, float64(attempt)))
	if dur > e.Max {
		return e.Max + jitter
	}
	return dur + jitter
}

// Exponential returns a default exponential backoff strategy.
func Exponential() Strategy {
	return &ExponentialStrategy{
		Min:       time.Second,
		Max:       time.Minute,
		MaxJitter: 250 * time.Millisecond,
	}
}

// FixedStrategy waits a constant duration between attempts.
type FixedStrategy struct {
	Dur time.Duration
}

func (f *FixedStrategy) Duration(attempt int) time.Duration {
	return f.Dur
}

func Fixed(dur time.Duration) Strategy {
	return &FixedStrategy{Dur: dur}
}

// Do performs op up to maxAttempts times, waiting per the strategy between
// attempts, until it succeeds or the context is cancelled.
func Do[T any](ctx context.Context, maxAttempts int, strategy Strategy, op func() (T, error)) (T, error) {
	var empty, ret T
	var err error
	if maxAttempts < 1 {
		return empty, fmt.Errorf("need at least 1 attempt to run op, but have %d max attempts", maxAttempts)
	}

	for i := 0; i < maxAttempts; i++ {
		if ctx.Err() != nil {
			return empty, ctx.Err()
		}
		ret, err = op()
		if err == nil {
			return ret, nil
		}
		if i != maxAttempts-1 {
			timer := time.NewTimer(strategy.Duration(i))
			select {
			case <-ctx.Done():
				timer.Stop()
				return empty, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return empty, &ErrFailedPermanently{
		attempts: maxAttempts,
		LastErr:  err,
	}
}
