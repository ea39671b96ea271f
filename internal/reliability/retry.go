package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether and when a failed attempt is retried
type RetryPolicy interface {
	// ShouldRetry is called with the zero-based index of the failed attempt
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the number of retries after the first attempt
	MaxRetries() int
	// NextDelay returns the wait after the given failed attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff waits min(InitialInterval * Multiplier^attempt, MaxInterval)
// plus a random share of up to Jitter of that delay.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          float64
	// Retryable classifies errors; nil uses IsRetryableError
	Retryable func(error) bool
}

// NewExponentialBackoff creates a backoff policy with 10% jitter
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          0.1,
	}
}

// DefaultBackoff is 3 retries from 100ms doubling up to 10s
func DefaultBackoff() *ExponentialBackoff {
	return NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2, 3)
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts {
		return false, 0
	}

	retryable := e.Retryable
	if retryable == nil {
		retryable = IsRetryableError
	}
	if !retryable(err) {
		return false, 0
	}

	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if max := float64(e.MaxInterval); max > 0 && delay > max {
		delay = max
	}
	if e.Jitter > 0 {
		delay += rand.Float64() * e.Jitter * delay
	}
	return time.Duration(delay)
}

// FixedDelay retries after a constant delay
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxAttempts: maxRetries}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.MaxAttempts || !IsRetryableError(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// OnRetry is told about every failed attempt that will be retried
type OnRetry func(attempt int, err error, delay time.Duration)

// Retry runs fn until it succeeds or the policy gives up, then returns the
// last error unchanged. Waiting parks only the calling goroutine.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error, hooks ...OnRetry) error {
	_, err := RetryValue(ctx, policy, func() (struct{}, error) {
		return struct{}{}, fn()
	}, hooks...)
	return err
}

// RetryValue is Retry for functions that return a value
func RetryValue[T any](ctx context.Context, policy RetryPolicy, fn func() (T, error), hooks ...OnRetry) (T, error) {
	var zero T

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			return zero, err
		}
		for _, h := range hooks {
			h(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		}
	}
}
