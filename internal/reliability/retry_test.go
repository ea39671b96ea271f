package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/foodsaga/contracts"
)

func fastBackoff(maxRetries int) *ExponentialBackoff {
	p := NewExponentialBackoff(time.Millisecond, 5*time.Millisecond, 2, maxRetries)
	p.Jitter = 0
	return p
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("returns after k failures then success", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, fastBackoff(3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("test error")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("always failing makes max retries plus one attempts", func(t *testing.T) {
		attempts := 0
		var last error
		err := Retry(ctx, fastBackoff(3), func() error {
			attempts++
			last = errors.New("attempt failed")
			return last
		})

		assert.Equal(t, 4, attempts)
		assert.Same(t, last, err)
	})

	t.Run("zero retries makes a single attempt", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, fastBackoff(0), func() error {
			attempts++
			return errors.New("test error")
		})

		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("stops on non-retryable errors", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, fastBackoff(5), func() error {
			attempts++
			return &contracts.ValidationError{Field: "amount", Message: "must be positive"}
		})

		assert.True(t, contracts.IsValidation(err))
		assert.Equal(t, 1, attempts)
	})

	t.Run("stops on permanent errors", func(t *testing.T) {
		attempts := 0
		cause := errors.New("bad request")
		err := Retry(ctx, fastBackoff(5), func() error {
			attempts++
			return Permanent(cause)
		})

		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 1, attempts)
	})

	t.Run("hooks see each scheduled retry", func(t *testing.T) {
		var seen []int
		_ = Retry(ctx, fastBackoff(2), func() error {
			return errors.New("test error")
		}, func(attempt int, _ error, _ time.Duration) {
			seen = append(seen, attempt)
		})

		assert.Equal(t, []int{0, 1}, seen)
	})

	t.Run("cancellation while waiting returns the last error", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		policy := NewFixedDelay(time.Hour, 3)
		cause := errors.New("test error")

		attempted := make(chan struct{}, 1)
		done := make(chan error, 1)
		go func() {
			done <- Retry(ctx, policy, func() error {
				attempted <- struct{}{}
				return cause
			})
		}()
		<-attempted
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, cause)
		case <-time.After(time.Second):
			t.Fatal("retry did not stop on cancellation")
		}
	})
}

func TestRetryValue(t *testing.T) {
	attempts := 0
	v, err := RetryValue(context.Background(), fastBackoff(2), func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("test error")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, attempts)
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("grows by the multiplier up to the cap", func(t *testing.T) {
		p := NewExponentialBackoff(100*time.Millisecond, time.Second, 2, 10)
		p.Jitter = 0

		assert.Equal(t, 100*time.Millisecond, p.NextDelay(0))
		assert.Equal(t, 200*time.Millisecond, p.NextDelay(1))
		assert.Equal(t, 400*time.Millisecond, p.NextDelay(2))
		assert.Equal(t, time.Second, p.NextDelay(5))
	})

	t.Run("jitter adds at most its share", func(t *testing.T) {
		p := NewExponentialBackoff(100*time.Millisecond, time.Second, 2, 10)

		for i := 0; i < 50; i++ {
			d := p.NextDelay(1)
			assert.GreaterOrEqual(t, d, 200*time.Millisecond)
			assert.LessOrEqual(t, d, 220*time.Millisecond)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		p := DefaultBackoff()
		assert.Equal(t, 3, p.MaxRetries())
		assert.Equal(t, 100*time.Millisecond, p.InitialInterval)
		assert.Equal(t, 10*time.Second, p.MaxInterval)
		assert.Equal(t, 0.1, p.Jitter)
	})

	t.Run("should retry respects the bound", func(t *testing.T) {
		p := fastBackoff(2)
		ok, _ := p.ShouldRetry(1, errors.New("test error"))
		assert.True(t, ok)
		ok, _ = p.ShouldRetry(2, errors.New("test error"))
		assert.False(t, ok)
	})
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("connection reset"), true},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"circuit open", &CircuitBreakerError{Name: "broker", State: StateOpen}, false},
		{"not found", &contracts.NotFoundError{Resource: "order", ID: "o-1"}, false},
		{"override", RetryableError{Err: errors.New("x"), Retryable: true}, true},
		{"permanent", Permanent(errors.New("x")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}
