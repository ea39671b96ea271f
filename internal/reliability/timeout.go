package reliability

import (
	"context"
	"time"
)

// Race runs fn against a timer. When the timer wins the caller gets a
// TimeoutError and fn keeps running in the background with the original ctx;
// whatever it commits afterwards is not undone.
func Race[T any](ctx context.Context, op string, after time.Duration, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	timer := time.NewTimer(after)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		return zero, &TimeoutError{Op: op, After: after}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// RunWithTimeout is Race for functions without a result
func RunWithTimeout(ctx context.Context, op string, after time.Duration, fn func(context.Context) error) error {
	_, err := Race(ctx, op, after, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
