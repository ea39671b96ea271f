package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errDependency = errors.New("dependency failed")

func fail() error    { return errDependency }
func succeed() error { return nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts closed", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, "CLOSED", cb.State().String())
	})

	t.Run("opens after consecutive failures and rejects without calling", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3), WithName("payment-gateway"))

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, fail), errDependency)
		}
		assert.Equal(t, StateOpen, cb.State())

		called := false
		err := cb.Execute(ctx, func() error {
			called = true
			return nil
		})

		assert.False(t, called)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
		assert.Equal(t, "payment-gateway", cbErr.Name)
		assert.True(t, IsDownstreamUnavailable(err))
		assert.Contains(t, err.Error(), "service unavailable")
		assert.Contains(t, err.Error(), "retry after")
	})

	t.Run("a success resets the consecutive failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3))

		cb.Execute(ctx, fail)
		cb.Execute(ctx, fail)
		cb.Execute(ctx, succeed)
		cb.Execute(ctx, fail)
		cb.Execute(ctx, fail)

		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, 2, cb.Snapshot().FailureCount)
	})

	t.Run("state query moves open to half-open after the timeout", func(t *testing.T) {
		clock := newFakeClock()
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(time.Minute), WithClock(clock.Now))

		cb.Execute(ctx, fail)
		assert.Equal(t, StateOpen, cb.State())

		clock.Advance(time.Minute)
		assert.Equal(t, StateOpen, cb.State(), "timeout must be strictly exceeded")

		clock.Advance(time.Millisecond)
		assert.Equal(t, StateHalfOpen, cb.State())
	})

	t.Run("closes after enough half-open successes with counters reset", func(t *testing.T) {
		clock := newFakeClock()
		cb := NewCircuitBreaker(
			WithFailureThreshold(2),
			WithSuccessThreshold(2),
			WithTimeout(time.Second),
			WithClock(clock.Now),
		)

		cb.Execute(ctx, fail)
		cb.Execute(ctx, fail)
		clock.Advance(2 * time.Second)

		require.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(ctx, succeed))

		snap := cb.Snapshot()
		assert.Equal(t, StateClosed, snap.State)
		assert.Zero(t, snap.FailureCount)
		assert.Zero(t, snap.SuccessCount)
	})

	t.Run("half-open failure reopens and restarts the clock", func(t *testing.T) {
		clock := newFakeClock()
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(time.Second), WithClock(clock.Now))

		cb.Execute(ctx, fail)
		clock.Advance(2 * time.Second)
		assert.Equal(t, StateHalfOpen, cb.State())

		cb.Execute(ctx, fail)
		assert.Equal(t, StateOpen, cb.State())

		clock.Advance(500 * time.Millisecond)
		assert.Equal(t, StateOpen, cb.State())
		clock.Advance(time.Second)
		assert.Equal(t, StateHalfOpen, cb.State())
	})

	t.Run("half-open admits a bounded number of trial calls", func(t *testing.T) {
		clock := newFakeClock()
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(time.Second),
			WithHalfOpenRequests(1),
			WithSuccessThreshold(3),
			WithClock(clock.Now),
		)
		cb.Execute(ctx, fail)
		clock.Advance(2 * time.Second)

		release := make(chan struct{})
		started := make(chan struct{})
		go cb.Execute(ctx, func() error {
			close(started)
			<-release
			return nil
		})
		<-started

		err := cb.Execute(ctx, succeed)
		assert.True(t, IsDownstreamUnavailable(err))
		close(release)
	})

	t.Run("cancellation does not count as failure", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		cb.Execute(ctx, func() error { return context.Canceled })
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("cancelled context skips the call", func(t *testing.T) {
		cb := NewCircuitBreaker()
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		called := false
		err := cb.Execute(cancelled, func() error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})

	t.Run("listeners see transitions", func(t *testing.T) {
		changes := make(chan State, 4)
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithStateListener(StateChangeFunc(func(_ string, _, to State) { changes <- to })),
		)

		cb.Execute(ctx, fail)
		select {
		case to := <-changes:
			assert.Equal(t, StateOpen, to)
		case <-time.After(time.Second):
			t.Fatal("no state change notification")
		}
	})

	t.Run("reset closes the circuit", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		cb.Execute(ctx, fail)
		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
		assert.Zero(t, cb.Snapshot().FailureCount)
	})
}

func TestExecuteValue(t *testing.T) {
	cb := NewCircuitBreaker()
	v, err := ExecuteValue(context.Background(), cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestGroup(t *testing.T) {
	g := NewGroup(WithFailureThreshold(1))

	broker := g.Get("broker")
	assert.Same(t, broker, g.Get("broker"))
	assert.Equal(t, "broker", broker.Name())

	broker.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, broker.State())
	assert.Equal(t, StateClosed, g.Get("redis").State())
	assert.Len(t, g.Snapshots(), 2)
}
