package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/foodsaga/contracts"
)

type failingStore struct {
	Store
	markErr error
}

func (s *failingStore) MarkSeen(context.Context, string, string) error {
	return s.markErr
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("namespaces are independent", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.MarkSeen(ctx, "kitchen.order_cancelled", "cancelled-o1"))

		seen, err := s.Seen(ctx, "kitchen.order_cancelled", "cancelled-o1")
		require.NoError(t, err)
		assert.True(t, seen)

		seen, err = s.Seen(ctx, "payment.order_cancelled", "cancelled-o1")
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("try mark succeeds once", func(t *testing.T) {
		s := NewMemoryStore()
		first, err := s.TryMark(ctx, "ns", "k")
		require.NoError(t, err)
		second, err := s.TryMark(ctx, "ns", "k")
		require.NoError(t, err)

		assert.True(t, first)
		assert.False(t, second)
		assert.Len(t, s.Markers("ns"), 1)
	})

	t.Run("concurrent try mark has one winner", func(t *testing.T) {
		s := NewMemoryStore()
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, _ := s.TryMark(ctx, "ns", "k"); ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})

	t.Run("empty key is rejected", func(t *testing.T) {
		s := NewMemoryStore()
		assert.ErrorIs(t, s.MarkSeen(ctx, "ns", ""), ErrEmptyKey)
	})
}

func TestGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("runs the effect once per key", func(t *testing.T) {
		g := NewGuard(NewMemoryStore(), "kitchen.order_cancelled")
		calls := 0
		effect := func(context.Context) error {
			calls++
			return nil
		}

		require.NoError(t, g.Run(ctx, "cancelled-o1", effect))
		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, g.Run(ctx, "cancelled-o1", effect), contracts.ErrDuplicateEffect)
		}
		assert.Equal(t, 1, calls)
	})

	t.Run("failed effect is not marked", func(t *testing.T) {
		g := NewGuard(NewMemoryStore(), "ns")
		boom := errors.New("boom")

		assert.ErrorIs(t, g.Run(ctx, "k", func(context.Context) error { return boom }), boom)

		seen, err := g.Seen(ctx, "k")
		require.NoError(t, err)
		assert.False(t, seen)
		assert.NoError(t, g.Run(ctx, "k", func(context.Context) error { return nil }))
	})

	t.Run("marker failure after commit surfaces the error", func(t *testing.T) {
		markErr := errors.New("store down")
		g := NewGuard(&failingStore{Store: NewMemoryStore(), markErr: markErr}, "ns")

		calls := 0
		effect := func(context.Context) error {
			calls++
			return nil
		}
		assert.ErrorIs(t, g.Run(ctx, "k", effect), markErr)
		assert.ErrorIs(t, g.Run(ctx, "k", effect), markErr)
		assert.Equal(t, 2, calls, "redelivery reprocesses when the marker is missing")
	})

	t.Run("claim is atomic", func(t *testing.T) {
		g := NewGuard(NewMemoryStore(), "delivery.order_cancelled")

		ok, err := g.Claim(ctx, "delivery-direct-cancel-o1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = g.Claim(ctx, "delivery-direct-cancel-o1")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, "delivery.order_cancelled", g.Namespace())
	})
}

func TestGuardAtomicClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent runs execute the effect once", func(t *testing.T) {
		g := NewGuard(NewMemoryStore(), "payment.kitchen_accepted", WithAtomicClaim())
		var calls int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = g.Run(ctx, "o1", func(context.Context) error {
					atomic.AddInt32(&calls, 1)
					return nil
				})
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), calls)
	})

	t.Run("failed effect releases the claim", func(t *testing.T) {
		store := NewMemoryStore()
		g := NewGuard(store, "ns", WithAtomicClaim())
		boom := errors.New("boom")

		assert.ErrorIs(t, g.Run(ctx, "k", func(context.Context) error { return boom }), boom)
		assert.Empty(t, store.Markers("ns"))

		calls := 0
		require.NoError(t, g.Run(ctx, "k", func(context.Context) error {
			calls++
			return nil
		}))
		assert.ErrorIs(t, g.Run(ctx, "k", func(context.Context) error {
			calls++
			return nil
		}), contracts.ErrDuplicateEffect)
		assert.Equal(t, 1, calls)
	})

	t.Run("claiming store switches every guard", func(t *testing.T) {
		store := NewMemoryStore()
		g := NewGuard(Claiming(store), "ns")

		inside := false
		require.NoError(t, g.Run(ctx, "k", func(context.Context) error {
			seen, err := store.Seen(ctx, "ns", "k")
			require.NoError(t, err)
			inside = seen
			return nil
		}))
		assert.True(t, inside, "key is claimed before the effect runs")
	})
}
