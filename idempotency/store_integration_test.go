//go:build integration

package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()

	client, err := Connect(url)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	store := NewRedisStore(client, WithMarkerTTL(time.Minute))
	key := "cancelled-" + uuid.NewString()

	t.Run("set nx has one winner", func(t *testing.T) {
		first, err := store.TryMark(ctx, "kitchen.order_cancelled", key)
		require.NoError(t, err)
		second, err := store.TryMark(ctx, "kitchen.order_cancelled", key)
		require.NoError(t, err)
		assert.True(t, first)
		assert.False(t, second)

		seen, err := store.Seen(ctx, "kitchen.order_cancelled", key)
		require.NoError(t, err)
		assert.True(t, seen)
	})

	t.Run("marker carries the ttl", func(t *testing.T) {
		ttl, err := client.TTL(ctx, "processed:kitchen.order_cancelled:"+key).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
	})

	t.Run("unmark frees the key", func(t *testing.T) {
		other := "claim-" + uuid.NewString()
		ok, err := store.TryMark(ctx, "payment.kitchen_accepted", other)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, store.Unmark(ctx, "payment.kitchen_accepted", other))
		ok, err = store.TryMark(ctx, "payment.kitchen_accepted", other)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("response store round trips", func(t *testing.T) {
		cache := NewResponseCache(NewRedisResponseStore(client), WithResponseTTL(time.Minute))
		idemKey := uuid.NewString()
		require.NoError(t, cache.Store(ctx, idemKey, "scope", []byte("b"), 200, "application/json", []byte(`{"ok":true}`)))

		cached, err := cache.Lookup(ctx, idemKey, "scope", []byte("b"))
		require.NoError(t, err)
		require.NotNil(t, cached)
		assert.Equal(t, []byte(`{"ok":true}`), cached.Body)
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()

	db, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))

	key := "refund-" + uuid.NewString()

	seen, err := store.Seen(ctx, "notification.payment_refund", key)
	require.NoError(t, err)
	assert.False(t, seen)

	first, err := store.TryMark(ctx, "notification.payment_refund", key)
	require.NoError(t, err)
	second, err := store.TryMark(ctx, "notification.payment_refund", key)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	require.NoError(t, store.MarkSeen(ctx, "notification.payment_refund", key))
	seen, err = store.Seen(ctx, "notification.payment_refund", key)
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, store.Unmark(ctx, "notification.payment_refund", key))
	seen, err = store.Seen(ctx, "notification.payment_refund", key)
	require.NoError(t, err)
	assert.False(t, seen)
}
