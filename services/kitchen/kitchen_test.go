package kitchen

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/foodsaga/contracts"
	"github.com/glimte/foodsaga/idempotency"
	"github.com/glimte/foodsaga/messaging/messagingtest"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newService() (*Service, *messagingtest.Recorder) {
	rec := &messagingtest.Recorder{}
	return New(rec, idempotency.NewMemoryStore(), WithClock(func() time.Time { return fixedNow })), rec
}

// flakyStore fails the first marker write, as a store outage right after a
// committed effect would
type flakyStore struct {
	idempotency.Store
	failed atomic.Bool
}

func (s *flakyStore) MarkSeen(ctx context.Context, namespace, key string) error {
	if s.failed.CompareAndSwap(false, true) {
		return errors.New("marker store unavailable")
	}
	return s.Store.MarkSeen(ctx, namespace, key)
}

func created(orderID string, items ...contracts.OrderItem) (contracts.OrderCreated, contracts.Envelope[contracts.OrderCreated]) {
	data := contracts.OrderCreated{OrderID: orderID, RestaurantID: "r1", Items: items, Total: 50}
	return data, contracts.NewEnvelope(contracts.EventOrderCreated, "order", "trace-1", data)
}

func cancelled(orderID string) (contracts.OrderCancelled, contracts.Envelope[contracts.OrderCancelled]) {
	data := contracts.OrderCancelled{OrderID: orderID, Reason: contracts.ReasonCustomerRequested, CancelledAt: fixedNow}
	return data, contracts.NewEnvelope(contracts.EventOrderCancelled, "order", "trace-2", data, contracts.WithEventID("cancel-"+orderID))
}

func TestHandleOrderCreated(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts an order with items", func(t *testing.T) {
		svc, rec := newService()
		data, env := created("o1", contracts.OrderItem{MenuItemID: "m1", Qty: 2})

		require.NoError(t, svc.HandleOrderCreated(ctx, data, env))

		order, ok, _ := svc.Order(ctx, "o1")
		require.True(t, ok)
		assert.Equal(t, StatusAccepted, order.Status)

		accepted, err := messagingtest.Decode[contracts.KitchenAccepted](rec, contracts.EventKitchenAccepted)
		require.NoError(t, err)
		require.Len(t, accepted, 1)
		assert.Equal(t, contracts.KitchenAccepted{OrderID: "o1", Total: 50}, accepted[0].Data)
		assert.Equal(t, "trace-1", accepted[0].TraceID)
		assert.Equal(t, "kitchen", accepted[0].Producer)
	})

	t.Run("rejects an order without items", func(t *testing.T) {
		svc, rec := newService()
		data, env := created("o2")

		require.NoError(t, svc.HandleOrderCreated(ctx, data, env))

		order, _, _ := svc.Order(ctx, "o2")
		assert.Equal(t, StatusRejected, order.Status)

		rejected, err := messagingtest.Decode[contracts.KitchenRejected](rec, contracts.EventKitchenRejected)
		require.NoError(t, err)
		require.Len(t, rejected, 1)
		assert.Equal(t, RejectNoItems, rejected[0].Data.Reason)
		assert.Empty(t, rec.Envelopes(contracts.EventKitchenAccepted))
	})

	t.Run("redelivery is a duplicate", func(t *testing.T) {
		svc, rec := newService()
		data, env := created("o3", contracts.OrderItem{MenuItemID: "m1", Qty: 1})

		require.NoError(t, svc.HandleOrderCreated(ctx, data, env))
		assert.ErrorIs(t, svc.HandleOrderCreated(ctx, data, env), contracts.ErrDuplicateEffect)
		assert.Len(t, rec.All(), 1)
	})

	t.Run("publish failure leaves the event unprocessed", func(t *testing.T) {
		svc, rec := newService()
		rec.Err = errors.New("broker down")
		data, env := created("o4", contracts.OrderItem{MenuItemID: "m1", Qty: 1})

		assert.Error(t, svc.HandleOrderCreated(ctx, data, env))

		rec.Err = nil
		require.NoError(t, svc.HandleOrderCreated(ctx, data, env))
		assert.Len(t, rec.Envelopes(contracts.EventKitchenAccepted), 1)
	})
}

func TestHandleOrderCancelled(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels the kitchen order and notifies delivery", func(t *testing.T) {
		svc, rec := newService()
		createdData, createdEnv := created("o1", contracts.OrderItem{MenuItemID: "m1", Qty: 1})
		require.NoError(t, svc.HandleOrderCreated(ctx, createdData, createdEnv))
		rec.Reset()

		data, env := cancelled("o1")
		require.NoError(t, svc.HandleOrderCancelled(ctx, data, env))

		order, _, _ := svc.Order(ctx, "o1")
		assert.Equal(t, StatusCancelled, order.Status)
		assert.Equal(t, "customer_requested", order.Reason)

		out, err := messagingtest.Decode[contracts.KitchenOrderCancelled](rec, contracts.EventKitchenOrderCancelled)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "kitchen-cancelled-o1", out[0].EventID)
		assert.Equal(t, "trace-2", out[0].TraceID)
		assert.Equal(t, contracts.ReasonCustomerRequested, out[0].Data.Reason)
		assert.True(t, fixedNow.Equal(out[0].Data.CancelledAt))
	})

	t.Run("unknown order is marked processed without publishing", func(t *testing.T) {
		svc, rec := newService()

		data, env := cancelled("missing")
		require.NoError(t, svc.HandleOrderCancelled(ctx, data, env))
		assert.ErrorIs(t, svc.HandleOrderCancelled(ctx, data, env), contracts.ErrDuplicateEffect)
		assert.Empty(t, rec.All())
	})

	t.Run("is applied once however often it is delivered", func(t *testing.T) {
		svc, rec := newService()
		createdData, createdEnv := created("o1", contracts.OrderItem{MenuItemID: "m1", Qty: 1})
		require.NoError(t, svc.HandleOrderCreated(ctx, createdData, createdEnv))

		data, env := cancelled("o1")
		for i := 0; i < 3; i++ {
			_ = svc.HandleOrderCancelled(ctx, data, env)
		}
		assert.Len(t, rec.Envelopes(contracts.EventKitchenOrderCancelled), 1)
	})
}

func TestRedeliveryAfterMarkerFailure(t *testing.T) {
	ctx := context.Background()
	rec := &messagingtest.Recorder{}
	svc := New(rec, &flakyStore{Store: idempotency.NewMemoryStore()}, WithClock(func() time.Time { return fixedNow }))

	data, env := created("o1", contracts.OrderItem{MenuItemID: "m1", Qty: 1})
	require.Error(t, svc.HandleOrderCreated(ctx, data, env))

	cdata, cenv := cancelled("o1")
	require.NoError(t, svc.HandleOrderCancelled(ctx, cdata, cenv))

	require.NoError(t, svc.HandleOrderCreated(ctx, data, env))

	order, _, _ := svc.Order(ctx, "o1")
	assert.Equal(t, StatusCancelled, order.Status)

	accepted, err := messagingtest.Decode[contracts.KitchenAccepted](rec, contracts.EventKitchenAccepted)
	require.NoError(t, err)
	assert.Len(t, accepted, 1)
}
