package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/foodsaga/contracts"
	"github.com/glimte/foodsaga/idempotency"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSender struct {
	sent []Notification
	err  error
}

func (r *recordingSender) Send(_ context.Context, n Notification) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

func newService() (*Service, *recordingSender) {
	sender := &recordingSender{}
	return New(idempotency.NewMemoryStore(),
		WithSender(sender),
		WithClock(func() time.Time { return fixedNow }),
	), sender
}

func envelope[T any](eventType string, data T) contracts.Envelope[T] {
	return contracts.NewEnvelope(eventType, "test", "trace-1", data)
}

func TestHandlers(t *testing.T) {
	ctx := context.Background()
	refund := 50.0

	tests := []struct {
		name   string
		handle func(*Service) error
		typ    Type
		key    string
		title  string
		body   string
	}{
		{
			name: "order created",
			handle: func(s *Service) error {
				d := contracts.OrderCreated{OrderID: "o1", Items: []contracts.OrderItem{{MenuItemID: "m", Qty: 1}}, Total: 12.5}
				return s.HandleOrderCreated(ctx, d, envelope(contracts.EventOrderCreated, d))
			},
			typ: TypeOrderCreated, key: "order_created_o1",
			body: "We received your order of 1 item(s), total $12.5.",
		},
		{
			name: "kitchen accepted",
			handle: func(s *Service) error {
				d := contracts.KitchenAccepted{OrderID: "o1", Total: 50}
				return s.HandleKitchenAccepted(ctx, d, envelope(contracts.EventKitchenAccepted, d))
			},
			typ: TypeKitchenAccepted, key: "kitchen_accepted_o1",
		},
		{
			name: "kitchen rejected",
			handle: func(s *Service) error {
				d := contracts.KitchenRejected{OrderID: "o1", Reason: "No items in order"}
				return s.HandleKitchenRejected(ctx, d, envelope(contracts.EventKitchenRejected, d))
			},
			typ: TypeKitchenRejected, key: "kitchen_rejected_o1",
			body: "The restaurant could not take your order. Reason: No items in order",
		},
		{
			name: "kitchen order cancelled",
			handle: func(s *Service) error {
				d := contracts.KitchenOrderCancelled{OrderID: "o1", Reason: contracts.ReasonCustomerRequested}
				return s.HandleKitchenOrderCancelled(ctx, d, envelope(contracts.EventKitchenOrderCancelled, d))
			},
			typ: TypeKitchenCancelled, key: "kitchen-cancelled-o1",
		},
		{
			name: "payment succeeded",
			handle: func(s *Service) error {
				d := contracts.PaymentSucceeded{OrderID: "o1", Amount: 50}
				return s.HandlePaymentSucceeded(ctx, d, envelope(contracts.EventPaymentSucceeded, d))
			},
			typ: TypePaymentSucceeded, key: "payment_succeeded_o1",
			body: "$50 was charged to your payment method.",
		},
		{
			name: "payment failed",
			handle: func(s *Service) error {
				d := contracts.PaymentFailed{OrderID: "o1", Reason: "Invalid amount"}
				return s.HandlePaymentFailed(ctx, d, envelope(contracts.EventPaymentFailed, d))
			},
			typ: TypePaymentFailed, key: "payment_failed_o1",
		},
		{
			name: "delivery assigned",
			handle: func(s *Service) error {
				d := contracts.DeliveryAssigned{OrderID: "o1", DriverID: "driver-2"}
				return s.HandleDeliveryAssigned(ctx, d, envelope(contracts.EventDeliveryAssigned, d))
			},
			typ: TypeDeliveryAssigned, key: "delivery_assigned_o1",
			body: "Driver driver-2 will deliver your order.",
		},
		{
			name: "order cancelled with refund",
			handle: func(s *Service) error {
				d := contracts.OrderCancelled{OrderID: "o1", Reason: contracts.ReasonCustomerRequested, RefundAmount: &refund}
				return s.HandleOrderCancelled(ctx, d, envelope(contracts.EventOrderCancelled, d))
			},
			typ: TypeOrderCancelled, key: "cancelled-o1",
			title: "Order o1 has been cancelled",
			body:  "Reason: customer requested. Amount refunded: $50",
		},
		{
			name: "order cancelled without refund",
			handle: func(s *Service) error {
				d := contracts.OrderCancelled{OrderID: "o1", Reason: contracts.ReasonKitchenRejected}
				return s.HandleOrderCancelled(ctx, d, envelope(contracts.EventOrderCancelled, d))
			},
			typ: TypeOrderCancelled, key: "cancelled-o1",
			body: "Reason: kitchen rejected.",
		},
		{
			name: "payment refund",
			handle: func(s *Service) error {
				d := contracts.PaymentRefund{PaymentID: "p1", OrderID: "o1", Amount: 50, Reason: contracts.RefundCustomerCancellation}
				return s.HandlePaymentRefund(ctx, d, envelope(contracts.EventPaymentRefund, d))
			},
			typ: TypePaymentRefund, key: "refund-p1",
			title: "Payment Refund for Order o1",
			body:  "$50 has been refunded to your original payment method. Reason: customer cancellation",
		},
		{
			name: "delivery cancelled",
			handle: func(s *Service) error {
				d := contracts.DeliveryCancelled{OrderID: "o1", DriverID: "driver-1", Reason: contracts.ReasonCustomerRequested}
				return s.HandleDeliveryCancelled(ctx, d, envelope(contracts.EventDeliveryCancelled, d))
			},
			typ: TypeDeliveryCancelled, key: "delivery-cancel-o1",
			title: "Delivery Cancelled for Order o1",
			body:  "Your delivery has been cancelled. Reason: customer requested",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, sender := newService()

			require.NoError(t, tt.handle(svc))
			assert.ErrorIs(t, tt.handle(svc), contracts.ErrDuplicateEffect)

			require.Len(t, sender.sent, 1)
			n := sender.sent[0]
			assert.Equal(t, tt.typ, n.Type)
			assert.Equal(t, tt.key, n.Key)
			assert.Equal(t, "o1", n.OrderID)
			assert.Equal(t, "trace-1", n.TraceID)
			assert.Equal(t, fixedNow, n.CreatedAt)
			if tt.title != "" {
				assert.Equal(t, tt.title, n.Title)
			}
			if tt.body != "" {
				assert.Equal(t, tt.body, n.Body)
			}

			stored, err := svc.Notifications(ctx, "o1")
			require.NoError(t, err)
			assert.Len(t, stored, 1)
		})
	}
}

func TestCancellationNotifications(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()

	oc := contracts.OrderCancelled{OrderID: "o1", Reason: contracts.ReasonCustomerRequested}
	pr := contracts.PaymentRefund{PaymentID: "p1", OrderID: "o1", Amount: 50, Reason: contracts.RefundCustomerCancellation}
	dc := contracts.DeliveryCancelled{OrderID: "o1", DriverID: "driver-1", Reason: contracts.ReasonCustomerRequested}

	require.NoError(t, svc.HandleOrderCancelled(ctx, oc, envelope(contracts.EventOrderCancelled, oc)))
	require.NoError(t, svc.HandlePaymentRefund(ctx, pr, envelope(contracts.EventPaymentRefund, pr)))
	require.NoError(t, svc.HandleDeliveryCancelled(ctx, dc, envelope(contracts.EventDeliveryCancelled, dc)))

	stored, err := svc.Notifications(ctx, "o1")
	require.NoError(t, err)
	var types []Type
	for _, n := range stored {
		types = append(types, n.Type)
	}
	assert.ElementsMatch(t, []Type{TypeOrderCancelled, TypePaymentRefund, TypeDeliveryCancelled}, types)
}

func TestSendFailure(t *testing.T) {
	ctx := context.Background()
	svc, sender := newService()
	sender.err = errors.New("smtp down")

	d := contracts.PaymentSucceeded{OrderID: "o1", Amount: 50}
	env := envelope(contracts.EventPaymentSucceeded, d)
	require.Error(t, svc.HandlePaymentSucceeded(ctx, d, env))

	sender.err = nil
	require.NoError(t, svc.HandlePaymentSucceeded(ctx, d, env), "a failed send is retried on redelivery")
	assert.Len(t, sender.sent, 1)

	stored, _ := svc.Notifications(ctx, "o1")
	assert.Len(t, stored, 1)
}

func TestMoney(t *testing.T) {
	assert.Equal(t, "50", money(50))
	assert.Equal(t, "100", money(100))
	assert.Equal(t, "12.5", money(12.5))
	assert.Equal(t, "9.99", money(9.99))
}
