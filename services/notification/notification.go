// Package notification turns every event of the order flow into a persisted
// user-facing message.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glimte/foodsaga/contracts"
	"github.com/glimte/foodsaga/idempotency"
	"github.com/glimte/foodsaga/messaging"
	"github.com/glimte/foodsaga/saga"
)

// Type classifies a notification
type Type string

const (
	TypeOrderCreated      Type = "ORDER_CREATED"
	TypeKitchenAccepted   Type = "KITCHEN_ACCEPTED"
	TypeKitchenRejected   Type = "KITCHEN_REJECTED"
	TypeKitchenCancelled  Type = "KITCHEN_CANCELLED"
	TypePaymentSucceeded  Type = "PAYMENT_SUCCEEDED"
	TypePaymentFailed     Type = "PAYMENT_FAILED"
	TypeDeliveryAssigned  Type = "DELIVERY_ASSIGNED"
	TypeOrderCancelled    Type = "ORDER_CANCELLED"
	TypePaymentRefund     Type = "PAYMENT_REFUND"
	TypeDeliveryCancelled Type = "DELIVERY_CANCELLED"
)

// Notification is one message shown to the customer
type Notification struct {
	Key       string
	OrderID   string
	Type      Type
	Title     string
	Body      string
	TraceID   string
	CreatedAt time.Time
}

// Repository stores notifications
type Repository interface {
	Save(ctx context.Context, n Notification) error
	ListByOrder(ctx context.Context, orderID string) ([]Notification, error)
}

// MemoryRepository keeps notifications in memory. Saving a key twice keeps
// the first record.
type MemoryRepository struct {
	mu    sync.RWMutex
	byKey map[string]Notification
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byKey: make(map[string]Notification)}
}

func (r *MemoryRepository) Save(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[n.Key]; !ok {
		r.byKey[n.Key] = n
	}
	return nil
}

func (r *MemoryRepository) ListByOrder(_ context.Context, orderID string) ([]Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Notification
	for _, n := range r.byKey {
		if n.OrderID == orderID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Sender delivers a notification to the customer
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log. It stands in for an email or
// SMS provider.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender
func (s LogSender) Send(_ context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification sent",
		"type", n.Type,
		"orderId", n.OrderID,
		"title", n.Title,
		"body", n.Body,
		"traceId", n.TraceID,
	)
	return nil
}

// Service is the notification service
type Service struct {
	repo   Repository
	sender Sender
	guards map[string]*idempotency.Guard
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the Service
type Option func(*Service)

// WithRepository sets the notification repository
func WithRepository(repo Repository) Option {
	return func(s *Service) {
		s.repo = repo
	}
}

// WithSender sets the delivery channel
func WithSender(sender Sender) Option {
	return func(s *Service) {
		s.sender = sender
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates the notification service
func New(markers idempotency.Store, options ...Option) *Service {
	s := &Service{
		repo:   NewMemoryRepository(),
		guards: make(map[string]*idempotency.Guard),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "notification")
	if s.sender == nil {
		s.sender = LogSender{Logger: s.logger}
	}
	for _, key := range contracts.AllEvents {
		s.guards[key] = idempotency.NewGuard(markers, saga.QueueName(saga.Notification, key), idempotency.WithGuardLogger(s.logger))
	}
	return s
}

// Register subscribes one consumer per routing key
func (s *Service) Register(ctx context.Context, bus *messaging.Bus) error {
	q := func(key string) string { return saga.QueueName(saga.Notification, key) }

	registrations := []func() error{
		func() error {
			return messaging.Consume[contracts.OrderCreated](ctx, bus, q(contracts.EventOrderCreated), contracts.EventOrderCreated, s.HandleOrderCreated)
		},
		func() error {
			return messaging.Consume[contracts.KitchenAccepted](ctx, bus, q(contracts.EventKitchenAccepted), contracts.EventKitchenAccepted, s.HandleKitchenAccepted)
		},
		func() error {
			return messaging.Consume[contracts.KitchenRejected](ctx, bus, q(contracts.EventKitchenRejected), contracts.EventKitchenRejected, s.HandleKitchenRejected)
		},
		func() error {
			return messaging.Consume[contracts.KitchenOrderCancelled](ctx, bus, q(contracts.EventKitchenOrderCancelled), contracts.EventKitchenOrderCancelled, s.HandleKitchenOrderCancelled)
		},
		func() error {
			return messaging.Consume[contracts.PaymentSucceeded](ctx, bus, q(contracts.EventPaymentSucceeded), contracts.EventPaymentSucceeded, s.HandlePaymentSucceeded)
		},
		func() error {
			return messaging.Consume[contracts.PaymentFailed](ctx, bus, q(contracts.EventPaymentFailed), contracts.EventPaymentFailed, s.HandlePaymentFailed)
		},
		func() error {
			return messaging.Consume[contracts.DeliveryAssigned](ctx, bus, q(contracts.EventDeliveryAssigned), contracts.EventDeliveryAssigned, s.HandleDeliveryAssigned)
		},
		func() error {
			return messaging.Consume[contracts.OrderCancelled](ctx, bus, q(contracts.EventOrderCancelled), contracts.EventOrderCancelled, s.HandleOrderCancelled)
		},
		func() error {
			return messaging.Consume[contracts.PaymentRefund](ctx, bus, q(contracts.EventPaymentRefund), contracts.EventPaymentRefund, s.HandlePaymentRefund)
		},
		func() error {
			return messaging.Consume[contracts.DeliveryCancelled](ctx, bus, q(contracts.EventDeliveryCancelled), contracts.EventDeliveryCancelled, s.HandleDeliveryCancelled)
		},
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}

// Notifications returns the notifications of orderID, oldest first
func (s *Service) Notifications(ctx context.Context, orderID string) ([]Notification, error) {
	return s.repo.ListByOrder(ctx, orderID)
}

func (s *Service) HandleOrderCreated(ctx context.Context, data contracts.OrderCreated, env contracts.Envelope[contracts.OrderCreated]) error {
	return s.notify(ctx, env.EventType, "order_created_"+data.OrderID, Notification{
		OrderID: data.OrderID,
		Type:    TypeOrderCreated,
		Title:   fmt.Sprintf("Order %s received", data.OrderID),
		Body:    fmt.Sprintf("We received your order of %d item(s), total $%s.", len(data.Items), money(data.Total)),
		TraceID: env.TraceID,
	})
}

func (s *Service) HandleKitchenAccepted(ctx context.Context, data contracts.KitchenAccepted, env contracts.Envelope[contracts.KitchenAccepted]) error {
	return s.notify(ctx, env.EventType, "kitchen_accepted_"+data.OrderID, Notification{
		OrderID: data.OrderID,
		Type:    TypeKitchenAccepted,
		Title:   fmt.Sprintf("Order %s accepted", data.OrderID),
		Body:    "The restaurant is preparing your order.",
		TraceID: env.TraceID,
	})
}

func (s *Service) HandleKitchenRejected(ctx context.Context, data contracts.KitchenRejected, env contracts.Envelope[contracts.KitchenRejected]) error {
	return s.notify(ctx, env.EventType, "kitchen_rejected_"+data.OrderID, Notification{
		OrderID: data.OrderID,
		Type:    TypeKitchenRejected,
		Title:   fmt.Sprintf("Order %s rejected", data.OrderID),
		Body:    "The restaurant could not take your order. Reason: " + data.Reason,
		TraceID: env.TraceID,
	})
}

func (s *Service) HandleKitchenOrderCancelled(ctx context.Context, data contracts.KitchenOrderCancelled, env contracts.Envelope[contracts.KitchenOrderCancelled]) error {
	return s.notify(ctx, env.EventType, "kitchen-cancelled-"+data.OrderID, Notification{
		OrderID: data.OrderID,
		Type:    TypeKitchenCancelled,
		Title:   fmt.Sprintf("Kitchen stopped order %s", data.OrderID),
		Body:    "The restaurant stopped preparing your order. Reason: " + humanize(string(data.Reason)),
		TraceID: env.TraceID,
	})
}

func (s *Service) HandlePaymentSucceeded(ctx context.Context, data contracts.PaymentSucceeded, env contracts.Envelope[contracts.PaymentSucceeded]) error {
	return s.notify(ctx, env.EventType, "payment_succeeded_"+data.OrderID, Notification{
		OrderID: data.OrderID,
		Type:    TypePaymentSucceeded,
		Title:   fmt.Sprintf("Payment for order %s received", data.OrderID),
		Body:    fmt.Sprintf("$%s was charged to your payment method.", money(data.Amount)),
		TraceID: env.TraceID,
	})
}

func (s *Service) HandlePaymentFailed(ctx context.Context, data contracts.PaymentFailed, env contracts.Envelope[contracts.PaymentFailed]) error {
	return s.notify(ctx, env.EventType, "payment_failed_"+data.OrderID, Notification{
		OrderID: data.OrderID,
		Type:    TypePaymentFailed,
		Title:   fmt.Sprintf("Payment for order %s failed", data.OrderID),
		Body:    "We could not charge your payment method. Reason: " + data.Reason,
		TraceID: env.TraceID,
	})
}

func (s *Service) HandleDeliveryAssigned(ctx context.Context, data contracts.DeliveryAssigned, env contracts.Envelope[contracts.DeliveryAssigned]) error {
	return s.notify(ctx, env.EventType, "delivery_assigned_"+data.OrderID, Notification{
		OrderID: data.OrderID,
		Type:    TypeDeliveryAssigned,
		Title:   fmt.Sprintf("Driver assigned to order %s", data.OrderID),
		Body:    fmt.Sprintf("Driver %s will deliver your order.", data.DriverID),
		TraceID: env.TraceID,
	})
}

func (s *Service) HandleOrderCancelled(ctx context.Context, data contracts.OrderCancelled, env contracts.Envelope[contracts.OrderCancelled]) error {
	body := fmt.Sprintf("Reason: %s.", humanize(string(data.Reason)))
	if data.RefundAmount != nil && *data.RefundAmount > 0 {
		body += fmt.Sprintf(" Amount refunded: $%s", money(*data.RefundAmount))
	}
	return s.notify(ctx, env.EventType, "cancelled-"+data.OrderID, Notification{
		OrderID: data.OrderID,
		Type:    TypeOrderCancelled,
		Title:   fmt.Sprintf("Order %s has been cancelled", data.OrderID),
		Body:    body,
		TraceID: env.TraceID,
	})
}

func (s *Service) HandlePaymentRefund(ctx context.Context, data contracts.PaymentRefund, env contracts.Envelope[contracts.PaymentRefund]) error {
	return s.notify(ctx, env.EventType, "refund-"+data.PaymentID, Notification{
		OrderID: data.OrderID,
		Type:    TypePaymentRefund,
		Title:   fmt.Sprintf("Payment Refund for Order %s", data.OrderID),
		Body: fmt.Sprintf("$%s has been refunded to your original payment method. Reason: %s",
			money(data.Amount), humanize(string(data.Reason))),
		TraceID: env.TraceID,
	})
}

func (s *Service) HandleDeliveryCancelled(ctx context.Context, data contracts.DeliveryCancelled, env contracts.Envelope[contracts.DeliveryCancelled]) error {
	return s.notify(ctx, env.EventType, "delivery-cancel-"+data.OrderID, Notification{
		OrderID: data.OrderID,
		Type:    TypeDeliveryCancelled,
		Title:   fmt.Sprintf("Delivery Cancelled for Order %s", data.OrderID),
		Body:    "Your delivery has been cancelled. Reason: " + humanize(string(data.Reason)),
		TraceID: env.TraceID,
	})
}

// notify persists and sends n under key. The record is saved before sending
// so a redelivery after a failed send does not create a second record.
func (s *Service) notify(ctx context.Context, routingKey, key string, n Notification) error {
	guard, ok := s.guards[routingKey]
	if !ok {
		return &contracts.ValidationError{Field: "eventType", Message: "no notification for " + routingKey}
	}
	return guard.Run(ctx, key, func(ctx context.Context) error {
		n.Key = key
		n.CreatedAt = s.now().UTC()
		if err := s.repo.Save(ctx, n); err != nil {
			return err
		}
		return s.sender.Send(ctx, n)
	})
}

func humanize(reason string) string {
	return strings.ReplaceAll(reason, "_", " ")
}

func money(amount float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", amount), "0"), ".")
}
