// Package kitchen decides whether the kitchen takes an order and releases
// kitchen work when an order is cancelled.
package kitchen

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/foodsaga/contracts"
	"github.com/glimte/foodsaga/idempotency"
	"github.com/glimte/foodsaga/messaging"
	"github.com/glimte/foodsaga/saga"
)

// Status of a kitchen order
type Status string

const (
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// RejectNoItems is the rejection reason for an empty order
const RejectNoItems = "No items in order"

// Order is the kitchen's projection of an order
type Order struct {
	OrderID      string
	RestaurantID string
	Items        []contracts.OrderItem
	Total        float64
	Status       Status
	Reason       string
	CancelledAt  time.Time
	UpdatedAt    time.Time
}

// Repository stores kitchen orders
type Repository interface {
	Get(ctx context.Context, orderID string) (Order, bool, error)
	// Create stores order unless one with the same id exists, in which case
	// it returns the stored one unchanged and false
	Create(ctx context.Context, order Order) (Order, bool, error)
	Save(ctx context.Context, order Order) error
}

// MemoryRepository keeps kitchen orders in memory
type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[string]Order
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[string]Order)}
}

func (r *MemoryRepository) Get(_ context.Context, orderID string) (Order, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[orderID]
	return o, ok, nil
}

func (r *MemoryRepository) Create(_ context.Context, order Order) (Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.orders[order.OrderID]; ok {
		return existing, false, nil
	}
	r.orders[order.OrderID] = order
	return order, true, nil
}

func (r *MemoryRepository) Save(_ context.Context, order Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.OrderID] = order
	return nil
}

// Service is the kitchen service
type Service struct {
	publisher   messaging.Publisher
	repo        Repository
	onCreated   *idempotency.Guard
	onCancelled *idempotency.Guard
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures the Service
type Option func(*Service)

// WithRepository sets the kitchen order repository
func WithRepository(repo Repository) Option {
	return func(s *Service) {
		s.repo = repo
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

// New creates the kitchen service. markers holds the processed event
// markers of every kitchen consumer.
func New(publisher messaging.Publisher, markers idempotency.Store, options ...Option) *Service {
	s := &Service{
		publisher: publisher,
		repo:      NewMemoryRepository(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "kitchen")
	s.onCreated = idempotency.NewGuard(markers, saga.QueueName(saga.Kitchen, contracts.EventOrderCreated), idempotency.WithGuardLogger(s.logger))
	s.onCancelled = idempotency.NewGuard(markers, saga.QueueName(saga.Kitchen, contracts.EventOrderCancelled), idempotency.WithGuardLogger(s.logger))
	return s
}

// Register subscribes the kitchen consumers
func (s *Service) Register(ctx context.Context, bus *messaging.Bus) error {
	if err := messaging.Consume[contracts.OrderCreated](ctx, bus,
		saga.QueueName(saga.Kitchen, contracts.EventOrderCreated), contracts.EventOrderCreated, s.HandleOrderCreated); err != nil {
		return err
	}
	return messaging.Consume[contracts.OrderCancelled](ctx, bus,
		saga.QueueName(saga.Kitchen, contracts.EventOrderCancelled), contracts.EventOrderCancelled, s.HandleOrderCancelled)
}

// Order returns the kitchen order of orderID
func (s *Service) Order(ctx context.Context, orderID string) (Order, bool, error) {
	return s.repo.Get(ctx, orderID)
}

// HandleOrderCreated accepts an order with items and rejects an empty one.
// A decision already recorded is announced again, unless the order has been
// cancelled since.
func (s *Service) HandleOrderCreated(ctx context.Context, data contracts.OrderCreated, env contracts.Envelope[contracts.OrderCreated]) error {
	return s.onCreated.Run(ctx, data.OrderID, func(ctx context.Context) error {
		log := s.logger.With("traceId", env.TraceID, "orderId", data.OrderID)
		order := Order{
			OrderID:      data.OrderID,
			RestaurantID: data.RestaurantID,
			Items:        data.Items,
			Total:        data.Total,
			Status:       StatusAccepted,
			UpdatedAt:    s.now().UTC(),
		}
		if len(data.Items) == 0 {
			order.Status = StatusRejected
			order.Reason = RejectNoItems
		}

		order, created, err := s.repo.Create(ctx, order)
		if err != nil {
			return err
		}
		if !created {
			log.Info("kitchen decision already recorded", "status", order.Status)
		}

		switch order.Status {
		case StatusRejected:
			log.Info("kitchen rejected order", "reason", order.Reason)
			return s.publisher.Publish(ctx, contracts.EventKitchenRejected, contracts.NewEnvelope(
				contracts.EventKitchenRejected, saga.Kitchen, env.TraceID,
				contracts.KitchenRejected{OrderID: order.OrderID, Reason: order.Reason},
			))
		case StatusAccepted:
			log.Info("kitchen accepted order", "items", len(order.Items))
			return s.publisher.Publish(ctx, contracts.EventKitchenAccepted, contracts.NewEnvelope(
				contracts.EventKitchenAccepted, saga.Kitchen, env.TraceID,
				contracts.KitchenAccepted{OrderID: order.OrderID, Total: order.Total},
			))
		}
		return nil
	})
}

// HandleOrderCancelled cancels the kitchen order and tells delivery. An
// unknown order has nothing to compensate and is only marked processed.
func (s *Service) HandleOrderCancelled(ctx context.Context, data contracts.OrderCancelled, env contracts.Envelope[contracts.OrderCancelled]) error {
	return s.onCancelled.Run(ctx, "cancelled-"+data.OrderID, func(ctx context.Context) error {
		log := s.logger.With("traceId", env.TraceID, "orderId", data.OrderID)

		order, ok, err := s.repo.Get(ctx, data.OrderID)
		if err != nil {
			return err
		}
		if !ok {
			log.Warn("kitchen order not found for cancellation")
			return nil
		}

		order.Status = StatusCancelled
		order.Reason = string(data.Reason)
		order.CancelledAt = data.CancelledAt
		order.UpdatedAt = s.now().UTC()
		if err := s.repo.Save(ctx, order); err != nil {
			return err
		}
		log.Info("kitchen order marked as cancelled")

		return s.publisher.Publish(ctx, contracts.EventKitchenOrderCancelled, contracts.NewEnvelope(
			contracts.EventKitchenOrderCancelled, saga.Kitchen, env.TraceID,
			contracts.KitchenOrderCancelled{
				OrderID:     data.OrderID,
				Reason:      data.Reason,
				CancelledAt: data.CancelledAt,
			},
			contracts.WithEventID("kitchen-cancelled-"+data.OrderID),
		))
	})
}
