// Package delivery assigns drivers to paid orders and releases them when an
// order is cancelled.
//
// Cancellation arrives on two paths: kitchen.order.cancelled, relayed by the
// kitchen, and order.cancelled directly from the order service. Each path has
// its own dedupe key. The release itself is a conditional update, so the
// first path to arrive publishes delivery.cancelled and the other is a no-op.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/foodsaga/contracts"
	"github.com/glimte/foodsaga/idempotency"
	"github.com/glimte/foodsaga/messaging"
	"github.com/glimte/foodsaga/saga"
)

// Status of a delivery
type Status string

const (
	StatusAssigned  Status = "ASSIGNED"
	StatusCancelled Status = "CANCELLED"
)

// ErrNoDrivers is returned when the driver pool is empty
var ErrNoDrivers = errors.New("delivery: no drivers available")

// Delivery is the driver assignment of one order
type Delivery struct {
	OrderID          string
	DriverID         string
	Status           Status
	Reason           contracts.CancelReason
	ReleasedDriverID string
	// ReleasedBy names the cancellation path that released the driver
	ReleasedBy  string
	Announced   bool
	AssignedAt  time.Time
	CancelledAt time.Time
}

// Repository stores deliveries
type Repository interface {
	Get(ctx context.Context, orderID string) (Delivery, bool, error)
	// Create stores d unless the order already has a delivery, in which case
	// it returns the stored one unchanged and false
	Create(ctx context.Context, d Delivery) (Delivery, bool, error)
	// Release cancels an assigned delivery on behalf of path. It reports true
	// when path owns the release and has not announced it yet.
	Release(ctx context.Context, orderID, path string, reason contracts.CancelReason, at time.Time) (Delivery, bool, error)
	MarkAnnounced(ctx context.Context, orderID string) error
}

// MemoryRepository keeps deliveries in memory
type MemoryRepository struct {
	mu         sync.Mutex
	deliveries map[string]Delivery
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{deliveries: make(map[string]Delivery)}
}

func (r *MemoryRepository) Get(_ context.Context, orderID string) (Delivery, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[orderID]
	return d, ok, nil
}

func (r *MemoryRepository) Create(_ context.Context, d Delivery) (Delivery, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.deliveries[d.OrderID]; ok {
		return existing, false, nil
	}
	r.deliveries[d.OrderID] = d
	return d, true, nil
}

func (r *MemoryRepository) Release(_ context.Context, orderID, path string, reason contracts.CancelReason, at time.Time) (Delivery, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[orderID]
	if !ok {
		return d, false, nil
	}
	if d.Status == StatusCancelled {
		return d, d.ReleasedBy == path && !d.Announced, nil
	}
	d.Status = StatusCancelled
	d.Reason = reason
	d.ReleasedDriverID = d.DriverID
	d.ReleasedBy = path
	d.CancelledAt = at
	r.deliveries[orderID] = d
	return d, true, nil
}

func (r *MemoryRepository) MarkAnnounced(_ context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[orderID]
	if !ok {
		return &contracts.NotFoundError{Resource: "delivery", ID: orderID}
	}
	d.Announced = true
	r.deliveries[orderID] = d
	return nil
}

// DriverAssigner picks a driver for an order
type DriverAssigner interface {
	Assign(ctx context.Context, orderID string) (string, error)
}

// RoundRobin hands out drivers from a fixed pool in turn
type RoundRobin struct {
	mu      sync.Mutex
	drivers []string
	next    int
}

// NewRoundRobin creates an assigner over drivers
func NewRoundRobin(drivers ...string) *RoundRobin {
	return &RoundRobin{drivers: append([]string(nil), drivers...)}
}

// Assign implements DriverAssigner
func (r *RoundRobin) Assign(context.Context, string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.drivers) == 0 {
		return "", ErrNoDrivers
	}
	d := r.drivers[r.next%len(r.drivers)]
	r.next++
	return d, nil
}

// Service is the delivery service
type Service struct {
	publisher       messaging.Publisher
	repo            Repository
	drivers         DriverAssigner
	onPaid          *idempotency.Guard
	onKitchenCancel *idempotency.Guard
	onDirectCancel  *idempotency.Guard
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures the Service
type Option func(*Service)

// WithRepository sets the delivery repository
func WithRepository(repo Repository) Option {
	return func(s *Service) {
		s.repo = repo
	}
}

// WithDriverAssigner sets how drivers are picked
func WithDriverAssigner(a DriverAssigner) Option {
	return func(s *Service) {
		s.drivers = a
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

// New creates the delivery service
func New(publisher messaging.Publisher, markers idempotency.Store, options ...Option) *Service {
	s := &Service{
		publisher: publisher,
		repo:      NewMemoryRepository(),
		drivers:   NewRoundRobin("driver-1", "driver-2", "driver-3"),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "delivery")
	guard := func(namespace string) *idempotency.Guard {
		return idempotency.NewGuard(markers, namespace, idempotency.WithGuardLogger(s.logger))
	}
	s.onPaid = guard(saga.QueueName(saga.Delivery, contracts.EventPaymentSucceeded))
	s.onKitchenCancel = guard(saga.QueueName(saga.Delivery, contracts.EventKitchenOrderCancelled))
	s.onDirectCancel = guard(saga.DirectCancelQueue)
	return s
}

// Register subscribes the delivery consumers
func (s *Service) Register(ctx context.Context, bus *messaging.Bus) error {
	if err := messaging.Consume[contracts.PaymentSucceeded](ctx, bus,
		saga.QueueName(saga.Delivery, contracts.EventPaymentSucceeded), contracts.EventPaymentSucceeded, s.HandlePaymentSucceeded); err != nil {
		return err
	}
	if err := messaging.Consume[contracts.KitchenOrderCancelled](ctx, bus,
		saga.QueueName(saga.Delivery, contracts.EventKitchenOrderCancelled), contracts.EventKitchenOrderCancelled, s.HandleKitchenOrderCancelled); err != nil {
		return err
	}
	return messaging.Consume[contracts.OrderCancelled](ctx, bus,
		saga.DirectCancelQueue, contracts.EventOrderCancelled, s.HandleOrderCancelled)
}

// Delivery returns the delivery of orderID
func (s *Service) Delivery(ctx context.Context, orderID string) (Delivery, bool, error) {
	return s.repo.Get(ctx, orderID)
}

// HandlePaymentSucceeded assigns a driver to the paid order. A delivery that
// already exists keeps its driver: an assigned one is announced again and a
// cancelled one is left alone.
func (s *Service) HandlePaymentSucceeded(ctx context.Context, data contracts.PaymentSucceeded, env contracts.Envelope[contracts.PaymentSucceeded]) error {
	return s.onPaid.Run(ctx, data.OrderID, func(ctx context.Context) error {
		log := s.logger.With("traceId", env.TraceID, "orderId", data.OrderID)

		d, exists, err := s.repo.Get(ctx, data.OrderID)
		if err != nil {
			return err
		}
		if !exists {
			driverID, err := s.drivers.Assign(ctx, data.OrderID)
			if err != nil {
				return err
			}
			var created bool
			d, created, err = s.repo.Create(ctx, Delivery{
				OrderID:    data.OrderID,
				DriverID:   driverID,
				Status:     StatusAssigned,
				AssignedAt: s.now().UTC(),
			})
			if err != nil {
				return err
			}
			exists = !created
		}

		if d.Status == StatusCancelled {
			log.Info("delivery already cancelled", "releasedBy", d.ReleasedBy)
			return nil
		}
		if exists {
			log.Info("driver already assigned", "driverId", d.DriverID)
		} else {
			log.Info("driver assigned", "driverId", d.DriverID)
		}

		return s.publisher.Publish(ctx, contracts.EventDeliveryAssigned, contracts.NewEnvelope(
			contracts.EventDeliveryAssigned, saga.Delivery, env.TraceID,
			contracts.DeliveryAssigned{OrderID: d.OrderID, DriverID: d.DriverID},
		))
	})
}

// HandleKitchenOrderCancelled releases the driver on the kitchen path
func (s *Service) HandleKitchenOrderCancelled(ctx context.Context, data contracts.KitchenOrderCancelled, env contracts.Envelope[contracts.KitchenOrderCancelled]) error {
	return s.onKitchenCancel.Run(ctx, "delivery-cancel-"+data.OrderID, func(ctx context.Context) error {
		return s.release(ctx, data.OrderID, data.Reason, data.CancelledAt, env.TraceID, "kitchen")
	})
}

// HandleOrderCancelled releases the driver on the direct path, covering a
// kitchen event that is missing or late
func (s *Service) HandleOrderCancelled(ctx context.Context, data contracts.OrderCancelled, env contracts.Envelope[contracts.OrderCancelled]) error {
	return s.onDirectCancel.Run(ctx, "delivery-direct-cancel-"+data.OrderID, func(ctx context.Context) error {
		return s.release(ctx, data.OrderID, data.Reason, data.CancelledAt, env.TraceID, "direct")
	})
}

func (s *Service) release(ctx context.Context, orderID string, reason contracts.CancelReason, cancelledAt time.Time, traceID, path string) error {
	log := s.logger.With("traceId", traceID, "orderId", orderID, "path", path)

	d, owner, err := s.repo.Release(ctx, orderID, path, reason, cancelledAt)
	if err != nil {
		return err
	}
	switch {
	case d.OrderID == "":
		log.Warn("delivery not found for cancellation")
		return nil
	case !owner:
		log.Info("delivery already cancelled", "releasedBy", d.ReleasedBy)
		return nil
	}
	log.Info("delivery marked as cancelled", "driverId", d.ReleasedDriverID)

	err = s.publisher.Publish(ctx, contracts.EventDeliveryCancelled, contracts.NewEnvelope(
		contracts.EventDeliveryCancelled, saga.Delivery, traceID,
		contracts.DeliveryCancelled{
			OrderID:     orderID,
			DriverID:    d.ReleasedDriverID,
			Reason:      d.Reason,
			CancelledAt: d.CancelledAt,
		},
		contracts.WithEventID("delivery-cancelled-"+orderID),
	))
	if err != nil {
		return err
	}
	return s.repo.MarkAnnounced(ctx, orderID)
}
