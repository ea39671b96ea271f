// Package order owns the order aggregate. It accepts the create and cancel
// commands, starts the cancellation saga, and follows the forward flow of an
// order through kitchen, payment and delivery.
package order

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/glimte/foodsaga/contracts"
	"github.com/glimte/foodsaga/idempotency"
	"github.com/glimte/foodsaga/messaging"
	"github.com/glimte/foodsaga/saga"
)

// Status of an order
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusKitchenAccepted  Status = "KITCHEN_ACCEPTED"
	StatusPaid             Status = "PAID"
	StatusDeliveryAssigned Status = "DELIVERY_ASSIGNED"
	StatusDelivered        Status = "DELIVERED"
	StatusCancelled        Status = "CANCELLED"
)

var rank = map[Status]int{
	StatusCreated:          0,
	StatusKitchenAccepted:  1,
	StatusPaid:             2,
	StatusDeliveryAssigned: 3,
	StatusDelivered:        4,
}

// Terminal reports whether no transition leaves s
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusDelivered
}

// Order is the order aggregate
type Order struct {
	ID           string
	RestaurantID string
	Items        []contracts.OrderItem
	Total        float64
	Status       Status
	CancelReason contracts.CancelReason
	// CancelAnnounced is set once order.cancelled has been published
	CancelAnnounced bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CancelledAt     time.Time
}

// Repository stores orders. Advance and Cancel are conditional updates.
type Repository interface {
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, bool, error)
	// Discard removes an order that was never announced
	Discard(ctx context.Context, id string) error
	// Advance moves the order forward to status. It never leaves a terminal
	// status or moves backwards, and reports whether it changed anything.
	Advance(ctx context.Context, id string, status Status, at time.Time) (Order, bool, error)
	// Cancel moves a non-cancelled order to CANCELLED and reports whether it did
	Cancel(ctx context.Context, id string, reason contracts.CancelReason, at time.Time) (Order, bool, error)
	MarkCancelAnnounced(ctx context.Context, id string) error
}

// MemoryRepository keeps orders in memory
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[string]Order
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[string]Order)}
}

func (r *MemoryRepository) Create(_ context.Context, o Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; !ok {
		r.orders[o.ID] = o
	}
	return nil
}

func (r *MemoryRepository) Discard(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, id)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	return o, ok, nil
}

func (r *MemoryRepository) Advance(_ context.Context, id string, status Status, at time.Time) (Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return Order{}, false, nil
	}
	if o.Status.Terminal() || rank[status] <= rank[o.Status] {
		return o, false, nil
	}
	o.Status = status
	o.UpdatedAt = at
	r.orders[id] = o
	return o, true, nil
}

func (r *MemoryRepository) Cancel(_ context.Context, id string, reason contracts.CancelReason, at time.Time) (Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return Order{}, false, nil
	}
	if o.Status == StatusCancelled {
		return o, false, nil
	}
	o.Status = StatusCancelled
	o.CancelReason = reason
	o.CancelledAt = at
	o.UpdatedAt = at
	r.orders[id] = o
	return o, true, nil
}

func (r *MemoryRepository) MarkCancelAnnounced(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orders[id]; ok {
		o.CancelAnnounced = true
		r.orders[id] = o
	}
	return nil
}

// CreateInput is the create command
type CreateInput struct {
	RestaurantID string                `json:"restaurantId"`
	Items        []contracts.OrderItem `json:"items"`
	Total        float64               `json:"total"`
}

// CancelResult is the outcome of the cancel command
type CancelResult struct {
	Order            Order
	AlreadyCancelled bool
	TraceID          string
}

// Service is the order service
type Service struct {
	publisher messaging.Publisher
	repo      Repository
	guards    map[string]*idempotency.Guard
	cancels   singleflight.Group
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures the Service
type Option func(*Service)

// WithRepository sets the order repository
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

// WithIDGenerator sets how order ids and trace ids are generated
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		s.newID = newID
	}
}

// New creates the order service
func New(publisher messaging.Publisher, markers idempotency.Store, options ...Option) *Service {
	s := &Service{
		publisher: publisher,
		repo:      NewMemoryRepository(),
		guards:    make(map[string]*idempotency.Guard),
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "order")

	bindings, _ := saga.Bindings(saga.Order)
	for _, b := range bindings {
		s.guards[b.RoutingKey] = idempotency.NewGuard(markers, b.Queue, idempotency.WithGuardLogger(s.logger))
	}
	return s
}

// Order returns the order with id
func (s *Service) Order(ctx context.Context, id string) (Order, error) {
	o, ok, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !ok {
		return Order{}, &contracts.NotFoundError{Resource: "order", ID: id}
	}
	return o, nil
}

// Create places an order and publishes order.created. An order whose
// order.created could not be published is discarded, so a retried request
// does not leave an orphan behind.
func (s *Service) Create(ctx context.Context, in CreateInput) (Order, error) {
	if err := validateCreate(in); err != nil {
		return Order{}, err
	}

	items := in.Items
	if items == nil {
		items = []contracts.OrderItem{}
	}
	now := s.now().UTC()
	o := Order{
		ID:           s.newID(),
		RestaurantID: in.RestaurantID,
		Items:        items,
		Total:        in.Total,
		Status:       StatusCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, o); err != nil {
		return Order{}, err
	}

	traceID := s.newID()
	s.logger.Info("order created", "orderId", o.ID, "traceId", traceID, "total", o.Total)

	err := s.publisher.Publish(ctx, contracts.EventOrderCreated, contracts.NewEnvelope(
		contracts.EventOrderCreated, saga.Order, traceID,
		contracts.OrderCreated{
			OrderID:      o.ID,
			RestaurantID: o.RestaurantID,
			Items:        o.Items,
			Total:        o.Total,
		},
	))
	if err != nil {
		if derr := s.repo.Discard(context.WithoutCancel(ctx), o.ID); derr != nil {
			s.logger.Error("failed to discard unannounced order", "orderId", o.ID, "error", derr)
		}
		return Order{}, err
	}
	return o, nil
}

func validateCreate(in CreateInput) error {
	if in.RestaurantID == "" {
		return &contracts.ValidationError{Field: "restaurantId", Message: "required field is missing"}
	}
	if in.Total <= 0 {
		return &contracts.ValidationError{Field: "total", Message: "must be greater than 0"}
	}
	for i, item := range in.Items {
		if item.MenuItemID == "" {
			return &contracts.ValidationError{Field: fmt.Sprintf("items[%d].menuItemId", i), Message: "required field is missing"}
		}
		if item.Qty < 1 {
			return &contracts.ValidationError{Field: fmt.Sprintf("items[%d].qty", i), Message: "must be at least 1"}
		}
	}
	return nil
}

// Cancel validates reason, cancels the order and starts the compensation
// saga. Cancelling an order that is already cancelled succeeds without a new
// mutation or publish. A cancellation whose event was never published is
// published again.
func (s *Service) Cancel(ctx context.Context, id, reason string) (CancelResult, error) {
	r, err := contracts.ParseCancelReason(reason)
	if err != nil {
		return CancelResult{}, err
	}
	return s.cancel(ctx, id, r, s.newID())
}

// cancel runs at most one cancellation of an order at a time in this
// process; concurrent callers share its result. Instances that race each
// other still publish the same cancel-{id} event, which consumers dedupe.
func (s *Service) cancel(ctx context.Context, id string, reason contracts.CancelReason, traceID string) (CancelResult, error) {
	v, err, _ := s.cancels.Do(id, func() (interface{}, error) {
		return s.cancelOnce(ctx, id, reason, traceID)
	})
	if err != nil {
		return CancelResult{}, err
	}
	return v.(CancelResult), nil
}

func (s *Service) cancelOnce(ctx context.Context, id string, reason contracts.CancelReason, traceID string) (CancelResult, error) {
	log := s.logger.With("orderId", id, "traceId", traceID)

	o, changed, err := s.repo.Cancel(ctx, id, reason, s.now().UTC())
	if err != nil {
		return CancelResult{}, err
	}
	if o.ID == "" {
		return CancelResult{}, &contracts.NotFoundError{Resource: "order", ID: id}
	}
	if !changed && o.CancelAnnounced {
		log.Warn("order already cancelled")
		return CancelResult{Order: o, AlreadyCancelled: true, TraceID: traceID}, nil
	}

	refund := o.Total
	err = s.publisher.Publish(ctx, contracts.EventOrderCancelled, contracts.NewEnvelope(
		contracts.EventOrderCancelled, saga.Order, traceID,
		contracts.OrderCancelled{
			OrderID:      o.ID,
			Reason:       o.CancelReason,
			CancelledAt:  o.CancelledAt,
			RefundAmount: &refund,
		},
		contracts.WithEventID("cancel-"+o.ID),
	))
	if err != nil {
		return CancelResult{}, err
	}
	if err := s.repo.MarkCancelAnnounced(ctx, o.ID); err != nil {
		return CancelResult{}, err
	}
	o.CancelAnnounced = true

	log.Info("order cancellation initiated", "reason", o.CancelReason)
	return CancelResult{Order: o, TraceID: traceID}, nil
}

// Register subscribes the order consumers
func (s *Service) Register(ctx context.Context, bus *messaging.Bus) error {
	q := func(key string) string { return saga.QueueName(saga.Order, key) }

	if err := messaging.Consume[contracts.OrderCreated](ctx, bus, q(contracts.EventOrderCreated), contracts.EventOrderCreated, s.HandleOrderCreated); err != nil {
		return err
	}
	if err := messaging.Consume[contracts.KitchenAccepted](ctx, bus, q(contracts.EventKitchenAccepted), contracts.EventKitchenAccepted, s.HandleKitchenAccepted); err != nil {
		return err
	}
	if err := messaging.Consume[contracts.KitchenRejected](ctx, bus, q(contracts.EventKitchenRejected), contracts.EventKitchenRejected, s.HandleKitchenRejected); err != nil {
		return err
	}
	if err := messaging.Consume[contracts.PaymentSucceeded](ctx, bus, q(contracts.EventPaymentSucceeded), contracts.EventPaymentSucceeded, s.HandlePaymentSucceeded); err != nil {
		return err
	}
	if err := messaging.Consume[contracts.PaymentFailed](ctx, bus, q(contracts.EventPaymentFailed), contracts.EventPaymentFailed, s.HandlePaymentFailed); err != nil {
		return err
	}
	return messaging.Consume[contracts.DeliveryAssigned](ctx, bus, q(contracts.EventDeliveryAssigned), contracts.EventDeliveryAssigned, s.HandleDeliveryAssigned)
}

// HandleOrderCreated records an order announced by another instance
func (s *Service) HandleOrderCreated(ctx context.Context, data contracts.OrderCreated, env contracts.Envelope[contracts.OrderCreated]) error {
	return s.guards[contracts.EventOrderCreated].Run(ctx, data.OrderID, func(ctx context.Context) error {
		at := env.OccurredAt.UTC()
		return s.repo.Create(ctx, Order{
			ID:           data.OrderID,
			RestaurantID: data.RestaurantID,
			Items:        data.Items,
			Total:        data.Total,
			Status:       StatusCreated,
			CreatedAt:    at,
			UpdatedAt:    at,
		})
	})
}

func (s *Service) HandleKitchenAccepted(ctx context.Context, data contracts.KitchenAccepted, env contracts.Envelope[contracts.KitchenAccepted]) error {
	return s.advance(ctx, contracts.EventKitchenAccepted, data.OrderID, StatusKitchenAccepted, env.TraceID)
}

func (s *Service) HandlePaymentSucceeded(ctx context.Context, data contracts.PaymentSucceeded, env contracts.Envelope[contracts.PaymentSucceeded]) error {
	return s.advance(ctx, contracts.EventPaymentSucceeded, data.OrderID, StatusPaid, env.TraceID)
}

func (s *Service) HandleDeliveryAssigned(ctx context.Context, data contracts.DeliveryAssigned, env contracts.Envelope[contracts.DeliveryAssigned]) error {
	return s.advance(ctx, contracts.EventDeliveryAssigned, data.OrderID, StatusDeliveryAssigned, env.TraceID)
}

// HandleKitchenRejected cancels the order the kitchen refused
func (s *Service) HandleKitchenRejected(ctx context.Context, data contracts.KitchenRejected, env contracts.Envelope[contracts.KitchenRejected]) error {
	return s.cancelUpstream(ctx, contracts.EventKitchenRejected, data.OrderID, contracts.ReasonKitchenRejected, env.TraceID)
}

// HandlePaymentFailed cancels the order whose charge was declined
func (s *Service) HandlePaymentFailed(ctx context.Context, data contracts.PaymentFailed, env contracts.Envelope[contracts.PaymentFailed]) error {
	return s.cancelUpstream(ctx, contracts.EventPaymentFailed, data.OrderID, contracts.ReasonPaymentFailed, env.TraceID)
}

// MarkDelivered completes an order
func (s *Service) MarkDelivered(ctx context.Context, id string) (Order, error) {
	o, changed, err := s.repo.Advance(ctx, id, StatusDelivered, s.now().UTC())
	if err != nil {
		return Order{}, err
	}
	if o.ID == "" {
		return Order{}, &contracts.NotFoundError{Resource: "order", ID: id}
	}
	if !changed && o.Status != StatusDelivered {
		return Order{}, &contracts.ValidationError{Field: "status", Message: fmt.Sprintf("order is %s", o.Status)}
	}
	return o, nil
}

func (s *Service) advance(ctx context.Context, routingKey, id string, to Status, traceID string) error {
	return s.guards[routingKey].Run(ctx, id, func(ctx context.Context) error {
		log := s.logger.With("orderId", id, "traceId", traceID)

		o, changed, err := s.repo.Advance(ctx, id, to, s.now().UTC())
		if err != nil {
			return err
		}
		switch {
		case o.ID == "":
			log.Warn("order not found", "event", routingKey)
		case !changed:
			log.Info("order status unchanged", "status", o.Status, "event", routingKey)
		default:
			log.Info("order status updated", "status", to)
		}
		return nil
	})
}

func (s *Service) cancelUpstream(ctx context.Context, routingKey, id string, reason contracts.CancelReason, traceID string) error {
	return s.guards[routingKey].Run(ctx, id, func(ctx context.Context) error {
		_, err := s.cancel(ctx, id, reason, traceID)
		if contracts.IsNotFound(err) {
			s.logger.Warn("order not found for cancellation", "orderId", id, "traceId", traceID, "event", routingKey)
			return nil
		}
		return err
	})
}
