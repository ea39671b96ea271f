// Package payment charges accepted orders and refunds them when an order is
// cancelled.
package payment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/foodsaga/contracts"
	"github.com/glimte/foodsaga/idempotency"
	"github.com/glimte/foodsaga/internal/reliability"
	"github.com/glimte/foodsaga/messaging"
	"github.com/glimte/foodsaga/saga"
)

// Status of a payment
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// FailInvalidAmount is the failure reason for a non-positive charge
const FailInvalidAmount = "Invalid amount"

// Payment is a charge for one order
type Payment struct {
	PaymentID    string
	OrderID      string
	Amount       float64
	Status       Status
	Reason       string
	RefundReason contracts.RefundReason
	CreatedAt    time.Time
	RefundedAt   time.Time
}

// Repository stores payments
type Repository interface {
	// Create stores p unless the order already has a payment, in which case
	// it returns the stored one unchanged and false
	Create(ctx context.Context, p Payment) (Payment, bool, error)
	GetByOrder(ctx context.Context, orderID string) (Payment, bool, error)
	// Refund moves a SUCCEEDED payment to REFUNDED and reports whether it did
	Refund(ctx context.Context, orderID string, reason contracts.RefundReason, at time.Time) (Payment, bool, error)
}

// MemoryRepository keeps payments in memory
type MemoryRepository struct {
	mu       sync.Mutex
	payments map[string]Payment
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{payments: make(map[string]Payment)}
}

func (r *MemoryRepository) Create(_ context.Context, p Payment) (Payment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.payments[p.OrderID]; ok {
		return existing, false, nil
	}
	r.payments[p.OrderID] = p
	return p, true, nil
}

func (r *MemoryRepository) GetByOrder(_ context.Context, orderID string) (Payment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[orderID]
	return p, ok, nil
}

func (r *MemoryRepository) Refund(_ context.Context, orderID string, reason contracts.RefundReason, at time.Time) (Payment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[orderID]
	if !ok || p.Status != StatusSucceeded {
		return p, false, nil
	}
	p.Status = StatusRefunded
	p.RefundReason = reason
	p.RefundedAt = at
	r.payments[orderID] = p
	return p, true, nil
}

// Result is the outcome of a charge
type Result struct {
	Status Status
	Reason string
}

// Gateway charges an order
type Gateway interface {
	Charge(ctx context.Context, orderID string, amount float64) (Result, error)
}

// GatewayFunc adapts a function to Gateway
type GatewayFunc func(ctx context.Context, orderID string, amount float64) (Result, error)

func (f GatewayFunc) Charge(ctx context.Context, orderID string, amount float64) (Result, error) {
	return f(ctx, orderID, amount)
}

// ApproveAll approves every positive amount
var ApproveAll = GatewayFunc(func(_ context.Context, _ string, amount float64) (Result, error) {
	if amount <= 0 {
		return Result{Status: StatusFailed, Reason: FailInvalidAmount}, nil
	}
	return Result{Status: StatusSucceeded}, nil
})

// Service is the payment service
type Service struct {
	publisher      messaging.Publisher
	repo           Repository
	gateway        Gateway
	breaker        *reliability.CircuitBreaker
	gatewayTimeout time.Duration
	onAccepted     *idempotency.Guard
	onCancelled    *idempotency.Guard
	logger         *slog.Logger
	now            func() time.Time
}

// Option configures the Service
type Option func(*Service)

// WithRepository sets the payment repository
func WithRepository(repo Repository) Option {
	return func(s *Service) {
		s.repo = repo
	}
}

// WithGateway sets the payment gateway
func WithGateway(gateway Gateway) Option {
	return func(s *Service) {
		s.gateway = gateway
	}
}

// WithGatewayBreaker guards gateway calls with cb
func WithGatewayBreaker(cb *reliability.CircuitBreaker) Option {
	return func(s *Service) {
		s.breaker = cb
	}
}

// WithGatewayTimeout bounds how long a charge is waited for
func WithGatewayTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.gatewayTimeout = d
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

// New creates the payment service
func New(publisher messaging.Publisher, markers idempotency.Store, options ...Option) *Service {
	s := &Service{
		publisher:      publisher,
		repo:           NewMemoryRepository(),
		gateway:        ApproveAll,
		gatewayTimeout: 10 * time.Second,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.breaker == nil {
		s.breaker = reliability.NewCircuitBreaker(reliability.WithName("payment-gateway"))
	}
	s.logger = s.logger.With("component", "payment")
	s.onAccepted = idempotency.NewGuard(markers, saga.QueueName(saga.Payment, contracts.EventKitchenAccepted), idempotency.WithGuardLogger(s.logger))
	s.onCancelled = idempotency.NewGuard(markers, saga.QueueName(saga.Payment, contracts.EventOrderCancelled), idempotency.WithGuardLogger(s.logger))
	return s
}

// Register subscribes the payment consumers
func (s *Service) Register(ctx context.Context, bus *messaging.Bus) error {
	if err := messaging.Consume[contracts.KitchenAccepted](ctx, bus,
		saga.QueueName(saga.Payment, contracts.EventKitchenAccepted), contracts.EventKitchenAccepted, s.HandleKitchenAccepted); err != nil {
		return err
	}
	return messaging.Consume[contracts.OrderCancelled](ctx, bus,
		saga.QueueName(saga.Payment, contracts.EventOrderCancelled), contracts.EventOrderCancelled, s.HandleOrderCancelled)
}

// Payment returns the payment of orderID
func (s *Service) Payment(ctx context.Context, orderID string) (Payment, bool, error) {
	return s.repo.GetByOrder(ctx, orderID)
}

// CircuitBreaker returns the breaker guarding the gateway
func (s *Service) CircuitBreaker() *reliability.CircuitBreaker {
	return s.breaker
}

// HandleKitchenAccepted charges the order total. An order that already has a
// payment is never charged again; its outcome is announced again unless the
// payment has since been refunded.
func (s *Service) HandleKitchenAccepted(ctx context.Context, data contracts.KitchenAccepted, env contracts.Envelope[contracts.KitchenAccepted]) error {
	return s.onAccepted.Run(ctx, data.OrderID, func(ctx context.Context) error {
		log := s.logger.With("traceId", env.TraceID, "orderId", data.OrderID)

		p, exists, err := s.repo.GetByOrder(ctx, data.OrderID)
		if err != nil {
			return err
		}
		if !exists {
			result, err := s.charge(ctx, data.OrderID, data.Total)
			if err != nil {
				log.Error("payment gateway call failed", "error", err)
				return err
			}

			var created bool
			p, created, err = s.repo.Create(ctx, Payment{
				PaymentID: uuid.NewString(),
				OrderID:   data.OrderID,
				Amount:    data.Total,
				Status:    result.Status,
				Reason:    result.Reason,
				CreatedAt: s.now().UTC(),
			})
			if err != nil {
				return err
			}
			exists = !created
		}
		if exists {
			log.Info("payment already recorded", "paymentId", p.PaymentID, "status", p.Status)
		}

		switch p.Status {
		case StatusRefunded:
			return nil
		case StatusSucceeded:
			log.Info("payment succeeded", "paymentId", p.PaymentID, "amount", p.Amount)
			return s.publisher.Publish(ctx, contracts.EventPaymentSucceeded, contracts.NewEnvelope(
				contracts.EventPaymentSucceeded, saga.Payment, env.TraceID,
				contracts.PaymentSucceeded{OrderID: p.OrderID, Amount: p.Amount},
			))
		default:
			log.Warn("payment failed", "reason", p.Reason)
			return s.publisher.Publish(ctx, contracts.EventPaymentFailed, contracts.NewEnvelope(
				contracts.EventPaymentFailed, saga.Payment, env.TraceID,
				contracts.PaymentFailed{OrderID: p.OrderID, Reason: p.Reason},
			))
		}
	})
}

func (s *Service) charge(ctx context.Context, orderID string, amount float64) (Result, error) {
	return reliability.ExecuteValue(ctx, s.breaker, func() (Result, error) {
		return reliability.Race(ctx, "payment gateway charge", s.gatewayTimeout, func(ctx context.Context) (Result, error) {
			return s.gateway.Charge(ctx, orderID, amount)
		})
	})
}

// HandleOrderCancelled refunds a succeeded payment. Orders without a
// payment, or whose payment never succeeded, have nothing to refund. A
// payment already refunded by an earlier attempt is announced again under
// the same event id.
func (s *Service) HandleOrderCancelled(ctx context.Context, data contracts.OrderCancelled, env contracts.Envelope[contracts.OrderCancelled]) error {
	return s.onCancelled.Run(ctx, "cancelled-"+data.OrderID, func(ctx context.Context) error {
		log := s.logger.With("traceId", env.TraceID, "orderId", data.OrderID)

		p, refunded, err := s.repo.Refund(ctx, data.OrderID, contracts.RefundReasonFor(data.Reason), s.now().UTC())
		if err != nil {
			return err
		}
		if p.Status != StatusRefunded {
			log.Warn("no refundable payment for cancelled order", "paymentStatus", p.Status)
			return nil
		}
		if refunded {
			log.Info("payment refunded", "paymentId", p.PaymentID, "amount", p.Amount, "reason", p.RefundReason)
		}

		return s.publisher.Publish(ctx, contracts.EventPaymentRefund, contracts.NewEnvelope(
			contracts.EventPaymentRefund, saga.Payment, env.TraceID,
			contracts.PaymentRefund{
				PaymentID:   p.PaymentID,
				OrderID:     p.OrderID,
				Amount:      p.Amount,
				Reason:      p.RefundReason,
				InitiatedAt: p.RefundedAt,
			},
			contracts.WithEventID("refund-"+p.PaymentID),
		))
	})
}
