package messaging

import (
	"log/slog"
	"time"

	"github.com/glimte/foodsaga/interceptors"
	"github.com/glimte/foodsaga/internal/reliability"
	"github.com/glimte/foodsaga/schema"
)

// DefaultExchange is the topic exchange every event is published to
const DefaultExchange = "events"

// Header names set on every published message
const (
	HeaderTraceID      = "traceId"
	HeaderEventType    = "eventType"
	HeaderEventVersion = "eventVersion"
	HeaderProducer     = "producer"
)

// PublishRecorder receives publish outcomes
type PublishRecorder interface {
	RecordPublished(routingKey, outcome string, duration time.Duration)
}

// PoisonRecorder counts rejected deliveries
type PoisonRecorder interface {
	RecordPoison(queue, reason string)
}

// Bus publishes and consumes envelopes for one producing service
type Bus struct {
	transport      Transport
	producer       string
	exchange       string
	circuitBreaker *reliability.CircuitBreaker
	retryPolicy    reliability.RetryPolicy
	registry       *schema.Registry
	chain          *interceptors.Chain
	publishMetrics PublishRecorder
	poisonMetrics  PoisonRecorder
	logger         *slog.Logger
}

// BusOption configures the Bus
type BusOption func(*Bus)

// WithExchange sets the topic exchange
func WithExchange(exchange string) BusOption {
	return func(b *Bus) {
		b.exchange = exchange
	}
}

// WithCircuitBreaker sets the breaker guarding publishes
func WithCircuitBreaker(cb *reliability.CircuitBreaker) BusOption {
	return func(b *Bus) {
		b.circuitBreaker = cb
	}
}

// WithRetryPolicy sets the publish retry policy
func WithRetryPolicy(policy reliability.RetryPolicy) BusOption {
	return func(b *Bus) {
		b.retryPolicy = policy
	}
}

// WithSchemaRegistry sets the registry payloads are validated against
func WithSchemaRegistry(registry *schema.Registry) BusOption {
	return func(b *Bus) {
		b.registry = registry
	}
}

// WithInterceptors sets the chain every consumer handler runs behind
func WithInterceptors(chain *interceptors.Chain) BusOption {
	return func(b *Bus) {
		b.chain = chain
	}
}

// WithPublishRecorder sets the publish metrics recorder
func WithPublishRecorder(recorder PublishRecorder) BusOption {
	return func(b *Bus) {
		b.publishMetrics = recorder
	}
}

// WithPoisonRecorder sets the poison metrics recorder
func WithPoisonRecorder(recorder PoisonRecorder) BusOption {
	return func(b *Bus) {
		b.poisonMetrics = recorder
	}
}

// WithBusLogger sets the logger
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates a bus that publishes as producer
func NewBus(transport Transport, producer string, options ...BusOption) *Bus {
	b := &Bus{
		transport:   transport,
		producer:    producer,
		exchange:    DefaultExchange,
		retryPolicy: reliability.DefaultBackoff(),
		registry:    schema.Events(),
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	if b.circuitBreaker == nil {
		b.circuitBreaker = reliability.NewCircuitBreaker(reliability.WithName("broker"))
	}
	if b.chain == nil {
		b.chain = interceptors.NewChain(b.logger).Add(interceptors.NewLoggingInterceptor(b.logger))
	}
	b.logger = b.logger.With("producer", producer)
	return b
}

// Producer returns the name envelopes are published under
func (b *Bus) Producer() string {
	return b.producer
}

// Exchange returns the topic exchange
func (b *Bus) Exchange() string {
	return b.exchange
}

// CircuitBreaker returns the breaker guarding publishes
func (b *Bus) CircuitBreaker() *reliability.CircuitBreaker {
	return b.circuitBreaker
}

// Transport returns the underlying transport
func (b *Bus) Transport() Transport {
	return b.transport
}

// Close closes the transport
func (b *Bus) Close() error {
	if b.transport == nil {
		return nil
	}
	return b.transport.Close()
}
