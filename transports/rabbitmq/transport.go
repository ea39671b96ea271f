package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/foodsaga/internal/rabbitmq"
	"github.com/glimte/foodsaga/messaging"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	logger    *slog.Logger
	closeOnce sync.Once
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions  []rabbitmq.ConnectionOption
	ChannelPoolOptions []rabbitmq.ChannelPoolOption
	PublisherOptions   []rabbitmq.PublisherOption
	ConsumerOptions    []rabbitmq.ConsumerOption
	Logger             *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithChannelPoolOptions sets channel pool options
func WithChannelPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ChannelPoolOptions = append(cfg.ChannelPoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger shared by every broker component
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker and prepares publishing and consuming
func NewTransport(ctx context.Context, connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(cfg.Logger)}, cfg.ChannelPoolOptions...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	conOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	return &Transport{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, pubOpts...),
		consumer:  rabbitmq.NewConsumer(manager, conOpts...),
		topology:  rabbitmq.NewTopologyManager(pool),
		logger:    cfg.Logger,
	}, nil
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, msg messaging.OutboundMessage) error {
	return t.publisher.Publish(ctx, exchange, routingKey, amqp.Publishing{
		MessageId:    msg.MessageID,
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table(msg.Headers),
		Body:         msg.Body,
	})
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, queue string, handler messaging.DeliveryHandler) error {
	return t.consumer.Subscribe(ctx, queue, func(ctx context.Context, d amqp.Delivery) error {
		return handler(ctx, &deliveryAdapter{delivery: d})
	})
}

// Unsubscribe implements messaging.Transport
func (t *Transport) Unsubscribe(queue string) error {
	return t.consumer.Unsubscribe(queue)
}

// DeclareTopology implements messaging.TopologyDeclarer
func (t *Transport) DeclareTopology(ctx context.Context, st messaging.ServiceTopology) error {
	bindings := make([]rabbitmq.Binding, len(st.Bindings))
	for i, b := range st.Bindings {
		bindings[i] = rabbitmq.Binding{Queue: b.Queue, RoutingKey: b.RoutingKey}
	}
	return t.topology.DeclareService(ctx, rabbitmq.ServiceTopology{
		Exchange:        st.Exchange,
		DeadLetterQueue: st.DeadLetterQueue,
		Bindings:        bindings,
	})
}

// QueueDepth implements messaging.QueueInspector
func (t *Transport) QueueDepth(ctx context.Context, queue string) (int, error) {
	return t.topology.QueueDepth(ctx, queue)
}

// IsConnected implements messaging.Transport
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// ConnectionManager exposes the connection for health checks
func (t *Transport) ConnectionManager() *rabbitmq.ConnectionManager {
	return t.manager
}

// Close stops every consumer, then releases channels and the connection
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.consumer.UnsubscribeAll()
		if perr := t.pool.Close(); perr != nil {
			t.logger.Warn("failed to close channel pool", "error", perr)
		}
		err = t.manager.Close()
	})
	return err
}

// deliveryAdapter adapts amqp.Delivery to messaging.Delivery
type deliveryAdapter struct {
	delivery amqp.Delivery
}

// MessageID implements messaging.Delivery
func (d *deliveryAdapter) MessageID() string {
	return d.delivery.MessageId
}

// RoutingKey implements messaging.Delivery
func (d *deliveryAdapter) RoutingKey() string {
	return d.delivery.RoutingKey
}

// Body implements messaging.Delivery
func (d *deliveryAdapter) Body() []byte {
	return d.delivery.Body
}

// Headers implements messaging.Delivery
func (d *deliveryAdapter) Headers() map[string]interface{} {
	headers := make(map[string]interface{}, len(d.delivery.Headers))
	for k, v := range d.delivery.Headers {
		headers[k] = v
	}
	return headers
}
