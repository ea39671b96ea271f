// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package foodsaga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/glimte/foodsaga/config"
	"github.com/glimte/foodsaga/health"
	"github.com/glimte/foodsaga/idempotency"
	"github.com/glimte/foodsaga/interceptors"
	"github.com/glimte/foodsaga/internal/httpapi"
	"github.com/glimte/foodsaga/internal/rabbitmq"
	"github.com/glimte/foodsaga/internal/reliability"
	"github.com/glimte/foodsaga/messaging"
	"github.com/glimte/foodsaga/metrics"
	"github.com/glimte/foodsaga/monitor"
	"github.com/glimte/foodsaga/saga"
	"github.com/glimte/foodsaga/services/delivery"
	"github.com/glimte/foodsaga/services/kitchen"
	"github.com/glimte/foodsaga/services/notification"
	"github.com/glimte/foodsaga/services/order"
	"github.com/glimte/foodsaga/services/payment"
	rabbitmqTransport "github.com/glimte/foodsaga/transports/rabbitmq"
)

// Transport is what a client needs from the broker: moving messages,
// declaring its topology and reading queue depth
type Transport interface {
	messaging.Transport
	messaging.TopologyDeclarer
	messaging.QueueInspector
}

// Registrar is a domain service that binds its consumers to a bus
type Registrar interface {
	Register(ctx context.Context, bus *messaging.Bus) error
}

// Client runs one saga service: broker topology, bus, idempotency store,
// domain consumers, dead-letter relay, DLQ monitor and the HTTP surface
type Client struct {
	cfg           config.Config
	transport     Transport
	ownsTransport bool
	bus           *messaging.Bus
	metrics       *metrics.ServiceMetrics
	health        *health.Registry
	relay         *reliability.DeadLetterRelay
	relayEnabled  bool
	monitor       *monitor.DLQMonitor
	markers       idempotency.Store
	redis         *redis.Client
	db            *gorm.DB
	router        chi.Router
	logger        *slog.Logger

	service      Registrar
	order        *order.Service
	kitchen      *kitchen.Service
	payment      *payment.Service
	delivery     *delivery.Service
	notification *notification.Service
}

// clientConfig holds client configuration
type clientConfig struct {
	logger        *slog.Logger
	transport     Transport
	markers       idempotency.Store
	gateway       payment.Gateway
	sender        notification.Sender
	relayDisabled bool
	alertHandlers []monitor.AlertHandler
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTransport uses t instead of dialing RabbitMQ. The client does not
// close a transport it was given.
func WithTransport(t Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = t
	}
}

// WithIdempotencyStore overrides the configured marker backend
func WithIdempotencyStore(store idempotency.Store) ClientOption {
	return func(cfg *clientConfig) {
		cfg.markers = store
	}
}

// WithPaymentGateway sets the gateway the payment service charges through
func WithPaymentGateway(g payment.Gateway) ClientOption {
	return func(cfg *clientConfig) {
		cfg.gateway = g
	}
}

// WithNotificationSender sets how the notification service delivers messages
func WithNotificationSender(s notification.Sender) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sender = s
	}
}

// WithoutDeadLetterRelay leaves poison messages in the DLQ instead of
// draining them
func WithoutDeadLetterRelay() ClientOption {
	return func(cfg *clientConfig) {
		cfg.relayDisabled = true
	}
}

// WithAlertHandler adds a DLQ alert handler
func WithAlertHandler(h monitor.AlertHandler) ClientOption {
	return func(cfg *clientConfig) {
		cfg.alertHandlers = append(cfg.alertHandlers, h)
	}
}

// NewClient assembles the service named by cfg.Service
func NewClient(ctx context.Context, cfg config.Config, options ...ClientOption) (*Client, error) {
	if _, err := saga.Bindings(cfg.Service); err != nil {
		return nil, err
	}

	cc := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cc)
	}
	logger := cc.logger.With("service", cfg.Service)

	c := &Client{
		cfg:          cfg,
		transport:    cc.transport,
		relayEnabled: !cc.relayDisabled,
		metrics:      metrics.NewServiceMetrics(cfg.Service),
		health:       health.NewRegistry(),
		logger:       logger,
	}

	if c.transport == nil {
		t, err := rabbitmqTransport.NewTransport(ctx, cfg.RabbitMQURL,
			rabbitmqTransport.WithLogger(logger),
			rabbitmqTransport.WithConsumerOptions(
				rabbitmq.WithPrefetchCount(cfg.Prefetch),
				rabbitmq.WithHandleTimeout(cfg.HandlerTimeout),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		c.transport = t
		c.ownsTransport = true
	}

	if err := c.build(ctx, cc); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) build(ctx context.Context, cc *clientConfig) error {
	cfg := c.cfg

	topology, err := saga.Topology(cfg.Service, cfg.Exchange)
	if err != nil {
		return err
	}
	if err := c.transport.DeclareTopology(ctx, topology); err != nil {
		return fmt.Errorf("failed to declare topology: %w", err)
	}

	breaker := reliability.NewCircuitBreaker(cfg.BreakerOptions("broker")...)
	c.metrics.TrackBreaker(breaker)

	chain := interceptors.NewChain(c.logger).
		Add(interceptors.NewLoggingInterceptor(c.logger)).
		Add(interceptors.NewMetricsInterceptor(c.metrics)).
		Add(interceptors.NewRetryInterceptor(cfg.RetryPolicy()).WithLogger(c.logger)).
		Add(interceptors.NewTimeoutInterceptor(cfg.HandlerTimeout))

	c.bus = messaging.NewBus(c.transport, cfg.Service,
		messaging.WithExchange(cfg.Exchange),
		messaging.WithCircuitBreaker(breaker),
		messaging.WithRetryPolicy(cfg.RetryPolicy()),
		messaging.WithInterceptors(chain),
		messaging.WithPublishRecorder(c.metrics),
		messaging.WithPoisonRecorder(c.metrics),
		messaging.WithBusLogger(c.logger),
	)

	c.markers = cc.markers
	if c.markers == nil {
		markers, err := c.openMarkers(ctx)
		if err != nil {
			return err
		}
		c.markers = markers
	}
	if cfg.AtomicClaim {
		c.markers = idempotency.Claiming(c.markers)
	}

	c.relay = reliability.NewDeadLetterRelay(cfg.Service,
		reliability.WithDeadLetterLogger(c.logger),
		reliability.WithDeadLetterRecorder(c.metrics),
	)

	monitorOpts := []monitor.Option{
		monitor.WithInterval(cfg.DLQPollInterval),
		monitor.WithDepthRecorder(c.metrics),
		monitor.WithLogger(c.logger),
	}
	for _, h := range cc.alertHandlers {
		monitorOpts = append(monitorOpts, monitor.WithAlertHandler(h))
	}
	c.monitor = monitor.NewDLQMonitor(c.transport, []string{c.relay.Queue()}, monitorOpts...)

	c.health.SetMetadata("service", cfg.Service)
	c.health.Register(health.NewBrokerChecker(c.transport))
	c.health.Register(health.NewDeadLetterChecker(c.relay.Queue(), c.transport))
	c.health.Register(health.NewCircuitBreakerChecker(breaker))
	if c.redis != nil {
		c.health.Register(health.NewRedisChecker(c.redis))
	}
	if c.db != nil {
		c.health.Register(health.NewPostgresChecker(c.db))
	}

	c.router = httpapi.NewRouter(c.logger)
	c.router.Get("/health", health.NewHandler(c.health, 5*time.Second).ServeHTTP)
	c.router.Get("/ready", health.ReadinessHandler(c.health))
	c.router.Get("/live", health.LivenessHandler())
	c.router.Handle("/metrics", c.metrics.Handler())

	return c.buildService(cc)
}

func (c *Client) buildService(cc *clientConfig) error {
	switch c.cfg.Service {
	case saga.Order:
		c.order = order.New(c.bus, c.markers, order.WithLogger(c.logger))
		c.service = c.order

		var store idempotency.ResponseStore = idempotency.NewMemoryResponseStore()
		if c.redis != nil {
			store = idempotency.NewRedisResponseStore(c.redis)
		}
		cache := idempotency.NewResponseCache(store, idempotency.WithResponseTTL(c.cfg.ResponseTTL))
		order.NewHandler(c.order, cache, c.logger).Mount(c.router)

	case saga.Kitchen:
		c.kitchen = kitchen.New(c.bus, c.markers, kitchen.WithLogger(c.logger))
		c.service = c.kitchen

	case saga.Payment:
		gatewayBreaker := reliability.NewCircuitBreaker(c.cfg.BreakerOptions("payment-gateway")...)
		c.metrics.TrackBreaker(gatewayBreaker)
		c.health.Register(health.NewCircuitBreakerChecker(gatewayBreaker))

		opts := []payment.Option{
			payment.WithLogger(c.logger),
			payment.WithGatewayBreaker(gatewayBreaker),
		}
		if cc.gateway != nil {
			opts = append(opts, payment.WithGateway(cc.gateway))
		}
		c.payment = payment.New(c.bus, c.markers, opts...)
		c.service = c.payment

	case saga.Delivery:
		c.delivery = delivery.New(c.bus, c.markers,
			delivery.WithLogger(c.logger),
			delivery.WithDriverAssigner(delivery.NewRoundRobin(c.cfg.Drivers...)),
		)
		c.service = c.delivery

	case saga.Notification:
		opts := []notification.Option{notification.WithLogger(c.logger)}
		if cc.sender != nil {
			opts = append(opts, notification.WithSender(cc.sender))
		}
		c.notification = notification.New(c.markers, opts...)
		c.service = c.notification

	default:
		return fmt.Errorf("unknown service %q", c.cfg.Service)
	}
	return nil
}

func (c *Client) openMarkers(ctx context.Context) (idempotency.Store, error) {
	cfg := c.cfg

	if cfg.RedisURL != "" {
		client, err := idempotency.Connect(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		c.redis = client
	}

	switch cfg.IdempotencyBackend {
	case config.BackendRedis:
		return idempotency.NewRedisStore(c.redis, idempotency.WithKeyPrefix("foodsaga:"+cfg.Service+":")), nil

	case config.BackendPostgres:
		db, err := idempotency.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		c.db = db
		store := idempotency.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate processed_events: %w", err)
		}
		return store, nil

	default:
		return idempotency.NewMemoryStore(), nil
	}
}

// Start subscribes the domain consumers and, unless disabled, the dead-letter
// relay. Consumers stop when ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	if err := c.service.Register(ctx, c.bus); err != nil {
		return fmt.Errorf("failed to register %s consumers: %w", c.cfg.Service, err)
	}
	if c.relayEnabled {
		if err := messaging.ConsumeDeadLetters(ctx, c.bus, c.relay); err != nil {
			return fmt.Errorf("failed to start dead letter relay: %w", err)
		}
	}
	bindings, _ := saga.Bindings(c.cfg.Service)
	c.logger.Info("service started", "queues", len(bindings), "relay", c.relayEnabled)
	return nil
}

// Run starts the client and blocks until ctx is cancelled or a component
// fails. The HTTP server listens on cfg.HTTPAddr when it is set.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.monitor.Run(ctx)
	})

	if c.cfg.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              c.cfg.HTTPAddr,
			Handler:           c.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			c.logger.Info("http server listening", "addr", c.cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Name returns the service name
func (c *Client) Name() string {
	return c.cfg.Service
}

// Bus returns the event bus
func (c *Client) Bus() *messaging.Bus {
	return c.bus
}

// Transport returns the broker transport
func (c *Client) Transport() Transport {
	return c.transport
}

// Router returns the HTTP router
func (c *Client) Router() http.Handler {
	return c.router
}

// Health returns the health registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Metrics returns the prometheus collectors of the service
func (c *Client) Metrics() *metrics.ServiceMetrics {
	return c.metrics
}

// Monitor returns the DLQ monitor
func (c *Client) Monitor() *monitor.DLQMonitor {
	return c.monitor
}

// Markers returns the idempotency store
func (c *Client) Markers() idempotency.Store {
	return c.markers
}

// Order returns the order service, or nil on other services
func (c *Client) Order() *order.Service { return c.order }

// Kitchen returns the kitchen service, or nil on other services
func (c *Client) Kitchen() *kitchen.Service { return c.kitchen }

// Payment returns the payment service, or nil on other services
func (c *Client) Payment() *payment.Service { return c.payment }

// Delivery returns the delivery service, or nil on other services
func (c *Client) Delivery() *delivery.Service { return c.delivery }

// Notification returns the notification service, or nil on other services
func (c *Client) Notification() *notification.Service { return c.notification }

// Close closes all resources
func (c *Client) Close() error {
	var errs []error
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.db != nil {
		if sqlDB, err := c.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if c.ownsTransport && c.transport != nil {
		if err := c.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
