package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes a delivery. A nil error acknowledges the message,
// any error rejects it without requeue so the broker dead-letters it. A
// failure while the subscription is stopping is requeued instead.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer runs manual-ack subscriptions. Each subscription owns a channel,
// deliveries are handled concurrently up to the prefetch count.
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	handleTimeout time.Duration
	resubscribe   time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]*subscription
}

type subscription struct {
	queue  string
	cancel context.CancelFunc
	done   chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the per-channel prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithHandleTimeout bounds a single handler invocation
func WithHandleTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handleTimeout = timeout
	}
}

// WithResubscribeDelay sets the pause between attempts to re-open a lost subscription
func WithResubscribeDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribe = delay
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		handleTimeout: 30 * time.Second,
		resubscribe:   2 * time.Second,
		logger:        slog.Default(),
		active:        make(map[string]*subscription),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Subscribe starts consuming queue. It returns once the first subscription is
// open; if the channel is lost later it is re-opened until ctx ends or
// Unsubscribe is called.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	c.mu.Lock()
	if _, exists := c.active[queue]; exists {
		c.mu.Unlock()
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: fmt.Errorf("already subscribed"), Timestamp: time.Now()}
	}
	c.mu.Unlock()

	ch, deliveries, err := c.open(queue)
	if err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{queue: queue, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.active[queue] = sub
	c.mu.Unlock()

	go c.run(subCtx, sub, ch, deliveries, handler)

	c.logger.Info("subscribed to queue", "queue", queue, "prefetchCount", c.prefetchCount)
	return nil
}

func (c *Consumer) open(queue string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	conn, err := c.manager.GetConnection()
	if err != nil {
		return nil, nil, &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, &ConsumerError{Queue: queue, Op: "open channel", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, nil, &ConsumerError{Queue: queue, Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	return ch, deliveries, nil
}

func (c *Consumer) run(ctx context.Context, sub *subscription, ch *amqp.Channel, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	var inflight sync.WaitGroup
	defer func() {
		inflight.Wait()
		if ch != nil && !ch.IsClosed() {
			ch.Close()
		}
		c.mu.Lock()
		delete(c.active, sub.queue)
		c.mu.Unlock()
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-deliveries:
			if ok {
				inflight.Add(1)
				go func() {
					defer inflight.Done()
					c.dispatch(ctx, sub.queue, d, handler)
				}()
				continue
			}

			c.logger.Warn("delivery channel closed", "queue", sub.queue)
			ch, deliveries = c.reopen(ctx, sub.queue)
			if deliveries == nil {
				return
			}
		}
	}
}

func (c *Consumer) reopen(ctx context.Context, queue string) (*amqp.Channel, <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(c.resubscribe):
		}

		ch, deliveries, err := c.open(queue)
		if err == nil {
			c.logger.Info("resubscribed to queue", "queue", queue)
			return ch, deliveries
		}
		c.logger.Warn("resubscribe failed", "queue", queue, "error", err)
	}
}

// dispatch runs the handler for one delivery and settles it. A panicking
// handler is treated like a failing one.
func (c *Consumer) dispatch(ctx context.Context, queue string, d amqp.Delivery, handler MessageHandler) {
	msgCtx, cancel := context.WithTimeout(ctx, c.handleTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(msgCtx, d)
	}()

	if err != nil {
		requeue := ctx.Err() != nil
		if requeue {
			c.logger.Info("requeueing message interrupted by shutdown", "queue", queue, "messageId", d.MessageId)
		}
		if nackErr := d.Nack(false, requeue); nackErr != nil {
			c.logger.Error("failed to nack message",
				"queue", queue,
				"messageId", d.MessageId,
				"requeue", requeue,
				"error", nackErr,
				"originalError", err,
			)
		}
		return
	}

	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "queue", queue, "messageId", d.MessageId, "error", ackErr)
	}
}

// Unsubscribe stops consuming queue and waits for in-flight handlers
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.active[queue]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops every subscription
func (c *Consumer) UnsubscribeAll() {
	for _, queue := range c.ActiveQueues() {
		if err := c.Unsubscribe(queue); err != nil {
			c.logger.Debug("unsubscribe skipped", "queue", queue, "error", err)
		}
	}
}

// ActiveQueues returns the queues currently consumed
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	return queues
}
