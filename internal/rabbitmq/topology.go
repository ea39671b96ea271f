package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultDeadLetterExchange receives every message a service queue rejects
const DefaultDeadLetterExchange = "dlx"

// Binding binds a queue to the events exchange under a routing key
type Binding struct {
	Queue      string
	RoutingKey string
}

// ServiceTopology is everything one service declares on startup: the shared
// topic exchange, its own durable queues and its dead-letter queue.
type ServiceTopology struct {
	Exchange           string
	DeadLetterExchange string
	DeadLetterQueue    string
	Bindings           []Binding
}

// QueueArguments returns the declaration arguments of a service queue
func (t ServiceTopology) QueueArguments() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    t.deadLetterExchange(),
		"x-dead-letter-routing-key": t.DeadLetterQueue,
	}
}

func (t ServiceTopology) deadLetterExchange() string {
	if t.DeadLetterExchange == "" {
		return DefaultDeadLetterExchange
	}
	return t.DeadLetterExchange
}

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareService declares a service topology. Declarations are idempotent, so
// every instance of a service runs this on startup.
func (tm *TopologyManager) DeclareService(ctx context.Context, t ServiceTopology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return topologyErr("exchange", t.Exchange, "declare", err)
		}

		dlx := t.deadLetterExchange()
		if err := ch.ExchangeDeclare(dlx, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return topologyErr("exchange", dlx, "declare", err)
		}

		if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return topologyErr("queue", t.DeadLetterQueue, "declare", err)
		}
		if err := ch.QueueBind(t.DeadLetterQueue, t.DeadLetterQueue, dlx, false, nil); err != nil {
			return topologyErr("binding", t.DeadLetterQueue, "bind", err)
		}

		args := t.QueueArguments()
		for _, b := range t.Bindings {
			if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, args); err != nil {
				return topologyErr("queue", b.Queue, "declare", err)
			}
			if err := ch.QueueBind(b.Queue, b.RoutingKey, t.Exchange, false, nil); err != nil {
				return topologyErr("binding", b.Queue, "bind", err)
			}
		}
		return nil
	})
}

// QueueDepth returns the number of ready messages in a queue
func (tm *TopologyManager) QueueDepth(ctx context.Context, queue string) (int, error) {
	var depth int
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueInspect(queue)
		if err != nil {
			return err
		}
		depth = q.Messages
		return nil
	})
	if err != nil {
		return 0, topologyErr("queue", queue, "inspect", err)
	}
	return depth, nil
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
}

func topologyErr(component, name, op string, err error) error {
	return &TopologyError{Component: component, Name: name, Op: op, Err: err, Timestamp: time.Now()}
}
