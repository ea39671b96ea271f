package messaging

import (
	"context"
)

// QueueBinding binds a service queue to a routing key on the events exchange
type QueueBinding struct {
	Queue      string
	RoutingKey string
}

// ServiceTopology is the broker layout one service declares on startup
type ServiceTopology struct {
	Service         string
	Exchange        string
	DeadLetterQueue string
	Bindings        []QueueBinding
}

// TopologyDeclarer declares exchanges, queues and bindings. Declaring the
// same topology twice is a no-op.
type TopologyDeclarer interface {
	DeclareTopology(ctx context.Context, t ServiceTopology) error
}

// QueueInspector reports the number of ready messages in a queue
type QueueInspector interface {
	QueueDepth(ctx context.Context, queue string) (int, error)
}
