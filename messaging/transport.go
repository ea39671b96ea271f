package messaging

import (
	"context"
)

// Delivery is one message handed to a subscriber by the transport
type Delivery interface {
	// MessageID returns the broker message id, if the producer set one
	MessageID() string
	RoutingKey() string
	Body() []byte
	Headers() map[string]interface{}
}

// DeliveryHandler processes one delivery. Returning nil acknowledges the
// message; any error rejects it without requeue so the broker dead-letters it,
// unless the subscription was stopping, in which case it is requeued.
type DeliveryHandler func(ctx context.Context, d Delivery) error

// OutboundMessage is a serialized message ready for the transport
type OutboundMessage struct {
	MessageID   string
	ContentType string
	Body        []byte
	Headers     map[string]interface{}
}

// Transport moves bytes between services. It owns acknowledgement so
// handlers never see broker specifics.
type Transport interface {
	// Publish sends msg to exchange under routingKey. It returns once the
	// message is handed to the broker, not once it is delivered.
	Publish(ctx context.Context, exchange, routingKey string, msg OutboundMessage) error

	// Subscribe starts delivering messages from queue to handler with
	// manual acknowledgement
	Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error

	// Unsubscribe stops consuming from queue
	Unsubscribe(queue string) error

	// IsConnected reports transport health
	IsConnected() bool

	// Close releases every resource
	Close() error
}
