package messaging

import (
	"context"

	"github.com/glimte/foodsaga/internal/reliability"
)

// ConsumeDeadLetters drains the DLQ of the relay's service. Each message is
// logged by the relay and acknowledged.
func ConsumeDeadLetters(ctx context.Context, bus *Bus, relay *reliability.DeadLetterRelay) error {
	if bus.transport == nil {
		return ErrNoTransport
	}

	queue := relay.Queue()
	return bus.transport.Subscribe(ctx, queue, func(ctx context.Context, d Delivery) error {
		return relay.Handle(ctx, reliability.DeadLetter{
			Queue:      queue,
			MessageID:  d.MessageID(),
			RoutingKey: d.RoutingKey(),
			Body:       d.Body(),
			Headers:    d.Headers(),
		})
	})
}
