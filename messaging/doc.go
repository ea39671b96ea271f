// Package messaging is the event bus client every service is built on.
//
// Bus.Publish serializes an envelope, marks it persistent and sends it to
// the shared topic exchange without waiting for broker confirmation. Each
// publish runs through a circuit breaker and a bounded retry.
//
// Consume subscribes a typed handler to a service queue with manual
// acknowledgement. For every delivery it parses the envelope, falls back to
// the traceId header (then a generated id) when the body carries none,
// validates the payload against the registered schema and runs the handler
// behind the bus interceptor chain. Success acknowledges the message; a
// schema failure or handler error is rejected without requeue so the broker
// dead-letters it. Nothing is retried inside the consume loop itself.
//
// Example usage:
//
//	bus := messaging.NewBus(transport, "kitchen",
//	    messaging.WithSchemaRegistry(schema.Events()),
//	    messaging.WithBusLogger(logger),
//	)
//
//	err := messaging.Consume(ctx, bus, "kitchen_service.order_cancelled", contracts.EventOrderCancelled,
//	    func(ctx context.Context, data contracts.OrderCancelled, env contracts.Envelope[contracts.OrderCancelled]) error {
//	        return svc.HandleOrderCancelled(ctx, env)
//	    })
package messaging
