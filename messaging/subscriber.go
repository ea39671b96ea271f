package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/glimte/foodsaga/contracts"
	"github.com/glimte/foodsaga/interceptors"
	"github.com/glimte/foodsaga/internal/reliability"
)

// Handler handles the decoded payload of one event
type Handler[T any] func(ctx context.Context, data T, env contracts.Envelope[T]) error

// Consume subscribes handler to queue. Every delivery must carry an
// envelope of eventType whose payload passes the registered schema.
func Consume[T any](ctx context.Context, bus *Bus, queue, eventType string, handler Handler[T]) error {
	if bus.transport == nil {
		return ErrNoTransport
	}

	final := interceptors.HandlerFunc(func(ctx context.Context, raw contracts.RawEnvelope) error {
		env, err := contracts.DecodeEnvelope[T](raw)
		if err != nil {
			return err
		}
		return handler(ctx, env.Data, env)
	})

	err := bus.transport.Subscribe(ctx, queue, func(ctx context.Context, d Delivery) error {
		return bus.handle(ctx, queue, eventType, d, final)
	})
	if err != nil {
		return err
	}

	bus.logger.Info("consuming events", "queue", queue, "eventType", eventType)
	return nil
}

// handle turns one delivery into an ack (nil) or a poison rejection
func (b *Bus) handle(ctx context.Context, queue, eventType string, d Delivery, final interceptors.Handler) error {
	env, err := contracts.ParseEnvelope(d.Body())
	if err != nil {
		return b.poison(queue, env, d, ReasonMalformed, err)
	}
	env.TraceID = resolveTraceID(env.TraceID, d.Headers())

	if eventType != "" && env.EventType != eventType {
		return b.poison(queue, env, d, ReasonMalformed, &contracts.ValidationError{
			Field:   "eventType",
			Message: "expected " + eventType + ", got " + env.EventType,
		})
	}

	if b.registry != nil {
		if err := b.registry.Validate(env.EventType, env.EventVersion, env.Data); err != nil {
			return b.poison(queue, env, d, ReasonSchema, err)
		}
	}

	ctx = interceptors.WithDeliveryInfo(ctx, interceptors.DeliveryInfo{Queue: queue, TraceID: env.TraceID})
	err = b.chain.Execute(ctx, env, final)
	switch {
	case err == nil, errors.Is(err, contracts.ErrDuplicateEffect):
		return nil
	case errors.Is(ctx.Err(), context.Canceled):
		b.logger.Warn("handler interrupted by shutdown, returning message to queue",
			"queue", queue,
			"eventId", env.EventID,
			"eventType", env.EventType,
			"traceId", env.TraceID,
			"error", err,
		)
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	case contracts.IsValidation(err):
		return b.poison(queue, env, d, ReasonSchema, err)
	default:
		return b.poison(queue, env, d, ReasonHandlerError, err)
	}
}

func (b *Bus) poison(queue string, env contracts.RawEnvelope, d Delivery, reason string, err error) error {
	b.logger.Error("rejecting message to dead letter queue",
		"queue", queue,
		"eventId", env.EventID,
		"eventType", env.EventType,
		"traceId", env.TraceID,
		"reason", reason,
		"downstreamUnavailable", reliability.IsDownstreamUnavailable(err),
		"error", err,
		"payload", string(d.Body()),
	)
	if b.poisonMetrics != nil {
		b.poisonMetrics.RecordPoison(queue, reason)
	}
	return &PoisonMessageError{
		Queue:     queue,
		EventID:   env.EventID,
		EventType: env.EventType,
		TraceID:   env.TraceID,
		Reason:    reason,
		Err:       err,
	}
}

// resolveTraceID prefers the body, then the traceId header, then a generated id
func resolveTraceID(fromBody string, headers map[string]interface{}) string {
	if fromBody != "" {
		return fromBody
	}
	switch v := headers[HeaderTraceID].(type) {
	case string:
		if v != "" {
			return v
		}
	case []byte:
		if len(v) > 0 {
			return string(v)
		}
	}
	return "generated-" + uuid.NewString()
}
