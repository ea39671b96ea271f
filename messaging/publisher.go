package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/glimte/foodsaga/contracts"
	"github.com/glimte/foodsaga/interceptors"
	"github.com/glimte/foodsaga/internal/reliability"
)

// Message is anything that can produce a raw envelope. Every
// contracts.Envelope[T] satisfies it.
type Message interface {
	Raw() (contracts.RawEnvelope, error)
}

// Publisher publishes envelopes. *Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg Message) error
}

// Publish outcomes reported to PublishRecorder
const (
	PublishSuccess     = "success"
	PublishFailed      = "failed"
	PublishCircuitOpen = "circuit_open"
)

// Publish serializes msg and sends it persistent to the exchange under
// routingKey. A missing trace id is taken from the delivery being handled.
func (b *Bus) Publish(ctx context.Context, routingKey string, msg Message) error {
	if b.transport == nil {
		return ErrNoTransport
	}

	env, err := msg.Raw()
	if err != nil {
		return err
	}
	if env.TraceID == "" {
		env.TraceID = interceptors.TraceID(ctx)
	}
	if env.Producer == "" {
		env.Producer = b.producer
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize %s envelope: %w", env.EventType, err)
	}

	out := OutboundMessage{
		MessageID:   env.EventID,
		ContentType: "application/json",
		Body:        body,
		Headers: map[string]interface{}{
			HeaderTraceID:      env.TraceID,
			HeaderEventType:    env.EventType,
			HeaderEventVersion: strconv.Itoa(env.EventVersion),
			HeaderProducer:     env.Producer,
		},
	}

	start := time.Now()
	err = reliability.Retry(ctx, b.retryPolicy, func() error {
		return b.circuitBreaker.Execute(ctx, func() error {
			return b.transport.Publish(ctx, b.exchange, routingKey, out)
		})
	}, func(attempt int, err error, delay time.Duration) {
		b.logger.Warn("retrying publish",
			"routingKey", routingKey,
			"eventId", env.EventID,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
	})

	b.recordPublish(routingKey, err, time.Since(start))
	if err != nil {
		b.logger.Error("failed to publish event",
			"routingKey", routingKey,
			"eventId", env.EventID,
			"traceId", env.TraceID,
			"error", err,
		)
		return err
	}

	b.logger.Debug("event published",
		"routingKey", routingKey,
		"eventId", env.EventID,
		"traceId", env.TraceID,
	)
	return nil
}

func (b *Bus) recordPublish(routingKey string, err error, d time.Duration) {
	if b.publishMetrics == nil {
		return
	}
	outcome := PublishSuccess
	switch {
	case reliability.IsDownstreamUnavailable(err):
		outcome = PublishCircuitOpen
	case err != nil:
		outcome = PublishFailed
	}
	b.publishMetrics.RecordPublished(routingKey, outcome, d)
}
