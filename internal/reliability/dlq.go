package reliability

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetter is a message drained from a dead-letter queue
type DeadLetter struct {
	Queue      string
	MessageID  string
	RoutingKey string
	Body       []byte
	Headers    map[string]interface{}
}

// DeadLetterMetadata is what the broker recorded when it dead-lettered a message
type DeadLetterMetadata struct {
	OriginalQueue string
	RoutingKey    string
	Reason        string
	Count         int
	DiedAt        time.Time
	TraceID       string
}

// DeadLetterRecorder counts relayed dead letters
type DeadLetterRecorder interface {
	RecordDeadLetter(service, originalQueue, reason string)
}

// DeadLetterRelay drains a service DLQ for manual triage. Every poison
// message is logged with its original headers and then acknowledged, nothing
// is republished.
type DeadLetterRelay struct {
	service  string
	logger   *slog.Logger
	recorder DeadLetterRecorder
}

// DeadLetterOption configures the relay
type DeadLetterOption func(*DeadLetterRelay)

// WithDeadLetterLogger sets the logger
func WithDeadLetterLogger(logger *slog.Logger) DeadLetterOption {
	return func(r *DeadLetterRelay) {
		r.logger = logger
	}
}

// WithDeadLetterRecorder sets the metrics recorder
func WithDeadLetterRecorder(recorder DeadLetterRecorder) DeadLetterOption {
	return func(r *DeadLetterRelay) {
		r.recorder = recorder
	}
}

// NewDeadLetterRelay creates the relay for one service
func NewDeadLetterRelay(service string, options ...DeadLetterOption) *DeadLetterRelay {
	r := &DeadLetterRelay{service: service, logger: slog.Default()}
	for _, opt := range options {
		opt(r)
	}
	r.logger = r.logger.With("service", service, "component", "dlq-relay")
	return r
}

// Queue returns the dead-letter queue name of the service
func (r *DeadLetterRelay) Queue() string {
	return DeadLetterQueue(r.service)
}

// DeadLetterQueue names the dead-letter queue of a service
func DeadLetterQueue(service string) string {
	return "dlq." + service
}

// Handle logs one dead letter. It always returns nil so the message is
// removed from the DLQ.
func (r *DeadLetterRelay) Handle(_ context.Context, dl DeadLetter) error {
	meta := ExtractDeadLetterMetadata(dl.Headers)

	r.logger.Error("message reached dead letter queue",
		"queue", dl.Queue,
		"messageId", dl.MessageID,
		"originalQueue", meta.OriginalQueue,
		"routingKey", meta.RoutingKey,
		"reason", meta.Reason,
		"deathCount", meta.Count,
		"traceId", meta.TraceID,
		"headers", dl.Headers,
		"content", string(dl.Body),
	)

	if r.recorder != nil {
		r.recorder.RecordDeadLetter(r.service, meta.OriginalQueue, meta.Reason)
	}
	return nil
}

// ExtractDeadLetterMetadata reads the broker's x-death header
func ExtractDeadLetterMetadata(headers map[string]interface{}) DeadLetterMetadata {
	meta := DeadLetterMetadata{
		OriginalQueue: headerString(headers, "x-first-death-queue"),
		Reason:        headerString(headers, "x-first-death-reason"),
		TraceID:       headerString(headers, "traceId"),
	}

	deaths, _ := headers["x-death"].([]interface{})
	if len(deaths) == 0 {
		return meta
	}

	var death map[string]interface{}
	switch d := deaths[0].(type) {
	case amqp.Table:
		death = d
	case map[string]interface{}:
		death = d
	default:
		return meta
	}

	if meta.OriginalQueue == "" {
		meta.OriginalQueue = headerString(death, "queue")
	}
	if meta.Reason == "" {
		meta.Reason = headerString(death, "reason")
	}
	if keys, ok := death["routing-keys"].([]interface{}); ok && len(keys) > 0 {
		meta.RoutingKey, _ = keys[0].(string)
	}
	switch c := death["count"].(type) {
	case int64:
		meta.Count = int(c)
	case int32:
		meta.Count = int(c)
	case int:
		meta.Count = c
	}
	if t, ok := death["time"].(time.Time); ok {
		meta.DiedAt = t
	}
	return meta
}

func headerString(headers map[string]interface{}, key string) string {
	if headers == nil {
		return ""
	}
	s, _ := headers[key].(string)
	return s
}
