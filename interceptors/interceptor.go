package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/foodsaga/contracts"
	"github.com/glimte/foodsaga/internal/reliability"
)

// Handler handles one validated envelope
type Handler interface {
	Handle(ctx context.Context, env contracts.RawEnvelope) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, env contracts.RawEnvelope) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, env contracts.RawEnvelope) error {
	return f(ctx, env)
}

// Interceptor processes an envelope and calls the next handler in the chain
type Interceptor interface {
	Intercept(ctx context.Context, env contracts.RawEnvelope, next Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env contracts.RawEnvelope, next Handler) error
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env contracts.RawEnvelope, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env contracts.RawEnvelope, next Handler) error {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Add appends an interceptor. The first one added runs outermost.
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, in := range c.interceptors {
		names[i] = in.Name()
	}
	return names
}

// Execute runs env through every interceptor and then final
func (c *Chain) Execute(ctx context.Context, env contracts.RawEnvelope, final Handler) error {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, env contracts.RawEnvelope) error {
			return interceptor.Intercept(ctx, env, next)
		})
	}
	return handler.Handle(ctx, env)
}

// LoggingInterceptor logs every handled envelope with its outcome
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env contracts.RawEnvelope, next Handler) error {
	start := time.Now()
	info, _ := DeliveryInfoFrom(ctx)

	logger := i.logger.With(
		"eventId", env.EventID,
		"eventType", env.EventType,
		"traceId", env.TraceID,
		"queue", info.Queue,
	)
	logger.Debug("handling event", "producer", env.Producer)

	err := next.Handle(ctx, env)
	duration := time.Since(start)

	switch {
	case err == nil:
		logger.Info("event handled", "duration", duration)
	case errors.Is(err, contracts.ErrDuplicateEffect):
		logger.Info("duplicate event skipped", "duration", duration)
	default:
		logger.Error("event handling failed",
			"duration", duration,
			"error", err,
			"payload", string(env.Data),
		)
	}
	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives per-envelope outcomes
type MetricsCollector interface {
	RecordConsumed(queue, eventType, outcome string, duration time.Duration)
}

// Outcomes reported to MetricsCollector
const (
	OutcomeSuccess   = "success"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
)

// MetricsInterceptor reports every handled envelope to a collector
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, env contracts.RawEnvelope, next Handler) error {
	start := time.Now()
	err := next.Handle(ctx, env)

	outcome := OutcomeSuccess
	switch {
	case errors.Is(err, contracts.ErrDuplicateEffect):
		outcome = OutcomeDuplicate
	case err != nil:
		outcome = OutcomeError
	}

	info, _ := DeliveryInfoFrom(ctx)
	i.collector.RecordConsumed(info.Queue, env.EventType, outcome, time.Since(start))
	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// TimeoutInterceptor stops waiting for a handler after a fixed duration.
// The handler is abandoned, not cancelled, so it must be safe to let finish.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, env contracts.RawEnvelope, next Handler) error {
	return reliability.RunWithTimeout(ctx, "handle "+env.EventType, i.timeout, func(ctx context.Context) error {
		return next.Handle(ctx, env)
	})
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
