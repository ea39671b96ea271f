package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/foodsaga/contracts"
	"github.com/glimte/foodsaga/internal/reliability"
)

// RetryInterceptor retries a failing handler in place before the error is
// allowed to reach the consume loop, where it becomes a poison nack.
// A handler abandoned by a timeout may still be running, so a timeout is
// never retried here.
type RetryInterceptor struct {
	retryPolicy reliability.RetryPolicy
	logger      *slog.Logger
}

// NewRetryInterceptor creates a retry interceptor
func NewRetryInterceptor(retryPolicy reliability.RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{
		retryPolicy: retryPolicy,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements Interceptor
func (r *RetryInterceptor) Intercept(ctx context.Context, env contracts.RawEnvelope, next Handler) error {
	info, _ := DeliveryInfoFrom(ctx)
	attempt := 0

	return reliability.Retry(ctx, r.retryPolicy, func() error {
		info.Attempt = attempt
		attempt++
		err := next.Handle(WithDeliveryInfo(ctx, info), env)
		var timeout *reliability.TimeoutError
		if errors.Is(err, contracts.ErrDuplicateEffect) || errors.As(err, &timeout) {
			return reliability.Permanent(err)
		}
		return err
	}, func(attempt int, err error, delay time.Duration) {
		r.logger.Warn("retrying event handler",
			"eventId", env.EventID,
			"eventType", env.EventType,
			"traceId", env.TraceID,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
	})
}

// Name implements Interceptor
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
