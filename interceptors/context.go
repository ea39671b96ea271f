package interceptors

import (
	"context"
)

type contextKey string

const deliveryKey contextKey = "foodsaga:interceptor:delivery"

// DeliveryInfo describes the delivery being handled
type DeliveryInfo struct {
	Queue   string
	TraceID string
	// Attempt is the zero-based in-handler attempt, set by RetryInterceptor
	Attempt int
}

// WithDeliveryInfo stores delivery information in the context
func WithDeliveryInfo(ctx context.Context, info DeliveryInfo) context.Context {
	return context.WithValue(ctx, deliveryKey, info)
}

// DeliveryInfoFrom returns the delivery information stored in ctx
func DeliveryInfoFrom(ctx context.Context) (DeliveryInfo, bool) {
	info, ok := ctx.Value(deliveryKey).(DeliveryInfo)
	return info, ok
}

// TraceID returns the trace id of the delivery being handled, if any
func TraceID(ctx context.Context) string {
	info, _ := DeliveryInfoFrom(ctx)
	return info.TraceID
}
