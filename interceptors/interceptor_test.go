package interceptors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/foodsaga/contracts"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, env contracts.RawEnvelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

type mockMetricsCollector struct {
	mock.Mock
}

func (m *mockMetricsCollector) RecordConsumed(queue, eventType, outcome string, duration time.Duration) {
	m.Called(queue, eventType, outcome, duration)
}

func testEnvelope() contracts.RawEnvelope {
	return contracts.RawEnvelope{
		EventID:      "cancel-o-1",
		EventType:    contracts.EventOrderCancelled,
		EventVersion: 1,
		Producer:     "order",
		TraceID:      "trace-1",
		Data:         json.RawMessage(`{"orderId":"o-1"}`),
	}
}

func TestChain(t *testing.T) {
	t.Run("runs interceptors in insertion order", func(t *testing.T) {
		var order []string
		record := func(name string) Interceptor {
			return NewInterceptorFunc(name, func(ctx context.Context, env contracts.RawEnvelope, next Handler) error {
				order = append(order, name)
				return next.Handle(ctx, env)
			})
		}

		chain := NewChain(nil).Add(record("first")).Add(record("second"))
		err := chain.Execute(context.Background(), testEnvelope(), HandlerFunc(func(context.Context, contracts.RawEnvelope) error {
			order = append(order, "handler")
			return nil
		}))

		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second", "handler"}, order)
		assert.Equal(t, []string{"first", "second"}, chain.Names())
	})

	t.Run("empty chain calls the handler", func(t *testing.T) {
		handler := &mockHandler{}
		env := testEnvelope()
		handler.On("Handle", mock.Anything, env).Return(nil)

		err := NewChain(nil).Execute(context.Background(), env, handler)
		assert.NoError(t, err)
		handler.AssertExpectations(t)
	})

	t.Run("interceptor can stop the chain", func(t *testing.T) {
		stop := errors.New("stopped")
		chain := NewChain(nil).Add(NewInterceptorFunc("stop", func(context.Context, contracts.RawEnvelope, Handler) error {
			return stop
		}))

		handler := &mockHandler{}
		err := chain.Execute(context.Background(), testEnvelope(), handler)
		assert.ErrorIs(t, err, stop)
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})
}

func TestLoggingInterceptor(t *testing.T) {
	t.Run("logs failures with trace id and payload", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		ctx := WithDeliveryInfo(context.Background(), DeliveryInfo{Queue: "kitchen_service.order_cancelled"})

		err := NewLoggingInterceptor(logger).Intercept(ctx, testEnvelope(), HandlerFunc(func(context.Context, contracts.RawEnvelope) error {
			return errors.New("store unavailable")
		}))

		assert.Error(t, err)
		out := buf.String()
		assert.Contains(t, out, "event handling failed")
		assert.Contains(t, out, "trace-1")
		assert.Contains(t, out, "kitchen_service.order_cancelled")
		assert.Contains(t, out, `orderId`)
	})

	t.Run("logs success", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))

		err := NewLoggingInterceptor(logger).Intercept(context.Background(), testEnvelope(), HandlerFunc(func(context.Context, contracts.RawEnvelope) error {
			return nil
		}))

		assert.NoError(t, err)
		assert.Contains(t, buf.String(), "event handled")
	})
}

func TestMetricsInterceptor(t *testing.T) {
	ctx := WithDeliveryInfo(context.Background(), DeliveryInfo{Queue: "payment_service.order_cancelled"})

	tests := []struct {
		name    string
		err     error
		outcome string
	}{
		{"success", nil, OutcomeSuccess},
		{"duplicate", contracts.ErrDuplicateEffect, OutcomeDuplicate},
		{"error", errors.New("boom"), OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := &mockMetricsCollector{}
			collector.On("RecordConsumed", "payment_service.order_cancelled", contracts.EventOrderCancelled, tt.outcome, mock.AnythingOfType("time.Duration")).Return()

			err := NewMetricsInterceptor(collector).Intercept(ctx, testEnvelope(), HandlerFunc(func(context.Context, contracts.RawEnvelope) error {
				return tt.err
			}))

			assert.Equal(t, tt.err, err)
			collector.AssertExpectations(t)
		})
	}
}

func TestTimeoutInterceptor(t *testing.T) {
	t.Run("passes through fast handlers", func(t *testing.T) {
		err := NewTimeoutInterceptor(time.Second).Intercept(context.Background(), testEnvelope(), HandlerFunc(func(context.Context, contracts.RawEnvelope) error {
			return nil
		}))
		assert.NoError(t, err)
	})

	t.Run("abandons slow handlers", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		err := NewTimeoutInterceptor(10*time.Millisecond).Intercept(context.Background(), testEnvelope(), HandlerFunc(func(context.Context, contracts.RawEnvelope) error {
			<-release
			return nil
		}))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestDeliveryInfo(t *testing.T) {
	_, ok := DeliveryInfoFrom(context.Background())
	assert.False(t, ok)
	assert.Empty(t, TraceID(context.Background()))

	ctx := WithDeliveryInfo(context.Background(), DeliveryInfo{Queue: "q", TraceID: "t"})
	info, ok := DeliveryInfoFrom(ctx)
	assert.True(t, ok)
	assert.Equal(t, "q", info.Queue)
	assert.Equal(t, "t", TraceID(ctx))
}
