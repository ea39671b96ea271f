package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/foodsaga/internal/reliability"
)

type fakeConn bool

func (c fakeConn) IsConnected() bool { return bool(c) }

type fakeDepth struct {
	depth int
	err   error
}

func (f fakeDepth) QueueDepth(context.Context, string) (int, error) { return f.depth, f.err }

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

func TestRegistryCheck(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
		{"no checks", nil, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for i, s := range tt.statuses {
				r.Register(staticChecker(string(rune('a'+i)), s))
			}
			h := r.Check(context.Background())
			assert.Equal(t, tt.want, h.Status)
			assert.Len(t, h.Checks, len(tt.statuses))
		})
	}

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Name: "slow", Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		h := r.Check(ctx)

		assert.Equal(t, StatusUnhealthy, h.Status)
		assert.Equal(t, "Check timed out", h.Checks["slow"].Message)
	})
}

func TestHandler(t *testing.T) {
	t.Run("healthy answers 200 with json", func(t *testing.T) {
		r := NewRegistry()
		r.SetMetadata("service", "order")
		r.Register(NewBrokerChecker(fakeConn(true)))

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, StatusHealthy, body.Status)
		assert.Equal(t, "order", body.Metadata["service"])
	})

	t.Run("unhealthy answers 503", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewBrokerChecker(fakeConn(false)))

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		rec = httptest.NewRecorder()
		ReadinessHandler(r)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("rejects non-get", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("liveness is always ok", func(t *testing.T) {
		rec := httptest.NewRecorder()
		LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})
}

func TestDeadLetterChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("empty queue is healthy", func(t *testing.T) {
		res := NewDeadLetterChecker("dlq.kitchen", fakeDepth{}).Check(ctx)
		assert.Equal(t, StatusHealthy, res.Status)
		assert.Equal(t, "queue_dlq.kitchen", res.Name)
	})

	t.Run("dead letters degrade", func(t *testing.T) {
		res := NewDeadLetterChecker("dlq.kitchen", fakeDepth{depth: 3}).Check(ctx)
		assert.Equal(t, StatusDegraded, res.Status)
		assert.Equal(t, 3, res.Details["message_count"])
	})

	t.Run("inspection failure is unhealthy", func(t *testing.T) {
		res := NewDeadLetterChecker("dlq.kitchen", fakeDepth{err: errors.New("404")}).Check(ctx)
		assert.Equal(t, StatusUnhealthy, res.Status)
		assert.Equal(t, "404", res.Error)
	})
}

func TestCircuitBreakerChecker(t *testing.T) {
	cb := reliability.NewCircuitBreaker(reliability.WithName("broker"), reliability.WithFailureThreshold(1))
	checker := NewCircuitBreakerChecker(cb)
	assert.Equal(t, "circuit_broker", checker.Name())
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	_ = cb.Execute(context.Background(), func() error { return errors.New("down") })
	res := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "OPEN", res.Details["state"])
}
