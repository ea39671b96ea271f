package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInspector struct {
	mu     sync.Mutex
	depths map[string]int
	err    error
}

func (f *fakeInspector) QueueDepth(_ context.Context, queue string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.depths[queue], nil
}

func (f *fakeInspector) set(queue string, depth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depths[queue] = depth
}

type gauge struct {
	mu     sync.Mutex
	values map[string]int
}

func (g *gauge) SetQueueDepth(queue string, depth int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[queue] = depth
}

type collectingHandler struct {
	alerts []Alert
}

func (c *collectingHandler) HandleAlert(_ context.Context, a Alert) error {
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *collectingHandler) Name() string { return "collector" }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDLQMonitor(t *testing.T) {
	ctx := context.Background()

	t.Run("empty queue raises nothing", func(t *testing.T) {
		insp := &fakeInspector{depths: map[string]int{}}
		g := &gauge{values: map[string]int{}}
		m := NewDLQMonitor(insp, []string{"dlq.kitchen"}, WithDepthRecorder(g), WithLogger(quiet()))

		m.Check(ctx)

		assert.Empty(t, m.ActiveAlerts())
		assert.Equal(t, 0, g.values["dlq.kitchen"])
		assert.Contains(t, g.values, "dlq.kitchen")
	})

	t.Run("depth above zero warns until drained", func(t *testing.T) {
		insp := &fakeInspector{depths: map[string]int{"dlq.kitchen": 2}}
		h := &collectingHandler{}
		m := NewDLQMonitor(insp, []string{"dlq.kitchen", "dlq.payment"}, WithAlertHandler(h), WithLogger(quiet()))

		m.Check(ctx)
		m.Check(ctx)

		alerts := m.ActiveAlerts()
		require.Len(t, alerts, 1)
		assert.Equal(t, "dlq.kitchen", alerts[0].Queue)
		assert.Equal(t, AlertLevelWarning, alerts[0].Level)
		assert.Equal(t, 2, alerts[0].Occurrences)
		assert.Equal(t, 2, alerts[0].Depth)

		insp.set("dlq.kitchen", 0)
		m.Check(ctx)

		assert.Empty(t, m.ActiveAlerts())
		require.Len(t, h.alerts, 3)
		assert.True(t, h.alerts[2].Resolved)
		assert.NotNil(t, h.alerts[2].ResolvedAt)
	})

	t.Run("critical threshold", func(t *testing.T) {
		insp := &fakeInspector{depths: map[string]int{"dlq.payment": 5}}
		m := NewDLQMonitor(insp, []string{"dlq.payment"}, WithCriticalThreshold(5), WithLogger(quiet()))

		m.Check(ctx)

		alerts := m.ActiveAlerts()
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertLevelCritical, alerts[0].Level)
	})

	t.Run("inspection errors are logged and skipped", func(t *testing.T) {
		insp := &fakeInspector{depths: map[string]int{}, err: errors.New("channel closed")}
		m := NewDLQMonitor(insp, []string{"dlq.kitchen"}, WithLogger(quiet()))

		m.Check(ctx)

		assert.Empty(t, m.Depths())
		assert.Empty(t, m.ActiveAlerts())
	})

	t.Run("serves the last polled depth", func(t *testing.T) {
		insp := &fakeInspector{depths: map[string]int{"dlq.delivery": 3}}
		m := NewDLQMonitor(insp, []string{"dlq.delivery"}, WithLogger(quiet()))
		m.Check(ctx)

		depth, err := m.QueueDepth(ctx, "dlq.delivery")
		require.NoError(t, err)
		assert.Equal(t, 3, depth)
	})

	t.Run("run polls until cancelled", func(t *testing.T) {
		insp := &fakeInspector{depths: map[string]int{"dlq.kitchen": 1}}
		m := NewDLQMonitor(insp, []string{"dlq.kitchen"}, WithInterval(5*time.Millisecond), WithLogger(quiet()))

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- m.Run(runCtx) }()

		require.Eventually(t, func() bool {
			a := m.ActiveAlerts()
			return len(a) == 1 && a[0].Occurrences >= 2
		}, time.Second, 5*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("monitor did not stop")
		}
	})
}
