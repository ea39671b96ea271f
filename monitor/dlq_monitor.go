package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/foodsaga/messaging"
)

// AlertLevel represents the severity of an alert
type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert is raised while a dead-letter queue holds messages
type Alert struct {
	ID          string     `json:"id"`
	Level       AlertLevel `json:"level"`
	Queue       string     `json:"queue"`
	Message     string     `json:"message"`
	Depth       int        `json:"depth"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	Occurrences int        `json:"occurrences"`
	FirstSeen   time.Time  `json:"firstSeen"`
	LastSeen    time.Time  `json:"lastSeen"`
}

// AlertHandler is told about every new, repeated and resolved alert
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// DepthRecorder exports the depth of a queue
type DepthRecorder interface {
	SetQueueDepth(queue string, depth int)
}

// DLQMonitor polls dead-letter queue depth on an interval and warns while a
// queue is not empty
type DLQMonitor struct {
	inspector         messaging.QueueInspector
	queues            []string
	interval          time.Duration
	criticalThreshold int
	recorder          DepthRecorder
	handlers          []AlertHandler
	logger            *slog.Logger
	now               func() time.Time

	mu     sync.RWMutex
	alerts map[string]*Alert
	depths map[string]int
}

// Option configures the DLQMonitor
type Option func(*DLQMonitor)

// WithInterval sets the poll interval
func WithInterval(interval time.Duration) Option {
	return func(m *DLQMonitor) {
		m.interval = interval
	}
}

// WithCriticalThreshold sets the depth at which an alert becomes critical
func WithCriticalThreshold(depth int) Option {
	return func(m *DLQMonitor) {
		m.criticalThreshold = depth
	}
}

// WithDepthRecorder exports every polled depth
func WithDepthRecorder(recorder DepthRecorder) Option {
	return func(m *DLQMonitor) {
		m.recorder = recorder
	}
}

// WithAlertHandler adds an alert handler
func WithAlertHandler(handler AlertHandler) Option {
	return func(m *DLQMonitor) {
		m.handlers = append(m.handlers, handler)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *DLQMonitor) {
		m.logger = logger
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(m *DLQMonitor) {
		m.now = now
	}
}

// NewDLQMonitor creates a monitor for queues
func NewDLQMonitor(inspector messaging.QueueInspector, queues []string, options ...Option) *DLQMonitor {
	m := &DLQMonitor{
		inspector:         inspector,
		queues:            queues,
		interval:          time.Minute,
		criticalThreshold: 100,
		logger:            slog.Default(),
		now:               time.Now,
		alerts:            make(map[string]*Alert),
		depths:            make(map[string]int),
	}
	for _, opt := range options {
		opt(m)
	}
	m.logger = m.logger.With("component", "dlq-monitor")
	return m
}

// Run polls until ctx ends. The first poll happens immediately.
func (m *DLQMonitor) Run(ctx context.Context) error {
	m.logger.Info("monitoring dead letter queues", "queues", m.queues, "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check polls every queue once
func (m *DLQMonitor) Check(ctx context.Context) {
	for _, q := range m.queues {
		depth, err := m.inspector.QueueDepth(ctx, q)
		if err != nil {
			m.logger.Error("failed to inspect dead letter queue", "queue", q, "error", err)
			continue
		}

		m.mu.Lock()
		m.depths[q] = depth
		m.mu.Unlock()
		if m.recorder != nil {
			m.recorder.SetQueueDepth(q, depth)
		}

		if depth > 0 {
			m.triggerAlert(ctx, q, depth)
		} else {
			m.resolveAlert(ctx, q)
		}
	}
}

// Depths returns the last polled depth of every queue
func (m *DLQMonitor) Depths() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.depths))
	for q, d := range m.depths {
		out[q] = d
	}
	return out
}

// QueueDepth returns the last polled depth of queue. It lets health checks
// read the monitor instead of the broker.
func (m *DLQMonitor) QueueDepth(_ context.Context, queue string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.depths[queue], nil
}

// ActiveAlerts returns unresolved alerts ordered by queue
func (m *DLQMonitor) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}

func (m *DLQMonitor) triggerAlert(ctx context.Context, queue string, depth int) {
	level := AlertLevelWarning
	if m.criticalThreshold > 0 && depth >= m.criticalThreshold {
		level = AlertLevelCritical
	}
	now := m.now()
	msg := fmt.Sprintf("%d message(s) waiting in dead letter queue %s", depth, queue)

	m.mu.Lock()
	alert, ok := m.alerts[queue]
	if !ok || alert.Resolved {
		alert = &Alert{ID: "dlq_depth_" + queue, Queue: queue, FirstSeen: now}
		m.alerts[queue] = alert
	}
	alert.Level = level
	alert.Message = msg
	alert.Depth = depth
	alert.Occurrences++
	alert.LastSeen = now
	snapshot := *alert
	m.mu.Unlock()

	m.logger.Warn("dead letter queue is not empty",
		"queue", queue,
		"depth", depth,
		"level", level,
		"occurrences", snapshot.Occurrences,
	)
	m.sendToHandlers(ctx, snapshot)
}

func (m *DLQMonitor) resolveAlert(ctx context.Context, queue string) {
	m.mu.Lock()
	alert, ok := m.alerts[queue]
	if !ok || alert.Resolved {
		m.mu.Unlock()
		return
	}
	now := m.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	alert.Depth = 0
	snapshot := *alert
	m.mu.Unlock()

	m.logger.Info("dead letter queue drained",
		"queue", queue,
		"duration", now.Sub(snapshot.FirstSeen).String(),
		"occurrences", snapshot.Occurrences,
	)
	m.sendToHandlers(ctx, snapshot)
}

func (m *DLQMonitor) sendToHandlers(ctx context.Context, alert Alert) {
	for _, handler := range m.handlers {
		hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := handler.HandleAlert(hctx, alert); err != nil {
			m.logger.Error("alert handler failed",
				"handler", handler.Name(),
				"alert", alert.ID,
				"error", err,
			)
		}
		cancel()
	}
}
