// Package metrics exports bus, consumer, dead-letter and circuit breaker
// measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/foodsaga/internal/reliability"
)

// ServiceMetrics holds the collectors of one service. It satisfies the
// recorder interfaces of the bus, the consumer interceptors, the dead-letter
// relay and the DLQ monitor.
type ServiceMetrics struct {
	registry *prometheus.Registry

	published   *prometheus.CounterVec
	publishTime *prometheus.HistogramVec
	consumed    *prometheus.CounterVec
	consumeTime *prometheus.HistogramVec
	poisoned    *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	dlqDepth    *prometheus.GaugeVec
	breaker     *prometheus.GaugeVec
}

// NewServiceMetrics registers the collectors of service on a fresh registry
// together with the Go and process collectors
func NewServiceMetrics(service string) *ServiceMetrics {
	labels := prometheus.Labels{"service": service}

	m := &ServiceMetrics{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "saga_events_published_total",
			Help:        "Events published by the service, by routing key and outcome",
			ConstLabels: labels,
		}, []string{"routing_key", "outcome"}),
		publishTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "saga_publish_duration_seconds",
			Help:        "Time spent publishing an event including retries",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"routing_key"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "saga_events_consumed_total",
			Help:        "Events handled by the service, by queue, event type and outcome",
			ConstLabels: labels,
		}, []string{"queue", "event_type", "outcome"}),
		consumeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "saga_handler_duration_seconds",
			Help:        "Time spent in consumer handlers",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"queue"}),
		poisoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "saga_events_failed_total",
			Help:        "Messages rejected to the dead letter queue, by queue and reason",
			ConstLabels: labels,
		}, []string{"queue", "reason"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "saga_dead_letters_relayed_total",
			Help:        "Dead letters drained by the relay, by original queue and reason",
			ConstLabels: labels,
		}, []string{"original_queue", "reason"}),
		dlqDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "saga_dlq_depth",
			Help:        "Messages waiting in the dead letter queue at the last poll",
			ConstLabels: labels,
		}, []string{"queue"}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "saga_circuit_breaker_state",
			Help:        "Circuit breaker state: 0 closed, 1 half-open, 2 open",
			ConstLabels: labels,
		}, []string{"breaker"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.published, m.publishTime,
		m.consumed, m.consumeTime,
		m.poisoned, m.deadLetters,
		m.dlqDepth, m.breaker,
	)
	return m
}

// Registry returns the underlying registry
func (m *ServiceMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *ServiceMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordPublished implements messaging.PublishRecorder
func (m *ServiceMetrics) RecordPublished(routingKey, outcome string, d time.Duration) {
	m.published.WithLabelValues(routingKey, outcome).Inc()
	m.publishTime.WithLabelValues(routingKey).Observe(d.Seconds())
}

// RecordConsumed implements interceptors.MetricsCollector
func (m *ServiceMetrics) RecordConsumed(queue, eventType, outcome string, d time.Duration) {
	m.consumed.WithLabelValues(queue, eventType, outcome).Inc()
	m.consumeTime.WithLabelValues(queue).Observe(d.Seconds())
}

// RecordPoison implements messaging.PoisonRecorder
func (m *ServiceMetrics) RecordPoison(queue, reason string) {
	m.poisoned.WithLabelValues(queue, reason).Inc()
}

// RecordDeadLetter implements reliability.DeadLetterRecorder
func (m *ServiceMetrics) RecordDeadLetter(_, originalQueue, reason string) {
	m.deadLetters.WithLabelValues(originalQueue, reason).Inc()
}

// SetQueueDepth records the last polled depth of a dead letter queue
func (m *ServiceMetrics) SetQueueDepth(queue string, depth int) {
	m.dlqDepth.WithLabelValues(queue).Set(float64(depth))
}

// OnStateChange implements reliability.StateChangeListener
func (m *ServiceMetrics) OnStateChange(name string, _, to reliability.State) {
	m.breaker.WithLabelValues(name).Set(stateValue(to))
}

// TrackBreaker exports the current state of cb and follows its transitions
func (m *ServiceMetrics) TrackBreaker(cb *reliability.CircuitBreaker) {
	m.breaker.WithLabelValues(cb.Name()).Set(stateValue(cb.State()))
	cb.AddListener(m)
}

func stateValue(s reliability.State) float64 {
	switch s {
	case reliability.StateHalfOpen:
		return 1
	case reliability.StateOpen:
		return 2
	default:
		return 0
	}
}
