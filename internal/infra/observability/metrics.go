package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "agentd"

// Metrics exposes Prometheus collectors for task orchestration.
type Metrics struct {
	transitions    *prometheus.CounterVec
	webhookEvents  *prometheus.CounterVec
	spawns         *prometheus.CounterVec
	spawnLatency   prometheus.Histogram
	activeStreams  *prometheus.GaugeVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	deliveryErrors prometheus.Counter
}

// MustNewMetrics registers the collectors with reg and panics on conflicts.
// Tests pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "task",
			Name:      "transitions_total",
			Help:      "Accepted task status transitions.",
		}, []string{"from", "to"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook deliveries by event type and outcome.",
		}, []string{"type", "outcome"}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "worker",
			Name:      "spawns_total",
			Help:      "Worker spawn attempts by outcome.",
		}, []string{"outcome"}),
		spawnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "worker",
			Name:      "spawn_duration_seconds",
			Help:      "Time until the worker accepted or rejected a spawn.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Open status streams by protocol.",
		}, []string{"protocol"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		deliveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "delivery_errors_total",
			Help:      "Observers closed after exhausting store retries.",
		}),
	}
	reg.MustRegister(m.transitions, m.webhookEvents, m.spawns, m.spawnLatency,
		m.activeStreams, m.httpRequests, m.httpDuration, m.deliveryErrors)
	return m
}

// RecordTransition counts an accepted status change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordWebhook counts a webhook delivery outcome (applied, duplicate, ignored, rejected).
func (m *Metrics) RecordWebhook(eventType, outcome string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordSpawn counts a spawn attempt and observes its latency.
func (m *Metrics) RecordSpawn(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.spawns.WithLabelValues(outcome).Inc()
	m.spawnLatency.Observe(elapsed.Seconds())
}

// StreamOpened increments the open stream gauge and returns the matching
// decrement.
func (m *Metrics) StreamOpened(protocol string) func() {
	if m == nil {
		return func() {}
	}
	gauge := m.activeStreams.WithLabelValues(protocol)
	gauge.Inc()
	var once sync.Once
	return func() { once.Do(gauge.Dec) }
}

// RecordDeliveryError counts an observer closed by persistent store failures.
func (m *Metrics) RecordDeliveryError() {
	if m == nil {
		return
	}
	m.deliveryErrors.Inc()
}

// RecordHTTP counts one served request.
func (m *Metrics) RecordHTTP(method, route, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, code).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
