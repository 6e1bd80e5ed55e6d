// Package metrics provides Prometheus collectors for the call core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wirecall"

// Outcome labels.
const (
	OutcomeOK          = "ok"
	OutcomeUnavailable = "unavailable"
	OutcomeProtocol    = "protocol"
	OutcomeRejected    = "rejected"
	OutcomeConflict    = "conflict"
	OutcomeError       = "error"
)

// Metrics holds the registry and every custom collector.
type Metrics struct {
	registry *prometheus.Registry

	sfuRequests     *prometheus.CounterVec
	sfuLatency      *prometheus.HistogramVec
	sfuSessions     prometheus.Gauge
	sfuCachedEvents prometheus.Gauge

	schedulerTasks *prometheus.CounterVec

	callOps     *prometheus.CounterVec
	callsActive prometheus.Gauge
	timeouts    prometheus.Counter

	wsConnections prometheus.Gauge
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sfuRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sfu",
			Name:      "requests_total",
			Help:      "SFU signaling operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		sfuLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sfu",
			Name:      "operation_seconds",
			Help:      "Duration of SFU signaling operations including long-poll waits.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		sfuSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sfu",
			Name:      "sessions",
			Help:      "Current number of SFU sessions.",
		}),
		sfuCachedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sfu",
			Name:      "cached_events",
			Help:      "Unmatched SFU events waiting in per-user caches.",
		}),
		schedulerTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_total",
			Help:      "Scheduled task lifecycle transitions.",
		}, []string{"event"}),
		callOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "operations_total",
			Help:      "Call lifecycle operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		callsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "active",
			Help:      "Calls started and not yet ended by this process.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "auto_rejected_total",
			Help:      "Invitations resolved by the ring timeout.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Current number of WebSocket connections.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sfuRequests,
		m.sfuLatency,
		m.sfuSessions,
		m.sfuCachedEvents,
		m.schedulerTasks,
		m.callOps,
		m.callsActive,
		m.timeouts,
		m.wsConnections,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveSFU records one SFU operation.
func (m *Metrics) ObserveSFU(op, outcome string, took time.Duration) {
	m.sfuRequests.WithLabelValues(op, outcome).Inc()
	m.sfuLatency.WithLabelValues(op).Observe(took.Seconds())
}

// SetSFUSessions sets the session gauge.
func (m *Metrics) SetSFUSessions(n int) {
	m.sfuSessions.Set(float64(n))
}

// AddCachedEvents adjusts the cached events gauge.
func (m *Metrics) AddCachedEvents(delta int) {
	m.sfuCachedEvents.Add(float64(delta))
}

// SchedulerEvent counts a scheduler transition (scheduled, executed, flushed, cancelled).
func (m *Metrics) SchedulerEvent(event string) {
	m.schedulerTasks.WithLabelValues(event).Inc()
}

// CallOp counts a call lifecycle operation.
func (m *Metrics) CallOp(op, outcome string) {
	m.callOps.WithLabelValues(op, outcome).Inc()
}

// CallStarted increments the active calls gauge.
func (m *Metrics) CallStarted() {
	m.callsActive.Inc()
}

// CallEnded decrements the active calls gauge.
func (m *Metrics) CallEnded() {
	m.callsActive.Dec()
}

// AutoRejected counts invitations resolved by the ring timeout.
func (m *Metrics) AutoRejected(n int) {
	m.timeouts.Add(float64(n))
}

// IncrementWebSocketConnections increments the WebSocket connection count.
func (m *Metrics) IncrementWebSocketConnections() {
	m.wsConnections.Inc()
}

// DecrementWebSocketConnections decrements the WebSocket connection count.
func (m *Metrics) DecrementWebSocketConnections() {
	m.wsConnections.Dec()
}
