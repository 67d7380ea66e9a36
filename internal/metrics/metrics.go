// Package metrics exposes prometheus counters for the task lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskboard"

// Metrics holds the collectors registered on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	created       *prometheus.CounterVec
	notes         *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// New creates and registers the taskboard collectors, plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed task state transitions.",
		}, []string{"from", "to"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Lifecycle operations refused, by operation and error class.",
		}, []string{"op", "reason"}),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Tasks created, by application.",
		}, []string{"app"}),
		notes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notes_total",
			Help:      "Audit notes appended, by event.",
		}, []string{"event"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Review notification deliveries, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions, m.rejections, m.created, m.notes, m.notifications,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Transition(from, to string) {
	if m != nil {
		m.transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) Rejected(op, reason string) {
	if m != nil {
		m.rejections.WithLabelValues(op, reason).Inc()
	}
}

func (m *Metrics) Created(app string) {
	if m != nil {
		m.created.WithLabelValues(app).Inc()
	}
}

func (m *Metrics) Note(event string) {
	if m != nil {
		m.notes.WithLabelValues(event).Inc()
	}
}

// Notification counts one delivery attempt outcome: "sent", "failed" or "skipped".
func (m *Metrics) Notification(result string) {
	if m != nil {
		m.notifications.WithLabelValues(result).Inc()
	}
}
