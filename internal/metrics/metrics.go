// Package metrics exposes HiveForge's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several instances can coexist in tests.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sent            *prometheus.CounterVec
	polled          *prometheus.CounterVec
	acked           *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	pollFailures    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	dropped         *prometheus.CounterVec
}

// New creates and registers all counters.
func New() *Metrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hiveforge",
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Metrics{
		registry:        prometheus.NewRegistry(),
		sent:            counter("messages_sent_total", "Messages sent, by type.", "type"),
		polled:          counter("messages_polled_total", "Messages returned by poll, by recipient.", "recipient"),
		acked:           counter("messages_acked_total", "Messages acknowledged, by recipient.", "recipient"),
		handlerFailures: counter("handler_failures_total", "Handler failures, by recipient.", "recipient"),
		pollFailures:    counter("poll_failures_total", "Poll failures, by recipient.", "recipient"),
		transitions:     counter("transitions_total", "Workflow transitions, by target state.", "state"),
		dropped:         counter("dropped_messages_total", "Messages dropped as out of order or unhandled, by type.", "type"),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.sent, m.polled, m.acked, m.handlerFailures, m.pollFailures, m.transitions, m.dropped,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Sent(msgType string) {
	if m != nil {
		m.sent.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) Polled(recipient string, n int) {
	if m != nil && n > 0 {
		m.polled.WithLabelValues(recipient).Add(float64(n))
	}
}

func (m *Metrics) Acked(recipient string) {
	if m != nil {
		m.acked.WithLabelValues(recipient).Inc()
	}
}

func (m *Metrics) HandlerFailed(recipient string) {
	if m != nil {
		m.handlerFailures.WithLabelValues(recipient).Inc()
	}
}

func (m *Metrics) PollFailed(recipient string) {
	if m != nil {
		m.pollFailures.WithLabelValues(recipient).Inc()
	}
}

func (m *Metrics) Transitioned(state string) {
	if m != nil {
		m.transitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) Dropped(msgType string) {
	if m != nil {
		m.dropped.WithLabelValues(msgType).Inc()
	}
}
