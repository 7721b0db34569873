// Package metrics exposes Prometheus instrumentation for the PWMP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pwmp"

// Label names.
const (
	labelReason  = "reason"
	labelRequest = "request"
	labelResult  = "result"
)

// -------------------------------------------------------------------------
// Collector — Prometheus PWMP Metrics
// -------------------------------------------------------------------------

// Collector holds all PWMP Prometheus metrics. It implements the server's
// MetricsReporter interface.
type Collector struct {
	// SessionsActive tracks currently running session tasks.
	SessionsActive prometheus.Gauge

	// SessionsTotal counts sessions over the server's lifetime.
	SessionsTotal prometheus.Counter

	// ConnectionsDropped counts connections refused before a session
	// existed, labeled by reason (session_limit, rate_limit).
	ConnectionsDropped *prometheus.CounterVec

	// RequestsHandled counts dispatched requests labeled by request kind
	// and response kind.
	RequestsHandled *prometheus.CounterVec

	// SessionsKicked counts sessions terminated by the server, labeled
	// by reason (stall, rate_limit, duplicate).
	SessionsKicked *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.SessionsActive,
		c.SessionsTotal,
		c.ConnectionsDropped,
		c.RequestsHandled,
		c.SessionsKicked,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently running sessions.",
		}),

		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions started.",
		}),

		ConnectionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_dropped_total",
			Help:      "Total connections refused before a session existed.",
		}, []string{labelReason}),

		RequestsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_handled_total",
			Help:      "Total dispatched requests by request kind and result.",
		}, []string{labelRequest, labelResult}),

		SessionsKicked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_kicked_total",
			Help:      "Total sessions terminated by the server.",
		}, []string{labelReason}),
	}
}

// -------------------------------------------------------------------------
// MetricsReporter Implementation
// -------------------------------------------------------------------------

// SessionStarted records a session obtaining its permit.
func (c *Collector) SessionStarted() {
	c.SessionsActive.Inc()
	c.SessionsTotal.Inc()
}

// SessionEnded records a session task finishing.
func (c *Collector) SessionEnded() {
	c.SessionsActive.Dec()
}

// ConnectionDropped records a refused connection.
func (c *Collector) ConnectionDropped(reason string) {
	c.ConnectionsDropped.WithLabelValues(reason).Inc()
}

// RequestHandled records one dispatched request and its outcome.
func (c *Collector) RequestHandled(kind, result string) {
	c.RequestsHandled.WithLabelValues(kind, result).Inc()
}

// SessionKicked records a server-initiated session termination.
func (c *Collector) SessionKicked(reason string) {
	c.SessionsKicked.WithLabelValues(reason).Inc()
}
