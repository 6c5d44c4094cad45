// Package metrics exposes the relay's operational counters and gauges via
// a Prometheus registry, scraped from the /metrics endpoint the relay
// coordinator serves alongside the ingress listeners.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every counter/gauge the relay updates as sessions,
// streams, registry entries, and captures come and go.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	SessionsRejected *prometheus.CounterVec

	StreamsOpenTotal prometheus.Counter
	StreamsActive    prometheus.Gauge

	RegistryEntries *prometheus.GaugeVec

	CapturesRecorded prometheus.Counter
	ReplaysIssued    prometheus.Counter
}

// New creates a Metrics instance registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayd",
			Name:      "sessions_active",
			Help:      "Number of currently live client sessions.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayd",
			Name:      "sessions_total",
			Help:      "Total client sessions that completed the handshake.",
		}),
		SessionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayd",
			Name:      "sessions_rejected_total",
			Help:      "Sessions rejected during handshake, labeled by reason.",
		}, []string{"reason"}),
		StreamsOpenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayd",
			Name:      "streams_opened_total",
			Help:      "Total data streams opened across all sessions.",
		}),
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayd",
			Name:      "streams_active",
			Help:      "Number of currently open data streams.",
		}),
		RegistryEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relayd",
			Name:      "registry_entries",
			Help:      "Registry entries by protocol kind.",
		}, []string{"kind"}),
		CapturesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayd",
			Name:      "captures_recorded_total",
			Help:      "HTTP exchanges recorded to the capture sink.",
		}),
		ReplaysIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayd",
			Name:      "replays_issued_total",
			Help:      "Replay operations issued against captured exchanges.",
		}),
	}
	reg.MustRegister(
		m.SessionsActive, m.SessionsTotal, m.SessionsRejected,
		m.StreamsOpenTotal, m.StreamsActive,
		m.RegistryEntries,
		m.CapturesRecorded, m.ReplaysIssued,
	)
	return m
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
