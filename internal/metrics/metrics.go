// Package metrics exports the push layer's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fasttrack"

// Metrics groups every collector. A nil *Metrics, or one built with a nil
// registerer, records nothing.
type Metrics struct {
	pushes        prometheus.Counter
	parsed        *prometheus.CounterVec
	shown         prometheus.Counter
	renderErrors  prometheus.Counter
	fetches       *prometheus.CounterVec
	busClients    prometheus.Gauge
	busDropped    prometheus.Counter
	workerVersion *prometheus.GaugeVec
	rejected      *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_received_total",
			Help:      "Push messages accepted by the push endpoint.",
		}),
		parsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_payloads_total",
			Help:      "Push payloads by the parser that produced them.",
		}, []string{"parser"}),
		shown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_shown_total",
			Help:      "Notifications rendered.",
		}),
		renderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_errors_total",
			Help:      "Notifications the platform refused to render.",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Proxied requests by how they were served.",
		}, []string{"source"}),
		busClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_clients",
			Help:      "Connected page contexts.",
		}),
		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Envelopes dropped because a client buffer was full.",
		}),
		workerVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_active",
			Help:      "1 for the version of the active worker.",
		}, []string{"version"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_rejected_total",
			Help:      "Push messages rejected by the push endpoint.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.pushes, m.parsed, m.shown, m.renderErrors, m.fetches,
		m.busClients, m.busDropped, m.workerVersion, m.rejected)
	return m
}

func (m *Metrics) IncPushReceived() {
	if m == nil || m.pushes == nil {
		return
	}
	m.pushes.Inc()
}

// IncParsed counts a payload produced by the named parser.
func (m *Metrics) IncParsed(parser string) {
	if m == nil || m.parsed == nil {
		return
	}
	m.parsed.WithLabelValues(normalizeLabel(parser)).Inc()
}

func (m *Metrics) IncShown() {
	if m == nil || m.shown == nil {
		return
	}
	m.shown.Inc()
}

func (m *Metrics) IncRenderError() {
	if m == nil || m.renderErrors == nil {
		return
	}
	m.renderErrors.Inc()
}

// IncFetch counts a proxied request served from source (network, cache,
// passthrough, offline).
func (m *Metrics) IncFetch(source string) {
	if m == nil || m.fetches == nil {
		return
	}
	m.fetches.WithLabelValues(normalizeLabel(source)).Inc()
}

func (m *Metrics) SetBusClients(n int) {
	if m == nil || m.busClients == nil {
		return
	}
	m.busClients.Set(float64(n))
}

func (m *Metrics) IncBusDropped() {
	if m == nil || m.busDropped == nil {
		return
	}
	m.busDropped.Inc()
}

// SetActiveVersion marks version as the only active worker version.
func (m *Metrics) SetActiveVersion(version string) {
	if m == nil || m.workerVersion == nil {
		return
	}
	m.workerVersion.Reset()
	m.workerVersion.WithLabelValues(normalizeLabel(version)).Set(1)
}

func (m *Metrics) IncRejected(reason string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.WithLabelValues(normalizeLabel(reason)).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
