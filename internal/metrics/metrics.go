// Package metrics defines the control plane's Prometheus collectors on a
// private registry, served on the management listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

// Metrics bundles every collector. Engines receive the struct and touch
// their own vecs; nothing registers into a global registry.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP surface.
	HTTPRequests *prometheus.CounterVec
	HTTPSeconds  *prometheus.HistogramVec

	// Node registry.
	NodesByStatus   *prometheus.GaugeVec
	HeartbeatsTotal *prometheus.CounterVec

	// Bundle compiles.
	CompilesTotal  *prometheus.CounterVec
	CompileSeconds *prometheus.HistogramVec

	// Rollout engine.
	RolloutsActive     *prometheus.GaugeVec
	RolloutTransitions *prometheus.CounterVec

	// Drift engine.
	DriftOpen        *prometheus.GaugeVec
	DriftEventsTotal *prometheus.CounterVec

	// Dispatcher.
	JobsTotal  *prometheus.CounterVec
	JobSeconds *prometheus.HistogramVec

	// Webhook delivery.
	WebhookDeliveries *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by route pattern, method and status code.",
		}, []string{"route", "method", "code"}),
		HTTPSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_seconds",
			Help:      "API request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		NodesByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "count",
			Help:      "Registered nodes by project and status.",
		}, []string{"project", "status"}),
		HeartbeatsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "heartbeats_total",
			Help:      "Heartbeats accepted, by project.",
		}, []string{"project"}),

		CompilesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "compiles_total",
			Help:      "Bundle compile outcomes, by project.",
		}, []string{"project", "outcome"}),
		CompileSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "compile_seconds",
			Help:      "Wall time of bundle compiles.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"project"}),

		RolloutsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rollout",
			Name:      "active",
			Help:      "Rollouts currently running or paused, by project.",
		}, []string{"project"}),
		RolloutTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollout",
			Name:      "transitions_total",
			Help:      "Rollout state transitions, by project and entered state.",
		}, []string{"project", "state"}),

		DriftOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "drift",
			Name:      "open",
			Help:      "Unresolved drift events, by project.",
		}, []string{"project"}),
		DriftEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "drift",
			Name:      "events_total",
			Help:      "Drift events opened and resolved, by project.",
		}, []string{"project", "action"}),

		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "processed_total",
			Help:      "Dispatcher job outcomes, by kind.",
		}, []string{"kind", "outcome"}),
		JobSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Handler wall time, by job kind.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"kind"}),

		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry; mounted at /metrics on the management
// listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
