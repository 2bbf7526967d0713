// Package metrics exposes the gateway's Prometheus instrumentation on a
// private registry so tests can run side by side without collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the gateway records.
type Metrics struct {
	registry *prometheus.Registry

	// RequestsTotal counts orchestrated requests by tool and outcome.
	RequestsTotal *prometheus.CounterVec
	// RequestDuration observes end-to-end request latency by tool.
	RequestDuration *prometheus.HistogramVec
	// TierDecisions counts router classifications by tier.
	TierDecisions *prometheus.CounterVec
	// ErrorsTotal counts failures by taxonomy kind and class.
	ErrorsTotal *prometheus.CounterVec
	// EventsLogged counts events written by lane.
	EventsLogged *prometheus.CounterVec
}

// New builds a metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Orchestrated requests by tool and outcome.",
		}, []string{"tool", "outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"tool"}),
		TierDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_router_tier_total",
			Help: "Router classifications by tier.",
		}, []string{"tier"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Failures by taxonomy kind and class.",
		}, []string{"kind", "class"}),
		EventsLogged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_logged_total",
			Help: "Events written to the ingestion lane by lane.",
		}, []string{"lane"}),
	}
}

// RegisterGauges wires callback gauges that sample live state: the logger's
// buffered event count and the number of open WebSocket sessions.
func (m *Metrics) RegisterGauges(buffered, sessions func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_logger_buffered_events",
		Help: "Events waiting in the batch logger buffer.",
	}, buffered))
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_active_sessions",
		Help: "Open WebSocket sessions.",
	}, sessions))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
