// Package metrics provides Prometheus instrumentation for proxy-ify.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for proxy-ify. Every instance owns its
// own registry, so several servers (or tests) never collide.
type Metrics struct {
	Registry *prometheus.Registry

	// Connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	AdmissionWaits    prometheus.Counter
	Panics            prometheus.Counter

	// Request metrics
	DeniedRequests     *prometheus.CounterVec
	ForwardedResponses *prometheus.CounterVec
	UpstreamFailures   *prometheus.CounterVec

	// Tunnel metrics
	TunnelsTotal   prometheus.Counter
	RelayedBytes   *prometheus.CounterVec
	TunnelDuration prometheus.Histogram

	namespace string
}

// New creates a Metrics instance registered on a fresh registry, together
// with the Go runtime and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "proxyify"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry:  reg,
		namespace: namespace,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of connections currently being handled",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of admitted connections",
		}),
		AdmissionWaits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_waits_total",
			Help:      "Connections that waited for a free slot under the connection ceiling",
		}),
		Panics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Panics recovered by the connection dispatcher",
		}),
		DeniedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "denied_requests_total",
			Help:      "Requests the authorizer denied",
		}, []string{"policy"}),
		ForwardedResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_responses_total",
			Help:      "Origin responses written back to clients",
		}, []string{"code"}),
		UpstreamFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Failed attempts to reach an origin",
		}, []string{"kind"}),
		TunnelsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_total",
			Help:      "Total number of established CONNECT tunnels",
		}),
		RelayedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed through CONNECT tunnels",
		}, []string{"direction"}),
		TunnelDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tunnel_duration_seconds",
			Help:      "Lifetime of CONNECT tunnels",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}),
	}
}

// TrackTunnels exports count as the active tunnel gauge.
func (m *Metrics) TrackTunnels(count func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "active_tunnels",
		Help:      "Number of registered CONNECT tunnels",
	}, func() float64 { return float64(count()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
