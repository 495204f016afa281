package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors recorded by the IPC server.
type Metrics struct {
	Requests    *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
	ActiveConns prometheus.Gauge
	Connections prometheus.Counter
	ConnErrors  prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors labelled with the service name and registers
// them, along with Go runtime collectors, on a private registry.
func New(service string) *Metrics {
	labels := prometheus.Labels{"service": service}
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "fgp",
			Name:        "requests_total",
			Help:        "Requests handled, by method and result code.",
			ConstLabels: labels,
		}, []string{"method", "code"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "fgp",
			Name:        "request_duration_seconds",
			Help:        "Server-side request processing time.",
			ConstLabels: labels,
			Buckets:     []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		}, []string{"method"}),
		ActiveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "fgp",
			Name:        "active_connections",
			Help:        "Currently open client connections.",
			ConstLabels: labels,
		}),
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "fgp",
			Name:        "connections_total",
			Help:        "Accepted client connections.",
			ConstLabels: labels,
		}),
		ConnErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "fgp",
			Name:        "connection_errors_total",
			Help:        "Connections terminated by a stream error.",
			ConstLabels: labels,
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.Requests, m.Latency, m.ActiveConns, m.Connections, m.ConnErrors)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// ObserveRequest records one answered request. Nil receivers are ignored so
// callers need not check whether metrics are enabled.
func (m *Metrics) ObserveRequest(method, code string, seconds float64) {
	if m == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	m.Requests.WithLabelValues(method, code).Inc()
	m.Latency.WithLabelValues(method).Observe(seconds)
}

// ConnOpened records an accepted connection.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
	m.ActiveConns.Inc()
}

// ConnClosed records a finished connection.
func (m *Metrics) ConnClosed(streamErr bool) {
	if m == nil {
		return
	}
	m.ActiveConns.Dec()
	if streamErr {
		m.ConnErrors.Inc()
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
