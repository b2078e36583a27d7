// Package metrics exposes gateway metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"semgate/internal/catalog"
)

const namespace = "semgate"

// Metrics owns a private registry with every gateway collector.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections   prometheus.Gauge
	connections         *prometheus.CounterVec
	queries             *prometheus.CounterVec
	queryDuration       *prometheus.HistogramVec
	catalogRefreshes    *prometheus.CounterVec
	catalogVersion      prometheus.Gauge
	catalogBuiltSeconds prometheus.Gauge
}

// New creates a Metrics with its own registry. Process and Go runtime
// collectors are registered alongside the gateway's own.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connections",
			Help: "Client connections currently open.",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Client connections by outcome of the startup handshake.",
		}, []string{"outcome"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queries_total",
			Help: "Statements executed, by statement class and outcome.",
		}, []string{"class", "outcome"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "query_duration_seconds",
			Help:    "Statement latency from receipt to CommandComplete.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"class"}),
		catalogRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "catalog_refreshes_total",
			Help: "Catalog refresh attempts by result.",
		}, []string{"result"}),
		catalogVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "catalog_version",
			Help: "Version of the catalog snapshot being served.",
		}),
		catalogBuiltSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "catalog_built_timestamp_seconds",
			Help: "Unix time the served catalog snapshot was built. Subtract from time() for its age.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeConnections, m.connections, m.queries, m.queryDuration,
		m.catalogRefreshes, m.catalogVersion, m.catalogBuiltSeconds,
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRefresh implements catalog.RefreshObserver.
func (m *Metrics) ObserveRefresh(result string, snap *catalog.Snapshot) {
	m.catalogRefreshes.WithLabelValues(result).Inc()
	if snap != nil {
		m.catalogVersion.Set(float64(snap.Version))
		m.catalogBuiltSeconds.Set(float64(snap.BuiltAt.Unix()))
	}
}

// ConnectionOpened records an accepted, authenticated connection.
func (m *Metrics) ConnectionOpened() {
	m.activeConnections.Inc()
	m.connections.WithLabelValues("accepted").Inc()
}

// ConnectionClosed records the end of a connection counted by
// ConnectionOpened.
func (m *Metrics) ConnectionClosed() {
	m.activeConnections.Dec()
}

// ConnectionRejected records a connection refused before its session began.
func (m *Metrics) ConnectionRejected(reason string) {
	m.connections.WithLabelValues(reason).Inc()
}

// QueryFinished records one statement.
func (m *Metrics) QueryFinished(class, outcome string, d time.Duration) {
	m.queries.WithLabelValues(class, outcome).Inc()
	m.queryDuration.WithLabelValues(class).Observe(d.Seconds())
}
