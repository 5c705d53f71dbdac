// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsStarted   *prometheus.CounterVec
	ExecutionsCompleted *prometheus.CounterVec
	ExecutionsFailed    *prometheus.CounterVec
	NodesSkipped        prometheus.Counter
	NodeDuration        *prometheus.HistogramVec
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ExecutionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_executions_started_total",
			Help: "Workflow executions started.",
		}, []string{"workflow_id"}),
		ExecutionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_executions_completed_total",
			Help: "Workflow executions that reached COMPLETED.",
		}, []string{"workflow_id"}),
		ExecutionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_executions_failed_total",
			Help: "Workflow executions that reached FAILED.",
		}, []string{"workflow_id"}),
		NodesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_nodes_skipped_total",
			Help: "Nodes skipped because no executor was registered for their type.",
		}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_node_duration_seconds",
			Help:    "Wall time spent executing a node.",
			Buckets: prometheus.DefBuckets,
		}, []string{"node_type"}),
	}

	reg.MustRegister(
		m.ExecutionsStarted,
		m.ExecutionsCompleted,
		m.ExecutionsFailed,
		m.NodesSkipped,
		m.NodeDuration,
	)
	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
