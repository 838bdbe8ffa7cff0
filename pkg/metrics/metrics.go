// Package metrics registers this controller's Prometheus collectors and
// exposes a health/readiness/liveness surface alongside them, following
// the same registration pattern the teacher uses for its own node
// metrics: a package-level init() wires every collector into the default
// registry once.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Topology metrics
	TopologiesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockade_topologies_total",
			Help: "Total number of active topologies",
		},
	)

	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockade_containers_total",
			Help: "Total number of containers by status",
		},
		[]string{"status"},
	)

	TopologyOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockade_topology_operation_duration_seconds",
			Help:    "Time taken by a Topology Manager operation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	TopologyOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockade_topology_operations_total",
			Help: "Total number of Topology Manager operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// Fault injection metrics
	FaultInjectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockade_fault_injections_total",
			Help: "Total number of fault-injection events by kind and status",
		},
		[]string{"kind", "status"},
	)

	PartitionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockade_partitions_active",
			Help: "Number of partition chains currently installed, by topology",
		},
		[]string{"topology"},
	)

	// Chaos driver metrics
	ChaosTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockade_chaos_transitions_total",
			Help: "Total number of chaos state-machine transitions by from-state and event",
		},
		[]string{"from", "event"},
	)

	ChaosSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockade_chaos_sessions_active",
			Help: "Number of chaos sessions currently tracked by the controller",
		},
	)

	// Host Executor metrics
	HostExecCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockade_host_exec_calls_total",
			Help: "Total number of Host Executor run() calls by status",
		},
		[]string{"status"},
	)

	HostExecDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockade_host_exec_duration_seconds",
			Help:    "Time taken by a Host Executor run() call in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	HostExecHelperReplacements = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockade_host_exec_helper_replacements_total",
			Help: "Total number of times the Host Executor helper container was replaced",
		},
	)

	// REST surface metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockade_api_requests_total",
			Help: "Total number of REST API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockade_api_request_duration_seconds",
			Help:    "REST API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Audit log metrics
	AuditWriteErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockade_audit_write_errors_total",
			Help: "Total number of audit log write errors that were swallowed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TopologiesTotal,
		ContainersTotal,
		TopologyOperationDuration,
		TopologyOperationsTotal,
		FaultInjectionsTotal,
		PartitionsActive,
		ChaosTransitionsTotal,
		ChaosSessionsActive,
		HostExecCallsTotal,
		HostExecDuration,
		HostExecHelperReplacements,
		APIRequestsTotal,
		APIRequestDuration,
		AuditWriteErrorsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
