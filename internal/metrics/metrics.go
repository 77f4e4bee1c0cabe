// Package metrics exposes backup engine activity to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	running    prometheus.Gauge
	conflicts  prometheus.Counter
	artifacts  *prometheus.GaugeVec
}

// New registers the engine collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rbu_operations_total",
			Help: "Finished backup and restore operations by kind and status",
		}, []string{"kind", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rbu_operation_duration_seconds",
			Help:    "Duration of finished operations",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"kind"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rbu_operations_running",
			Help: "Operations currently holding the mutation lock",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rbu_operation_conflicts_total",
			Help: "Mutating requests refused because another operation was running",
		}),
		artifacts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rbu_backup_artifacts",
			Help: "Backup artifacts in the catalog by kind, as of the last listing",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.operations, m.duration, m.running, m.conflicts, m.artifacts)
	return m
}

func (m *Metrics) OperationStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) OperationFinished(kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.running.Dec()
	m.operations.WithLabelValues(kind, status).Inc()
	m.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// Artifacts records the size of the last catalog listing.
func (m *Metrics) Artifacts(counts map[string]int) {
	if m == nil {
		return
	}
	m.artifacts.Reset()
	for kind, n := range counts {
		m.artifacts.WithLabelValues(kind).Set(float64(n))
	}
}
