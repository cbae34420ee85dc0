// Package metrics holds the Prometheus collectors of training flows and
// the prediction API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method is then a
// no-op.
type Metrics struct {
	registry *prometheus.Registry

	taskTransitions *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	droppedRecords  *prometheus.CounterVec
	predictRequests *prometheus.CounterVec
	predictLatency  *prometheus.HistogramVec
	candidateSize   prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ms2sim"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}))

	m := &Metrics{
		registry: reg,
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "task_transitions_total",
			Help:      "Task state transitions by flow, task and target state.",
		}, []string{"flow", "task", "state"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "task_duration_seconds",
			Help:      "Wall time of task attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"flow", "task"}),
		droppedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "dropped_records_total",
			Help:      "Records dropped as unreadable or rejected, by stage.",
		}, []string{"stage"}),
		predictRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "predict_requests_total",
			Help:      "Prediction requests by ion mode and outcome.",
		}, []string{"ion_mode", "status"}),
		predictLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "predict_duration_seconds",
			Help:      "Prediction request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"ion_mode"}),
		candidateSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "candidate_set_size",
			Help:      "Reference spectra in the precursor window of a query.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	reg.MustRegister(m.taskTransitions, m.taskDuration, m.droppedRecords,
		m.predictRequests, m.predictLatency, m.candidateSize)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TaskTransition(flow, task, state string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(flow, task, state).Inc()
}

func (m *Metrics) TaskDuration(flow, task string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(flow, task).Observe(d.Seconds())
}

func (m *Metrics) Dropped(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedRecords.WithLabelValues(stage).Add(float64(n))
}

func (m *Metrics) Prediction(ionMode, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.predictRequests.WithLabelValues(ionMode, status).Inc()
	m.predictLatency.WithLabelValues(ionMode).Observe(d.Seconds())
}

func (m *Metrics) CandidateSetSize(n int) {
	if m == nil {
		return
	}
	m.candidateSize.Observe(float64(n))
}
