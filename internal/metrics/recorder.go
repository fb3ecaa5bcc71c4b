package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives import pipeline measurements.
type Recorder interface {
	RecordTaskFinished(entityKind, state string, duration time.Duration)
	RecordRows(entityKind string, succeeded, failed int)
	RecordBatch(entityKind string, duration time.Duration)
	SetQueueDepth(depth int)
}

// PrometheusRecorder is a Prometheus implementation of Recorder.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	taskDurationSeconds *prometheus.HistogramVec
	taskStateCounter    *prometheus.CounterVec
	rowCounter          *prometheus.CounterVec
	batchDuration       *prometheus.HistogramVec
	queueDepth          prometheus.Gauge
}

// NewPrometheusRecorder creates a recorder with its own registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		taskDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "record_import_task_duration_seconds",
			Help:    "Duration of import task executions.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"entity_kind", "state"}),
		taskStateCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "record_import_tasks_total",
			Help: "Total number of finalized import tasks by state.",
		}, []string{"entity_kind", "state"}),
		rowCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "record_import_rows_total",
			Help: "Total rows processed by outcome.",
		}, []string{"entity_kind", "outcome"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "record_import_batch_duration_seconds",
			Help:    "Duration of batch writes.",
			Buckets: prometheus.DefBuckets,
		}, []string{"entity_kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "record_import_queue_depth",
			Help: "Import tasks waiting in the queue.",
		}),
	}

	registry.MustRegister(r.taskDurationSeconds)
	registry.MustRegister(r.taskStateCounter)
	registry.MustRegister(r.rowCounter)
	registry.MustRegister(r.batchDuration)
	registry.MustRegister(r.queueDepth)
	return r
}

// Registry returns the Prometheus registry.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *PrometheusRecorder) RecordTaskFinished(entityKind, state string, duration time.Duration) {
	r.taskStateCounter.WithLabelValues(entityKind, state).Inc()
	r.taskDurationSeconds.WithLabelValues(entityKind, state).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) RecordRows(entityKind string, succeeded, failed int) {
	if succeeded > 0 {
		r.rowCounter.WithLabelValues(entityKind, "succeeded").Add(float64(succeeded))
	}
	if failed > 0 {
		r.rowCounter.WithLabelValues(entityKind, "failed").Add(float64(failed))
	}
}

func (r *PrometheusRecorder) RecordBatch(entityKind string, duration time.Duration) {
	r.batchDuration.WithLabelValues(entityKind).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) SetQueueDepth(depth int) {
	r.queueDepth.Set(float64(depth))
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordTaskFinished(string, string, time.Duration) {}
func (Nop) RecordRows(string, int, int)                      {}
func (Nop) RecordBatch(string, time.Duration)                {}
func (Nop) SetQueueDepth(int)                                {}
