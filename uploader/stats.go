package uploader

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provide upload level metrics.
type Metrics struct {
	TasksStarted   *prometheus.CounterVec
	TasksSucceeded *prometheus.CounterVec
	TasksFailed    *prometheus.CounterVec
	TasksRetried   *prometheus.CounterVec
	BytesUploaded  *prometheus.CounterVec
	TasksPending   prometheus.Gauge
	TasksRunning   prometheus.Gauge
}

// NewMetrics creates a new metrics instance. The instance shall be
// registered before any processing takes place.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "tasks_started_total",
			Help:      "Number of upload attempts started",
		}, []string{"kind"}),
		TasksSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "tasks_succeeded_total",
			Help:      "Number of uploads completed successfully",
		}, []string{"kind"}),
		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "tasks_failed_total",
			Help:      "Number of upload attempts that failed",
		}, []string{"kind"}),
		TasksRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "tasks_retried_total",
			Help:      "Number of failed uploads left eligible for retry",
		}, []string{"kind"}),
		BytesUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "bytes_uploaded_total",
			Help:      "Number of artifact bytes read by uploads",
		}, []string{"kind"}),
		TasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "tasks_pending",
			Help:      "Number of tasks waiting to be claimed",
		}),
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "tasks_running",
			Help:      "Number of uploads in flight",
		}),
	}
}

// Collectors returns all prometheus metrics as collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{
		m.TasksStarted,
		m.TasksSucceeded,
		m.TasksFailed,
		m.TasksRetried,
		m.BytesUploaded,
		m.TasksPending,
		m.TasksRunning,
	}
}

// started records the start of an upload attempt
func (m *Metrics) started(kind string) {
	if m == nil {
		return
	}
	m.TasksStarted.WithLabelValues(kind).Inc()
}

// succeeded records a completed upload of n bytes
func (m *Metrics) succeeded(kind string, n int64) {
	if m == nil {
		return
	}
	m.TasksSucceeded.WithLabelValues(kind).Inc()
	m.BytesUploaded.WithLabelValues(kind).Add(float64(n))
}

// failed records a failed attempt, retryable or not
func (m *Metrics) failed(kind string, retryable bool) {
	if m == nil {
		return
	}
	m.TasksFailed.WithLabelValues(kind).Inc()
	if retryable {
		m.TasksRetried.WithLabelValues(kind).Inc()
	}
}

// queue records the current queue depths
func (m *Metrics) queue(pending, running int) {
	if m == nil {
		return
	}
	m.TasksPending.Set(float64(pending))
	m.TasksRunning.Set(float64(running))
}
