package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects relay counters for Prometheus. A nil *Metrics is valid
// and records nothing, which keeps test wiring small.
type Metrics struct {
	reg *prometheus.Registry

	tasksDispatched prometheus.Counter
	tasksCompleted  prometheus.Counter
	tasksFailed     prometheus.Counter
	tasksTimedOut   prometheus.Counter
	taskLatency     prometheus.Histogram
	connectedShops  prometheus.Gauge
}

// NewMetrics creates and registers the relay metric set on its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printhub_tasks_dispatched_total",
			Help: "Total number of tasks sent to agents",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printhub_tasks_completed_total",
			Help: "Total number of tasks that resolved with a result",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printhub_tasks_failed_total",
			Help: "Total number of tasks that failed to dispatch or errored",
		}),
		tasksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printhub_tasks_timeout_total",
			Help: "Total number of tasks that timed out waiting for a result",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "printhub_task_latency_seconds",
			Help:    "Latency from dispatch to terminal state",
			Buckets: prometheus.DefBuckets,
		}),
		connectedShops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "printhub_connected_shops",
			Help: "Number of shops with a live agent connection",
		}),
	}

	m.reg.MustRegister(m.tasksDispatched, m.tasksCompleted, m.tasksFailed,
		m.tasksTimedOut, m.taskLatency, m.connectedShops)
	return m
}

// Handler serves the metric set in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// TaskDispatched records a successful transport send.
func (m *Metrics) TaskDispatched() {
	if m == nil {
		return
	}
	m.tasksDispatched.Inc()
}

// TaskCompleted records a task resolving with a result.
func (m *Metrics) TaskCompleted(latencySeconds float64) {
	if m == nil {
		return
	}
	m.tasksCompleted.Inc()
	m.taskLatency.Observe(latencySeconds)
}

// TaskFailed records a dispatch failure or an error result.
func (m *Metrics) TaskFailed() {
	if m == nil {
		return
	}
	m.tasksFailed.Inc()
}

// TaskTimedOut records a task expiring without a result.
func (m *Metrics) TaskTimedOut() {
	if m == nil {
		return
	}
	m.tasksTimedOut.Inc()
}

// SetConnectedShops updates the live connection gauge.
func (m *Metrics) SetConnectedShops(n int) {
	if m == nil {
		return
	}
	m.connectedShops.Set(float64(n))
}
