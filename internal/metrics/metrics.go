// Package metrics provides Prometheus metrics for the agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	MessagesTotal     *prometheus.CounterVec
	TasksTotal        *prometheus.CounterVec
	TaskDuration      *prometheus.HistogramVec
	ApprovalsTotal    *prometheus.CounterVec
	LockDeferrals     prometheus.Counter
	QueueDepth        prometheus.Gauge
	CycleDuration     prometheus.Histogram
	ListenErrorsTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slackclaw_messages_total",
				Help: "Observed channel messages by outcome (new, duplicate, ignored, task).",
			},
			[]string{"outcome"},
		),
		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slackclaw_tasks_total",
				Help: "Finished tasks by terminal status.",
			},
			[]string{"status"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "slackclaw_task_duration_seconds",
				Help:    "Task execution duration by command kind.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		ApprovalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slackclaw_approvals_total",
				Help: "Approval resolutions by result (approved, rejected, stale).",
			},
			[]string{"result"},
		),
		LockDeferrals: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "slackclaw_lock_deferrals_total",
				Help: "Tasks deferred because their execution lock was busy.",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "slackclaw_queue_depth",
				Help: "Tasks currently waiting in the in-memory queue.",
			},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "slackclaw_cycle_duration_seconds",
				Help:    "Orchestrator cycle duration.",
				Buckets: prometheus.DefBuckets,
			},
		),
		ListenErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "slackclaw_listen_errors_total",
				Help: "Listener receive errors.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.TasksTotal,
		m.TaskDuration,
		m.ApprovalsTotal,
		m.LockDeferrals,
		m.QueueDepth,
		m.CycleDuration,
		m.ListenErrorsTotal,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
