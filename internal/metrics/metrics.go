// Package metrics holds the prometheus collectors of the scheduler process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	TasksCreated     prometheus.Counter
	TaskTransitions  *prometheus.CounterVec
	TasksExpired     *prometheus.CounterVec
	TasksDequeued    prometheus.Counter
	TasksRetried     prometheus.Counter
	TasksPurged      prometheus.Counter
	TasksScheduled   prometheus.Counter
	DequeueDuration  prometheus.Histogram
	LongPollWaiting  *prometheus.GaugeVec
	DaemonRunSeconds *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor", Name: "tasks_created_total",
			Help: "Tasks created through the API, retries and schedules.",
		}),
		TaskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor", Name: "task_transitions_total",
			Help: "Task state transitions by target state.",
		}, []string{"state"}),
		TasksExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor", Name: "tasks_expired_total",
			Help: "Tasks expired by the sweeper by reason.",
		}, []string{"reason"}),
		TasksDequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor", Name: "tasks_dequeued_total",
			Help: "Tasks handed out to workers.",
		}),
		TasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor", Name: "tasks_retried_total",
			Help: "Retry tasks created after a failure.",
		}),
		TasksPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor", Name: "tasks_purged_total",
			Help: "Terminated tasks hard deleted by the cleaner.",
		}),
		TasksScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor", Name: "schedule_tasks_materialized_total",
			Help: "Tasks materialized from recurring schedules.",
		}),
		DequeueDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "conductor", Name: "dequeue_duration_seconds",
			Help:    "Latency of the dequeue transaction.",
			Buckets: prometheus.DefBuckets,
		}),
		LongPollWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conductor", Name: "long_poll_waiting",
			Help: "Requests currently suspended in a long poll.",
		}, []string{"kind"}),
		DaemonRunSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conductor", Name: "daemon_run_seconds",
			Help:    "Duration of background daemon passes.",
			Buckets: prometheus.DefBuckets,
		}, []string{"daemon"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TasksCreated, m.TaskTransitions, m.TasksExpired, m.TasksDequeued, m.TasksRetried,
		m.TasksPurged, m.TasksScheduled, m.DequeueDuration, m.LongPollWaiting, m.DaemonRunSeconds,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
