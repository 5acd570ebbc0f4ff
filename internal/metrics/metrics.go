// Package metrics defines the Prometheus instrumentation for the task
// subsystem and the /metrics exposition handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the subsystem emits. All components share
// one instance wired up in cmd/server.
type Metrics struct {
	registry *prometheus.Registry

	// QueueDepth is the number of pending+retrying tasks per queue.
	QueueDepth *prometheus.GaugeVec

	// OldestPendingAge is the age in seconds of the oldest visible pending
	// task per queue.
	OldestPendingAge *prometheus.GaugeVec

	TasksSubmitted    *prometheus.CounterVec
	TasksLeased       *prometheus.CounterVec
	TasksSucceeded    *prometheus.CounterVec
	TasksFailed       *prometheus.CounterVec
	TasksDeadLettered *prometheus.CounterVec
	TasksCancelled    *prometheus.CounterVec

	// LeasesReclaimed counts expired leases returned to pending.
	LeasesReclaimed *prometheus.CounterVec

	// WorkersOnline is the current number of live worker slots per queue.
	WorkersOnline *prometheus.GaugeVec

	// RateLimitRejections counts token-bucket denials per task type.
	RateLimitRejections *prometheus.CounterVec

	// ScaleEvents counts autoscaler actions per queue and direction.
	ScaleEvents *prometheus.CounterVec
}

// New creates the collector set on a fresh registry, including the standard
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskwell_queue_depth",
			Help: "Number of pending and retrying tasks per queue.",
		}, []string{"queue"}),
		OldestPendingAge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskwell_oldest_pending_age_seconds",
			Help: "Age of the oldest visible pending task per queue.",
		}, []string{"queue"}),
		TasksSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwell_tasks_submitted_total",
			Help: "Tasks accepted by the submission API per queue.",
		}, []string{"queue"}),
		TasksLeased: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwell_tasks_leased_total",
			Help: "Leases granted per queue.",
		}, []string{"queue"}),
		TasksSucceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwell_tasks_succeeded_total",
			Help: "Tasks acked as succeeded per queue.",
		}, []string{"queue"}),
		TasksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwell_tasks_failed_total",
			Help: "Failed executions per queue, including ones later retried.",
		}, []string{"queue"}),
		TasksDeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwell_tasks_dead_lettered_total",
			Help: "Tasks moved to the dead-letter state per queue.",
		}, []string{"queue"}),
		TasksCancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwell_tasks_cancelled_total",
			Help: "Tasks cancelled per queue.",
		}, []string{"queue"}),
		LeasesReclaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwell_leases_reclaimed_total",
			Help: "Expired leases returned to pending per queue.",
		}, []string{"queue"}),
		WorkersOnline: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskwell_workers_online",
			Help: "Live worker slots per queue.",
		}, []string{"queue"}),
		RateLimitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwell_ratelimit_rejections_total",
			Help: "Token-bucket denials per task type.",
		}, []string{"type"}),
		ScaleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwell_scale_events_total",
			Help: "Autoscaler actions per queue and direction.",
		}, []string{"queue", "direction"}),
	}
}

// Handler returns the /metrics exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
