package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "followline_tasks_created_total",
		Help: "Tasks accepted by the store, by type.",
	}, []string{"type"})

	TaskTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "followline_task_transitions_total",
		Help: "Successful status transitions, by target status.",
	}, []string{"status"})

	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "followline_messages_sent_total",
		Help: "Messages delivered by the executor, by task type.",
	}, []string{"type"})

	DraftsProduced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "followline_drafts_total",
		Help: "Drafts persisted for human review, by task type.",
	}, []string{"type"})

	SweepErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "followline_sweep_errors_total",
		Help: "Per-task failures isolated inside worker sweeps.",
	}, []string{"worker"})

	SweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "followline_sweep_duration_seconds",
		Help:    "Duration of scheduler/executor/detector sweeps.",
		Buckets: prometheus.DefBuckets,
	}, []string{"worker"})
)

var registerOnce sync.Once

// RegisterMetrics registers all collectors with the default registry.
// Safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TasksCreated,
			TaskTransitions,
			MessagesSent,
			DraftsProduced,
			SweepErrors,
			SweepDuration,
		)
	})
}
