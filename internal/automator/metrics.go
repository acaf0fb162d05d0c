package automator

import "github.com/prometheus/client_golang/prometheus"

// Metric label values.
const (
	pollTask  = "task"
	pollEmpty = "empty"
	pollError = "error"

	updateSuccess = "success"
	updateFailure = "failure"
)

var (
	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_automator_polls_total",
			Help: "Total number of task polls, by task type and result.",
		},
		[]string{"task_type", "result"},
	)

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_automator_tasks_total",
			Help: "Total number of tasks executed, by task type and outcome status.",
		},
		[]string{"task_type", "status"},
	)

	updateAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_automator_update_attempts_total",
			Help: "Total number of task result update attempts, by task type and result.",
		},
		[]string{"task_type", "result"},
	)

	updatesAbandonedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_automator_updates_abandoned_total",
			Help: "Total number of task results dropped after exhausting update retries.",
		},
		[]string{"task_type"},
	)

	inflightTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ember_automator_inflight_tasks",
			Help: "Number of tasks currently executing or pushing their result, by task type.",
		},
		[]string{"task_type"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ember_automator_task_duration_seconds",
			Help:    "Worker execution time per task, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)
)

func init() {
	prometheus.MustRegister(pollsTotal)
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(updateAttemptsTotal)
	prometheus.MustRegister(updatesAbandonedTotal)
	prometheus.MustRegister(inflightTasks)
	prometheus.MustRegister(taskDuration)
}
