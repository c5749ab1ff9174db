package taskqueue

import (
	"github.com/LeeDigitalWorks/zapingest/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TasksProcessedTotal counts handled tasks by outcome: completed,
	// cancelled, failed or no_handler.
	TasksProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapingest",
		Subsystem: "taskqueue",
		Name:      "tasks_processed_total",
		Help:      "Total number of tasks processed",
	}, []string{"type", "status"})

	// TaskProcessingDuration includes the wait for the whole upload on
	// last_video_part tasks, hence the long tail.
	TaskProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zapingest",
		Subsystem: "taskqueue",
		Name:      "task_processing_duration_seconds",
		Help:      "Time spent processing tasks",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 1200},
	}, []string{"type"})

	TasksEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapingest",
		Subsystem: "taskqueue",
		Name:      "tasks_enqueued_total",
		Help:      "Total number of tasks enqueued",
	}, []string{"type"})

	TaskRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapingest",
		Subsystem: "taskqueue",
		Name:      "task_retries_total",
		Help:      "Total number of task retries",
	}, []string{"type"})

	TasksDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapingest",
		Subsystem: "taskqueue",
		Name:      "tasks_dead_lettered_total",
		Help:      "Tasks that used up their retries",
	}, []string{"type"})

	// QueueDepth is refreshed by workers with a StatsInterval.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "zapingest",
		Subsystem: "taskqueue",
		Name:      "queue_depth",
		Help:      "Current number of tasks in queue by status",
	}, []string{"status"})

	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zapingest",
		Subsystem: "taskqueue",
		Name:      "workers_active",
		Help:      "Number of active worker goroutines",
	})

	DequeueErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapingest",
		Subsystem: "taskqueue",
		Name:      "dequeue_errors_total",
		Help:      "Total number of dequeue errors",
	})

	// DeadlockRetries counts database transactions retried after a deadlock.
	DeadlockRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapingest",
		Subsystem: "taskqueue",
		Name:      "deadlock_retries_total",
		Help:      "Total number of deadlock retries in the database queue",
	})
)

func init() {
	debug.Registry().MustRegister(
		TasksProcessedTotal,
		TaskProcessingDuration,
		TasksEnqueuedTotal,
		TaskRetries,
		TasksDeadLettered,
		QueueDepth,
		WorkerActive,
		DequeueErrors,
		DeadlockRetries,
	)
}
