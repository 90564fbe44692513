package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsStarted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dagforge_runs_started_total", Help: "Execution runs instantiated"})
	RunsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{Name: "dagforge_runs_succeeded_total", Help: "Execution runs that finished with every task succeeded"})
	RunsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dagforge_runs_failed_total", Help: "Execution runs that finished with at least one failed task"})
	TicksSkipped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dagforge_ticks_skipped_total", Help: "Schedule ticks skipped (historical with catchup disabled, before start_date, or duplicate)"})
	TaskRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dagforge_task_retries_total", Help: "Task attempts re-dispatched after a retryable failure"})
	TasksFailed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dagforge_tasks_failed_total", Help: "Tasks that ended in a terminal failed state"})
	TaskDuration  = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dagforge_task_duration_seconds",
		Help:    "Wall time of task attempts as reported by the engine",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	InFlightTasks = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dagforge_tasks_inflight", Help: "Tasks currently dispatched and not yet reported"})

	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dagforge_process_cpu_percent", Help: "Host CPU utilization sampled by the stats loop"})
	ProcessMemPercent = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dagforge_process_memory_percent", Help: "Host memory utilization sampled by the stats loop"})
)

// Handler exposes the /metrics HTTP handler with a singleton registration.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsStarted,
			RunsSucceeded,
			RunsFailed,
			TicksSkipped,
			TaskRetries,
			TasksFailed,
			TaskDuration,
			InFlightTasks,
			ProcessCPUPercent,
			ProcessMemPercent,
		)
	})
	return promhttp.Handler()
}
