package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task manager metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netlab_tasks_total",
			Help: "Total number of tasks by terminal status",
		},
		[]string{"status"},
	)

	TasksRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netlab_tasks_retried_total",
			Help: "Total number of task retries",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netlab_task_queue_depth",
			Help: "Current number of tasks waiting in the priority queue",
		},
	)

	RunningTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netlab_tasks_running",
			Help: "Current number of tasks in the running state",
		},
	)

	// Resource manager metrics
	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netlab_servers_total",
			Help: "Total number of hosts by status",
		},
		[]string{"status"},
	)

	ServerLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netlab_server_load",
			Help: "Weighted load estimate for a host, in [0,1]",
		},
		[]string{"host"},
	)

	AllocationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netlab_allocation_failures_total",
			Help: "Total number of allocate-server calls that found no available host",
		},
	)

	MonitoringProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netlab_monitoring_probe_duration_seconds",
			Help:    "Time taken to probe one host's system info",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lifecycle runner metrics
	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netlab_experiment_phase_duration_seconds",
			Help:    "Time taken by one lifecycle phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	ExperimentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netlab_experiments_total",
			Help: "Total number of experiment runs by terminal status",
		},
		[]string{"status"},
	)

	ExperimentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netlab_experiment_duration_seconds",
			Help:    "End-to-end duration of one experiment run",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600, 21600},
		},
	)

	// Result manager metrics
	ResultsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netlab_results_stored_total",
			Help: "Total number of results written to the result index",
		},
	)

	ResultPersistDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netlab_result_persist_duration_seconds",
			Help:    "Time taken to atomically rewrite metadata.json",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		TasksRetried,
		QueueDepth,
		RunningTasks,
		ServersTotal,
		ServerLoad,
		AllocationFailures,
		MonitoringProbeDuration,
		PhaseDuration,
		ExperimentsTotal,
		ExperimentDuration,
		ResultsStored,
		ResultPersistDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
