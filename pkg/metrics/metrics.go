package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics
	WorkerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_worker_state",
			Help: "Current worker state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_jobs_total",
			Help: "Total number of worker jobs by kind and result",
		},
		[]string{"kind", "result"},
	)

	JobsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_jobs_rejected_total",
			Help: "Total number of jobs rejected because the worker was busy",
		},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_job_duration_seconds",
			Help:    "Worker job duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"kind"},
	)

	// Build metrics
	PackagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_packages_total",
			Help: "Total number of packages processed by final status",
		},
		[]string{"status"},
	)

	PackageBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_package_build_duration_seconds",
			Help:    "Time taken to build and install one package in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
	)

	BuildPhasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_build_phases_total",
			Help: "Total number of build phase transitions detected in build output",
		},
		[]string{"phase"},
	)

	// Environment metrics
	TeardownFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_environment_teardown_failures_total",
			Help: "Total number of failed environment teardown steps",
		},
		[]string{"step"},
	)

	ProcessesKilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_environment_processes_killed_total",
			Help: "Total number of processes signalled while tearing down the chroot",
		},
	)

	// Queue coordinator metrics
	QueueRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_queue_requests_total",
			Help: "Total number of requests to the queue coordinator by method and status",
		},
		[]string{"method", "status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Host metrics
	DiskFreeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_host_disk_free_bytes",
			Help: "Free space on the storage filesystem in bytes",
		},
	)

	ImagingProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_media_imaging_progress",
			Help: "Progress of the current media update in percent",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkerState)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsRejected)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(PackagesTotal)
	prometheus.MustRegister(PackageBuildDuration)
	prometheus.MustRegister(BuildPhasesTotal)
	prometheus.MustRegister(TeardownFailures)
	prometheus.MustRegister(ProcessesKilled)
	prometheus.MustRegister(QueueRequestsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(DiskFreeBytes)
	prometheus.MustRegister(ImagingProgress)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on the histogram with the given labels
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
