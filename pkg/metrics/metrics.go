package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Run orchestrator metrics
	RunsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlpoint_runs_active",
			Help: "Number of runs currently being driven by this process",
		},
	)

	RunsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlpoint_runs_dispatched_total",
			Help: "Total number of runs claimed and dispatched",
		},
	)

	RunsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlpoint_runs_finished_total",
			Help: "Total number of finished runs by terminal status",
		},
		[]string{"status"},
	)

	RunsOrphaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlpoint_runs_orphaned_total",
			Help: "Total number of RUNNING rows failed by the janitor",
		},
	)

	// Request queue metrics
	QueueRequestsAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlpoint_queue_requests_added_total",
			Help: "Total requests added to queues by dedup outcome",
		},
		[]string{"outcome"},
	)

	QueueLocksAcquired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlpoint_queue_locks_acquired_total",
			Help: "Total request leases acquired",
		},
	)

	QueueLockConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlpoint_queue_lock_conflicts_total",
			Help: "Total lease ownership rejections",
		},
	)

	// Dataset metrics
	DatasetItemsPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlpoint_dataset_items_pushed_total",
			Help: "Total dataset items written",
		},
	)

	// Log pipeline metrics
	LogEntriesAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlpoint_log_entries_appended_total",
			Help: "Total log entries appended to run rings",
		},
	)

	LogSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlpoint_log_subscribers",
			Help: "Number of active log stream subscribers",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlpoint_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlpoint_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RunsActive)
	prometheus.MustRegister(RunsDispatched)
	prometheus.MustRegister(RunsFinished)
	prometheus.MustRegister(RunsOrphaned)
	prometheus.MustRegister(QueueRequestsAdded)
	prometheus.MustRegister(QueueLocksAcquired)
	prometheus.MustRegister(QueueLockConflicts)
	prometheus.MustRegister(DatasetItemsPushed)
	prometheus.MustRegister(LogEntriesAppended)
	prometheus.MustRegister(LogSubscribers)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
