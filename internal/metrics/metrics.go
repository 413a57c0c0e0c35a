package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue metrics
var (
	QueueTasksPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_ingest_queue_tasks_published_total",
			Help: "Total number of tasks published to work queues",
		},
		[]string{"queue"},
	)

	QueueTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_ingest_queue_tasks_processed_total",
			Help: "Total number of tasks processed, by queue and outcome",
		},
		[]string{"queue", "status"}, // status: "ok", "skip", "error"
	)

	QueueTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_ingest_queue_task_duration_seconds",
			Help:    "Task processing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"queue"},
	)
)

// Job tracker metrics
var (
	JobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_ingest_job_transitions_total",
			Help: "Total number of background job state transitions",
		},
		[]string{"type", "to"},
	)

	JobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_ingest_jobs_active",
			Help: "Number of jobs currently pending or in progress",
		},
	)

	JobMonitorTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "media_ingest_job_monitor_tick_duration_seconds",
			Help:    "Duration of a job monitor sweep",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)
)

// Scan metrics
var (
	CollectionsScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_ingest_collections_scanned_total",
			Help: "Total number of collections processed by scan consumers",
		},
		[]string{"action"}, // "created", "resumed", "rescanned", "skipped"
	)

	ImagesDiscovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_ingest_images_discovered_total",
			Help: "Total number of image records persisted by collection scans",
		},
	)
)

// Derivative metrics
var (
	DerivativesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_ingest_derivatives_generated_total",
			Help: "Total number of derivatives produced, by kind and outcome",
		},
		[]string{"kind", "status"}, // kind: "thumbnail", "cache"; status: "ok", "skipped", "failed"
	)

	DerivativeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_ingest_derivative_duration_seconds",
			Help:    "Time to produce one derivative, decode through write",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)
)

// Catalog metrics
var (
	CatalogQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_ingest_catalog_queries_total",
			Help: "Total number of catalog operations",
		},
		[]string{"operation", "status"},
	)

	CatalogQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_ingest_catalog_query_duration_seconds",
			Help:    "Catalog operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"operation"},
	)
)

// Navigation index metrics
var (
	IndexOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_ingest_index_operations_total",
			Help: "Total number of navigation index operations",
		},
		[]string{"operation", "status"}, // status: "ok", "fallback", "error"
	)

	IndexRebuildsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_ingest_index_rebuilds_total",
			Help: "Total number of navigation index rebuilds",
		},
	)

	IndexEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_ingest_index_entries",
			Help: "Number of collections in the navigation index",
		},
	)
)

// Scheduler metrics
var (
	ScheduledRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_ingest_scheduled_runs_total",
			Help: "Total number of scheduled job runs, by outcome",
		},
		[]string{"job_type", "status"},
	)

	ScheduledJobsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_ingest_scheduled_jobs_registered",
			Help: "Number of scheduled jobs currently registered in the cron runner",
		},
	)
)

// Filesystem metrics
var (
	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_ingest_fs_retry_attempts_total",
			Help: "Total number of filesystem operation retries",
		},
		[]string{"operation"},
	)

	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_ingest_fs_stale_errors_total",
			Help: "Total number of NFS stale file handle errors observed",
		},
		[]string{"operation"},
	)

	WatcherEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_ingest_watcher_events_total",
			Help: "Total number of filesystem watcher events observed",
		},
	)

	WatcherScansTriggered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_ingest_watcher_scans_triggered_total",
			Help: "Total number of incremental scans triggered by the watcher",
		},
	)
)
