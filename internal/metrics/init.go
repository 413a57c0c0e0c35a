package metrics

// InitializeMetrics pre-populates expected label combinations so that every
// metric is exported from the first Prometheus scrape.
// Call this once at startup after metric registration.
func InitializeMetrics() {
	queues := []string{"library_scan", "collection_scan", "thumbnail_generation", "cache_generation"}
	for _, q := range queues {
		QueueTasksPublished.WithLabelValues(q)
		QueueTaskDuration.WithLabelValues(q)
		for _, status := range []string{"ok", "skip", "error"} {
			QueueTasksProcessed.WithLabelValues(q, status)
		}
	}

	for _, action := range []string{"created", "resumed", "rescanned", "skipped"} {
		CollectionsScanned.WithLabelValues(action)
	}

	for _, kind := range []string{"thumbnail", "cache"} {
		DerivativeDuration.WithLabelValues(kind)
		for _, status := range []string{"ok", "skipped", "failed"} {
			DerivativesGenerated.WithLabelValues(kind, status)
		}
	}

	for _, op := range []string{"stat", "open"} {
		FilesystemRetryAttempts.WithLabelValues(op)
		FilesystemStaleErrors.WithLabelValues(op)
	}
}
