// Package startup handles service initialization, configuration loading,
// and startup/shutdown logging.
//
// # Configuration
//
// All configuration is loaded from environment variables via [LoadConfig].
// The following environment variables are supported:
//
//   - CATALOG_DIR: Directory holding the sqlite catalog (default: /data/catalog)
//   - CACHE_ROOT: Root for generated thumbnails (default: /data/cache)
//   - REDIS_ADDR: Redis address for queues and the navigation index (default: localhost:6379)
//   - OPS_PORT: Port for /healthz, /readyz and /metrics (default: 9090)
//   - METRICS_ENABLED: Enable or disable the metrics endpoint (default: true)
//   - WATCH_ENABLED: Watch library roots for changes (default: true)
//   - THUMB_W, THUMB_H: Fallback thumbnail dimensions (default: 300x300)
//   - CACHE_W, CACHE_H: Fallback cache-image dimensions (default: 1280x1280)
//   - JOB_MONITOR_INTERVAL: Job monitor sweep interval (default: 5s)
//   - SCHEDULER_SYNC_INTERVAL: Schedule reconciliation interval (default: 300s, clamped 60s-3600s)
//   - QUEUE_PREFETCH: Per-process consumer concurrency (default: derived
//     from available CPUs, clamped 1-64)
//   - QUEUE_MAX_RETRIES: Delivery attempts before a message is archived (default: 5)
//   - INDEX_REBUILD_BATCH_SIZE: Collections loaded per rebuild page (default: 100)
//   - INDEX_THUMB_TTL: Redis thumbnail cache lifetime (default: 720h)
//   - JOB_STAGE_FAILURE_TOLERANCE: Failure ratio a job absorbs before it fails (default: 1.0)
//   - ARCHIVE_MAX_ENTRIES: Archive enumeration bound, 0 = unbounded (default: 0)
//   - CACHE_SOFT_CAP_BYTES: Per-folder soft cap for cache placement, 0 = none (default: 0)
//   - LOG_LEVEL: Logging level - debug, info, warn, error (default: info)
//
// Out-of-range numeric values are clamped with a warning rather than
// rejected, so a bad knob degrades to a sane value instead of blocking
// startup. Missing required directories are created; the catalog and
// thumbnail directories must be writable.
//
// # Build Information
//
// Build-time variables are injected via ldflags and exposed via [GetBuildInfo]:
// Version, Commit, BuildTime, GoVersion.
package startup
