package startup

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"media-ingest/internal/logging"
	"media-ingest/internal/workers"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetBuildInfo returns the current build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// Config holds all application configuration
type Config struct {
	CatalogDir string
	CacheRoot  string
	RedisAddr  string
	OpsPort    string

	MetricsEnabled bool
	WatchEnabled   bool

	ThumbWidth  int
	ThumbHeight int
	CacheWidth  int
	CacheHeight int

	JobMonitorInterval    time.Duration
	SchedulerSyncInterval time.Duration
	QueuePrefetch         int
	QueueMaxRetries       int
	IndexRebuildBatchSize int
	IndexThumbTTL         time.Duration
	StageFailureTolerance float64
	ArchiveMaxEntries     int
	CacheSoftCapBytes     int64

	// Derived paths
	CatalogPath  string
	ThumbnailDir string
}

// LoadConfig loads and validates configuration from environment variables
func LoadConfig() (*Config, error) {
	printBanner()
	logSystemInfo()

	logging.Info("------------------------------------------------------------")
	logging.Info("CONFIGURATION")
	logging.Info("------------------------------------------------------------")

	config := &Config{
		CatalogDir: getEnv("CATALOG_DIR", "/data/catalog"),
		CacheRoot:  getEnv("CACHE_ROOT", "/data/cache"),
		RedisAddr:  getEnv("REDIS_ADDR", "localhost:6379"),
		OpsPort:    getEnv("OPS_PORT", "9090"),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		WatchEnabled:   getEnvBool("WATCH_ENABLED", true),

		ThumbWidth:  getEnvInt("THUMB_W", 300, 16, 2048),
		ThumbHeight: getEnvInt("THUMB_H", 300, 16, 2048),
		CacheWidth:  getEnvInt("CACHE_W", 1280, 64, 8192),
		CacheHeight: getEnvInt("CACHE_H", 1280, 64, 8192),

		JobMonitorInterval:    getEnvDuration("JOB_MONITOR_INTERVAL", 5*time.Second, time.Second, time.Minute),
		SchedulerSyncInterval: getEnvDuration("SCHEDULER_SYNC_INTERVAL", 300*time.Second, 60*time.Second, 3600*time.Second),
		QueuePrefetch:         getEnvInt("QUEUE_PREFETCH", workers.ForMixed(64), 1, 64),
		QueueMaxRetries:       getEnvInt("QUEUE_MAX_RETRIES", 5, 0, 20),
		IndexRebuildBatchSize: getEnvInt("INDEX_REBUILD_BATCH_SIZE", 100, 10, 1000),
		IndexThumbTTL:         getEnvDuration("INDEX_THUMB_TTL", 720*time.Hour, time.Hour, 8760*time.Hour),
		StageFailureTolerance: getEnvFloat("JOB_STAGE_FAILURE_TOLERANCE", 1.0, 0, 1),
		ArchiveMaxEntries:     getEnvInt("ARCHIVE_MAX_ENTRIES", 0, 0, 1<<20),
		CacheSoftCapBytes:     getEnvInt64("CACHE_SOFT_CAP_BYTES", 0, 0, 1<<50),
	}

	logging.Info("  CATALOG_DIR:                  %s", config.CatalogDir)
	logging.Info("  CACHE_ROOT:                   %s", config.CacheRoot)
	logging.Info("  REDIS_ADDR:                   %s", config.RedisAddr)
	logging.Info("  OPS_PORT:                     %s", config.OpsPort)
	logging.Info("  METRICS_ENABLED:              %v", config.MetricsEnabled)
	logging.Info("  WATCH_ENABLED:                %v", config.WatchEnabled)
	logging.Info("  THUMB_W/H:                    %dx%d", config.ThumbWidth, config.ThumbHeight)
	logging.Info("  CACHE_W/H:                    %dx%d", config.CacheWidth, config.CacheHeight)
	logging.Info("  JOB_MONITOR_INTERVAL:         %s", config.JobMonitorInterval)
	logging.Info("  SCHEDULER_SYNC_INTERVAL:      %s", config.SchedulerSyncInterval)
	logging.Info("  QUEUE_PREFETCH:               %d", config.QueuePrefetch)
	logging.Info("  QUEUE_MAX_RETRIES:            %d", config.QueueMaxRetries)
	logging.Info("  INDEX_REBUILD_BATCH_SIZE:     %d", config.IndexRebuildBatchSize)
	logging.Info("  INDEX_THUMB_TTL:              %s", config.IndexThumbTTL)
	logging.Info("  JOB_STAGE_FAILURE_TOLERANCE:  %.2f", config.StageFailureTolerance)
	logging.Info("  ARCHIVE_MAX_ENTRIES:          %d", config.ArchiveMaxEntries)
	logging.Info("  CACHE_SOFT_CAP_BYTES:         %d", config.CacheSoftCapBytes)
	logging.Info("  LOG_LEVEL:                    %s", logging.GetLevel())

	// Resolve paths
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("DIRECTORY SETUP")
	logging.Info("------------------------------------------------------------")

	var err error
	config.CatalogDir, err = filepath.Abs(config.CatalogDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve catalog directory path: %w", err)
	}
	logging.Info("  Catalog directory (absolute): %s", config.CatalogDir)

	config.CacheRoot, err = filepath.Abs(config.CacheRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache root path: %w", err)
	}
	logging.Info("  Cache root (absolute):        %s", config.CacheRoot)

	config.CatalogPath = filepath.Join(config.CatalogDir, "catalog.db")
	config.ThumbnailDir = filepath.Join(config.CacheRoot, "thumbnails")

	if err := ensureDirectory(config.CatalogDir, "catalog"); err != nil {
		return nil, fmt.Errorf("catalog directory error: %w", err)
	}

	logging.Debug("  Testing catalog directory write access...")
	if err := testWriteAccess(config.CatalogDir); err != nil {
		return nil, fmt.Errorf("catalog directory is not writable (required for the catalog store): %w", err)
	}
	logging.Info("  [OK] Catalog directory is writable")

	if err := ensureDirectory(config.ThumbnailDir, "thumbnail"); err != nil {
		return nil, fmt.Errorf("thumbnail directory error: %w", err)
	}
	if err := testWriteAccess(config.ThumbnailDir); err != nil {
		return nil, fmt.Errorf("thumbnail directory is not writable: %w", err)
	}
	logging.Info("  [OK] Thumbnail directory is writable")

	return config, nil
}

// LogCatalogInit logs catalog store initialization
func LogCatalogInit(duration time.Duration) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("CATALOG INITIALIZATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  [OK] Catalog initialized in %v", duration)
}

// LogIndexInit logs navigation index initialization
func LogIndexInit(valid bool) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("NAVIGATION INDEX")
	logging.Info("------------------------------------------------------------")
	if valid {
		logging.Info("  [OK] Index version matches, reusing existing index")
	} else {
		logging.Info("  Index stale or missing, rebuild scheduled")
	}
}

// LogQueueInit logs queue consumer startup
func LogQueueInit(prefetch, maxRetries int) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("QUEUE CONSUMERS")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Prefetch:     %d", prefetch)
	logging.Info("  Max retries:  %d", maxRetries)
}

// ServerConfig holds configuration for the server startup log
type ServerConfig struct {
	OpsPort         string
	MetricsEnabled  bool
	StartupDuration time.Duration
}

// LogServerStarted logs successful startup with endpoint information
func LogServerStarted(config ServerConfig) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("INGEST SERVICE STARTED")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Startup time:  %v", config.StartupDuration)
	logging.Info("")
	logging.Info("  Endpoints:")
	logging.Info("    Health:      http://0.0.0.0:%s/healthz", config.OpsPort)
	logging.Info("    Readiness:   http://0.0.0.0:%s/readyz", config.OpsPort)
	if config.MetricsEnabled {
		logging.Info("    Metrics:     http://0.0.0.0:%s/metrics", config.OpsPort)
	} else {
		logging.Info("    Metrics:     DISABLED")
	}
	logging.Info("")
	logging.Info("  Press Ctrl+C to stop the service")
	logging.Info("------------------------------------------------------------")
	logging.Info("")
}

// LogShutdownInitiated logs shutdown start
func LogShutdownInitiated(signal string) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SHUTDOWN INITIATED (received %s)", signal)
	logging.Info("------------------------------------------------------------")
}

// LogShutdownStep logs a shutdown step
func LogShutdownStep(step string) {
	logging.Debug("  %s...", step)
}

// LogShutdownStepComplete logs a completed shutdown step
func LogShutdownStepComplete(step string) {
	logging.Info("  [OK] %s", step)
}

// LogShutdownComplete logs shutdown completion
func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

// LogFatal logs a fatal error and exits
func LogFatal(format string, args ...interface{}) {
	logging.Fatal(format, args...)
}

// Helper functions

func printBanner() {
	banner := `
------------------------------------------------------------
    __  ___         ___         ____                      __
   /  |/  /__  ____/ (_)___ _  /  _/___  ____ ____  _____/ /_
  / /|_/ / _ \/ __  / / __ '/  / // __ \/ __ '/ _ \/ ___/ __/
 / /  / /  __/ /_/ / / /_/ / _/ // / / / /_/ /  __(__  ) /_
/_/  /_/\___/\__,_/_/\__,_/ /___/_/ /_/\__, /\___/____/\__/
                                      /____/
------------------------------------------------------------`
	fmt.Println(banner)
	logging.Info("  Version:    %s", Version)
	logging.Info("  Commit:     %s", Commit)
	logging.Info("  Build Time: %s", BuildTime)
	logging.Info("  Started:    %s", time.Now().Format(time.RFC1123))
	logging.Info("")
}

func logSystemInfo() {
	logging.Info("------------------------------------------------------------")
	logging.Info("SYSTEM INFORMATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Go version:      %s", runtime.Version())
	logging.Info("  OS/Arch:         %s/%s", runtime.GOOS, runtime.GOARCH)
	logging.Info("  CPUs available:  %d", runtime.NumCPU())
	logging.Info("  GOMAXPROCS:      %d", runtime.GOMAXPROCS(0))

	if runtime.GOMAXPROCS(0) < runtime.NumCPU() {
		logging.Info("  (Container CPU limit detected)")
	}

	if logging.IsDebugEnabled() {
		if wd, err := os.Getwd(); err == nil {
			logging.Debug("  Working dir:     %s", wd)
		}
		if hostname, err := os.Hostname(); err == nil {
			logging.Debug("  Hostname:        %s", hostname)
		}
	}

	logging.Info("")
}

func ensureDirectory(path, name string) error {
	logging.Debug("  Checking %s directory: %s", name, path)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		logging.Debug("    Directory does not exist, creating...")
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		logging.Debug("    [OK] Created directory: %s", path)
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to stat directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("path exists but is not a directory")
	}

	logging.Debug("    [OK] Directory exists")
	return nil
}

func testWriteAccess(dir string) error {
	testFile := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		return err
	}
	if err := os.Remove(testFile); err != nil {
		logging.Warn("failed to remove write test file %s: %v", testFile, err)
		// Write access was confirmed either way
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue, min, max int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logging.Warn("Invalid integer value for %s: %q, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return clampInt(key, parsed, min, max)
}

func getEnvInt64(key string, defaultValue, min, max int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		logging.Warn("Invalid integer value for %s: %q, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	if parsed < min {
		logging.Warn("%s=%d below minimum, clamping to %d", key, parsed, min)
		return min
	}
	if parsed > max {
		logging.Warn("%s=%d above maximum, clamping to %d", key, parsed, max)
		return max
	}
	return parsed
}

func getEnvDuration(key string, defaultValue, min, max time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		// Bare numbers are accepted as seconds for operator convenience
		if secs, serr := strconv.Atoi(value); serr == nil {
			parsed = time.Duration(secs) * time.Second
		} else {
			logging.Warn("Invalid duration value for %s: %q, using default: %s", key, value, defaultValue)
			return defaultValue
		}
	}
	if parsed < min {
		logging.Warn("%s=%s below minimum, clamping to %s", key, parsed, min)
		return min
	}
	if parsed > max {
		logging.Warn("%s=%s above maximum, clamping to %s", key, parsed, max)
		return max
	}
	return parsed
}

func getEnvFloat(key string, defaultValue, min, max float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		logging.Warn("Invalid float value for %s: %q, using default: %g", key, value, defaultValue)
		return defaultValue
	}
	if parsed < min {
		logging.Warn("%s=%g below minimum, clamping to %g", key, parsed, min)
		return min
	}
	if parsed > max {
		logging.Warn("%s=%g above maximum, clamping to %g", key, parsed, max)
		return max
	}
	return parsed
}

func clampInt(key string, v, min, max int) int {
	if v < min {
		logging.Warn("%s=%d below minimum, clamping to %d", key, v, min)
		return min
	}
	if v > max {
		logging.Warn("%s=%d above maximum, clamping to %d", key, v, max)
		return max
	}
	return v
}
