package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver
	"github.com/rs/xid"

	"media-ingest/internal/logging"
	"media-ingest/internal/metrics"
)

// Default timeout for catalog operations
const defaultTimeout = 5 * time.Second

// ErrNotFound is returned when a document does not exist or is soft-deleted.
var ErrNotFound = fmt.Errorf("catalog: not found")

// Catalog is the gateway to the document store. Every write operation is a
// single SQL statement and therefore atomic at the document (row) level;
// cross-document consistency is achieved by idempotent operations and atomic
// counters, never by transactions held across external I/O.
type Catalog struct {
	db     *sql.DB
	dbPath string
}

// NewID returns a new opaque 12-byte identifier, encoded for use in
// messages, Redis members and file names.
func NewID() string {
	return xid.New().String()
}

// New opens (and if necessary creates) the catalog database.
// dbPath is the full path to the database file; the parent directory must
// already exist and be writable.
func New(ctx context.Context, dbPath string) (*Catalog, error) {
	logging.Info("Catalog path: %s", dbPath)

	// WAL mode allows concurrent readers during consumer writes;
	// busy_timeout prevents "database is locked" errors under load.
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_temp_store=MEMORY&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close catalog after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to catalog: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	c := &Catalog{
		db:     db,
		dbPath: dbPath,
	}

	if err := c.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close catalog after schema failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}

	logging.Info("Catalog initialized successfully at %s", dbPath)
	return c, nil
}

func (c *Catalog) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS libraries (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		root_path TEXT NOT NULL,
		owner_id TEXT NOT NULL DEFAULT '',
		settings TEXT NOT NULL DEFAULT '{}',
		statistics TEXT NOT NULL DEFAULT '{}',
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		library_id TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		settings TEXT NOT NULL DEFAULT '{}',
		images TEXT NOT NULL DEFAULT '[]',
		thumbnails TEXT NOT NULL DEFAULT '[]',
		cache_images TEXT NOT NULL DEFAULT '[]',
		image_count INTEGER NOT NULL DEFAULT 0,
		total_size_bytes INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_collections_library ON collections(library_id, is_deleted);
	CREATE INDEX IF NOT EXISTS idx_collections_type ON collections(type, is_deleted);
	CREATE INDEX IF NOT EXISTS idx_collections_name ON collections(name COLLATE NOCASE);
	CREATE INDEX IF NOT EXISTS idx_collections_updated ON collections(updated_at);

	CREATE TABLE IF NOT EXISTS background_jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		collection_id TEXT,
		library_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		message TEXT NOT NULL DEFAULT '',
		stages TEXT NOT NULL DEFAULT '{}',
		started_at INTEGER,
		completed_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON background_jobs(status, type);
	CREATE INDEX IF NOT EXISTS idx_jobs_collection ON background_jobs(collection_id);

	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		job_type TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		interval_seconds INTEGER NOT NULL DEFAULT 0,
		is_enabled INTEGER NOT NULL DEFAULT 1,
		parameters TEXT NOT NULL DEFAULT '{}',
		last_run_at INTEGER,
		next_run_at INTEGER,
		run_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_status TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		timeout_seconds INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scheduled_enabled ON scheduled_jobs(is_enabled);

	CREATE TABLE IF NOT EXISTS scheduled_job_runs (
		id TEXT PRIMARY KEY,
		scheduled_job_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		result TEXT NOT NULL DEFAULT '{}',
		error_message TEXT NOT NULL DEFAULT '',
		triggered_by TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_job ON scheduled_job_runs(scheduled_job_id, started_at);

	CREATE TABLE IF NOT EXISTS cache_folders (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		priority INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		current_size_bytes INTEGER NOT NULL DEFAULT 0,
		total_files INTEGER NOT NULL DEFAULT 0,
		total_collections INTEGER NOT NULL DEFAULT 0,
		cached_collection_ids TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := c.db.ExecContext(opCtx, schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ping verifies the catalog is reachable; used by the readiness probe.
func (c *Catalog) Ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.db.PingContext(opCtx)
}

// observe records operation metrics; call via defer with the start time.
func observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.CatalogQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.CatalogQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func nowUnix() int64 {
	return time.Now().Unix()
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
