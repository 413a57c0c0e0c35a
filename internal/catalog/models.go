package catalog

import "time"

// CollectionType identifies how a collection's bytes are reached on disk.
type CollectionType string

const (
	// CollectionTypeFolder is a plain directory of images.
	CollectionTypeFolder CollectionType = "folder"
	// CollectionTypeZip is a zip archive.
	CollectionTypeZip CollectionType = "zip"
	// CollectionTypeRar is a rar archive.
	CollectionTypeRar CollectionType = "rar"
	// CollectionTypeSevenZip is a 7z archive.
	CollectionTypeSevenZip CollectionType = "7z"
	// CollectionTypeCbz is a comic book zip archive.
	CollectionTypeCbz CollectionType = "cbz"
	// CollectionTypeCbr is a comic book rar archive.
	CollectionTypeCbr CollectionType = "cbr"
)

// IsArchive reports whether the collection's bytes live inside an archive
// file rather than a directory.
func (t CollectionType) IsArchive() bool {
	return t != CollectionTypeFolder && t != ""
}

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status is sticky: once a job reaches a
// terminal state the monitor never transitions it again.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job types tracked by the job monitor.
const (
	JobTypeLibraryScan      = "library-scan"
	JobTypeCollectionScan   = "collection-scan"
	JobTypeResumeCollection = "resume-collection"
	JobTypeCacheCleanup     = "cache-cleanup"
)

// Stage names used by the scan pipeline and derivative consumers.
const (
	StageThumbnail   = "thumbnail"
	StageCache       = "cache"
	StageScan        = "scan"
	StageCollections = "collections"
)

// LibrarySettings holds per-library ingestion defaults.
type LibrarySettings struct {
	AutoScan      bool `json:"autoScan"`
	DefaultThumbW int  `json:"defaultThumbW"`
	DefaultThumbH int  `json:"defaultThumbH"`
	DefaultCacheW int  `json:"defaultCacheW"`
	DefaultCacheH int  `json:"defaultCacheH"`
	EnableCache   bool `json:"enableCache"`
}

// LibraryStatistics holds library-level counters maintained by the
// statistics aggregator. All mutations go through atomic catalog updates.
type LibraryStatistics struct {
	TotalCollections int64      `json:"totalCollections"`
	TotalMediaItems  int64      `json:"totalMediaItems"`
	TotalSizeBytes   int64      `json:"totalSizeBytes"`
	LastScanAt       *time.Time `json:"lastScanAt,omitempty"`
	ScanCount        int64      `json:"scanCount"`
	LastActivityAt   *time.Time `json:"lastActivityAt,omitempty"`
}

// Library is a root path whose subtree is scanned for collections.
type Library struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	RootPath   string            `json:"rootPath"`
	OwnerID    string            `json:"ownerId"`
	Settings   LibrarySettings   `json:"settings"`
	Statistics LibraryStatistics `json:"statistics"`
	IsDeleted  bool              `json:"isDeleted"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// ImageEmbedded is an image record embedded on its owning collection.
// RelativePath uses '#' to separate an archive file from the entry inside it
// (for example "sub/book.zip#page01.jpg").
type ImageEmbedded struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	RelativePath string    `json:"relativePath"`
	SizeBytes    int64     `json:"sizeBytes"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Format       string    `json:"format"`
	AddedAt      time.Time `json:"addedAt"`
	IsDeleted    bool      `json:"isDeleted"`
}

// ThumbnailEmbedded is a generated thumbnail record. Unique per
// (imageId, width, height) within a collection.
type ThumbnailEmbedded struct {
	ImageID   string    `json:"imageId"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

// CacheImageEmbedded is a generated scaled cache image record. Unique per
// (imageId, width, height) within a collection.
type CacheImageEmbedded struct {
	ImageID   string    `json:"imageId"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

// CollectionSettings holds per-collection overrides of the library defaults.
type CollectionSettings struct {
	ThumbnailW int `json:"thumbnailW,omitempty"`
	ThumbnailH int `json:"thumbnailH,omitempty"`
	CacheW     int `json:"cacheW,omitempty"`
	CacheH     int `json:"cacheH,omitempty"`
}

// CollectionStatistics holds denormalized totals maintained alongside the
// embedded arrays in the same atomic update.
type CollectionStatistics struct {
	ImageCount     int64 `json:"imageCount"`
	TotalSizeBytes int64 `json:"totalSizeBytes"`
}

// Collection is a folder-like grouping of images: a directory or an archive.
// Images and derivative records are embedded for read locality; the catalog
// mutates them only through single-statement, document-atomic updates.
type Collection struct {
	ID          string               `json:"id"`
	LibraryID   string               `json:"libraryId"`
	Name        string               `json:"name"`
	Path        string               `json:"path"`
	Type        CollectionType       `json:"type"`
	Images      []ImageEmbedded      `json:"images"`
	Thumbnails  []ThumbnailEmbedded  `json:"thumbnails"`
	CacheImages []CacheImageEmbedded `json:"cacheImages"`
	Settings    CollectionSettings   `json:"settings"`
	Statistics  CollectionStatistics `json:"statistics"`
	IsDeleted   bool                 `json:"isDeleted"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

// HasImage reports whether an image with the given relative path already
// exists on the collection (soft-deleted records count as present so a
// rescan does not resurrect them under a new id).
func (c *Collection) HasImage(relativePath string) bool {
	for i := range c.Images {
		if c.Images[i].RelativePath == relativePath {
			return true
		}
	}
	return false
}

// ThumbnailFor returns the thumbnail record matching (imageID, w, h), or nil.
func (c *Collection) ThumbnailFor(imageID string, w, h int) *ThumbnailEmbedded {
	for i := range c.Thumbnails {
		t := &c.Thumbnails[i]
		if t.ImageID == imageID && t.Width == w && t.Height == h {
			return t
		}
	}
	return nil
}

// CacheImageFor returns the cache record matching (imageID, w, h), or nil.
func (c *Collection) CacheImageFor(imageID string, w, h int) *CacheImageEmbedded {
	for i := range c.CacheImages {
		ci := &c.CacheImages[i]
		if ci.ImageID == imageID && ci.Width == w && ci.Height == h {
			return ci
		}
	}
	return nil
}

// JobStage is one named class of work within a background job. Counters are
// mutated only by atomic increments, never read-modify-write.
type JobStage struct {
	Status    string `json:"status"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Skipped   int64  `json:"skipped"`
}

// Done reports whether every queued item has been accounted for.
func (s JobStage) Done() bool {
	return s.Completed+s.Failed+s.Skipped >= s.Total
}

// BackgroundJob tracks one unit of asynchronous work and its per-stage
// progress counters.
type BackgroundJob struct {
	ID           string              `json:"id"`
	Type         string              `json:"type"`
	CollectionID string              `json:"collectionId,omitempty"`
	LibraryID    string              `json:"libraryId,omitempty"`
	Status       JobStatus           `json:"status"`
	StartedAt    *time.Time          `json:"startedAt,omitempty"`
	CompletedAt  *time.Time          `json:"completedAt,omitempty"`
	Message      string              `json:"message,omitempty"`
	Stages       map[string]JobStage `json:"stages"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// ScheduledJob is a cron-driven job definition stored in the catalog and
// reconciled into the running scheduler.
type ScheduledJob struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	JobType         string            `json:"jobType"`
	CronExpression  string            `json:"cronExpression"`
	IntervalSeconds int64             `json:"intervalSeconds,omitempty"`
	IsEnabled       bool              `json:"isEnabled"`
	Parameters      map[string]string `json:"parameters"`
	LastRunAt       *time.Time        `json:"lastRunAt,omitempty"`
	NextRunAt       *time.Time        `json:"nextRunAt,omitempty"`
	RunCount        int64             `json:"runCount"`
	SuccessCount    int64             `json:"successCount"`
	FailureCount    int64             `json:"failureCount"`
	LastStatus      string            `json:"lastStatus,omitempty"`
	LastError       string            `json:"lastError,omitempty"`
	Priority        int               `json:"priority"`
	TimeoutSeconds  int64             `json:"timeoutSeconds"`
	MaxRetries      int               `json:"maxRetries"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// Scheduled job types.
const (
	ScheduledJobTypeLibraryScan  = "library-scan"
	ScheduledJobTypeCacheCleanup = "cache-cleanup"
)

// Run trigger sources.
const (
	TriggeredByScheduler = "scheduler"
	TriggeredByManual    = "manual"
	TriggeredByAPI       = "api"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// ScheduledJobRun is one execution record of a scheduled job.
type ScheduledJobRun struct {
	ID             string            `json:"id"`
	ScheduledJobID string            `json:"scheduledJobId"`
	Status         string            `json:"status"`
	StartedAt      time.Time         `json:"startedAt"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
	DurationMs     int64             `json:"durationMs,omitempty"`
	Result         map[string]string `json:"result,omitempty"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`
	TriggeredBy    string            `json:"triggeredBy"`
}

// CacheFolder is a target directory for scaled cache images. The invariant
// totalCollections == len(cachedCollectionIds) is maintained inside the same
// statement that mutates the id set.
type CacheFolder struct {
	ID                  string    `json:"id"`
	Path                string    `json:"path"`
	Priority            int       `json:"priority"`
	IsActive            bool      `json:"isActive"`
	CurrentSizeBytes    int64     `json:"currentSizeBytes"`
	TotalFiles          int64     `json:"totalFiles"`
	TotalCollections    int64     `json:"totalCollections"`
	CachedCollectionIDs []string  `json:"cachedCollectionIds"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// CollectionSummary is the minimal projection of a collection needed to
// render a list row or maintain the navigation index.
type CollectionSummary struct {
	ID             string         `json:"id"`
	LibraryID      string         `json:"libraryId"`
	Name           string         `json:"name"`
	Path           string         `json:"path"`
	Type           CollectionType `json:"type"`
	ImageCount     int64          `json:"imageCount"`
	TotalSizeBytes int64          `json:"totalSizeBytes"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}
