package queue

import (
	"github.com/google/uuid"
)

// Queue names. Each queue has competing consumers; processing order across
// consumers is unspecified, so every message must be self-contained and
// every consumer position-independent.
const (
	QueueLibraryScan    = "library_scan"
	QueueCollectionScan = "collection_scan"
	QueueThumbnailGen   = "thumbnail_generation"
	QueueCacheGen       = "cache_generation"
)

// Task type identifiers registered on the consumer mux.
const (
	TypeLibraryScan    = "scan:library"
	TypeCollectionScan = "scan:collection"
	TypeThumbnailGen   = "derivative:thumbnail"
	TypeCacheGen       = "derivative:cache"
)

// Scan types carried by LibraryScanMessage.
const (
	ScanTypeFull        = "full"
	ScanTypeIncremental = "incremental"
)

// Envelope carries the fields common to every message.
type Envelope struct {
	MessageType   string `json:"messageType"`
	CorrelationID string `json:"correlationId"`
}

func (e *Envelope) stamp(messageType string) {
	e.MessageType = messageType
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
}

// LibraryScanMessage asks the scan orchestrator to walk one library root.
type LibraryScanMessage struct {
	Envelope
	LibraryID         string `json:"libraryId"`
	LibraryPath       string `json:"libraryPath"`
	ScanType          string `json:"scanType"`
	IncludeSubfolders bool   `json:"includeSubfolders"`
	ResumeIncomplete  bool   `json:"resumeIncomplete"`
	OverwriteExisting bool   `json:"overwriteExisting"`
	ScheduledJobID    string `json:"scheduledJobId,omitempty"`
	JobRunID          string `json:"jobRunId,omitempty"`
}

// CollectionScanMessage asks the collection consumer to enumerate one
// collection and queue its derivative work.
type CollectionScanMessage struct {
	Envelope
	CollectionID   string `json:"collectionId"`
	CollectionPath string `json:"collectionPath"`
	ForceRescan    bool   `json:"forceRescan"`
	ThumbnailW     int    `json:"thumbnailW"`
	ThumbnailH     int    `json:"thumbnailH"`
	CacheW         int    `json:"cacheW"`
	CacheH         int    `json:"cacheH"`
	JobID          string `json:"jobId"`
}

// ThumbnailGenMessage asks for one thumbnail. ImagePath may reference an
// archive entry ("book.zip#p01.jpg") and may arrive in the legacy backslash
// form; consumers rewrite it on receipt.
type ThumbnailGenMessage struct {
	Envelope
	ImageID      string `json:"imageId"`
	CollectionID string `json:"collectionId"`
	ImagePath    string `json:"imagePath"`
	Filename     string `json:"filename"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	JobID        string `json:"jobId"`
}

// CacheGenMessage asks for one scaled cache image. CachePath may be empty;
// the consumer then selects a cache folder itself.
type CacheGenMessage struct {
	Envelope
	ImageID         string `json:"imageId"`
	CollectionID    string `json:"collectionId"`
	ImagePath       string `json:"imagePath"`
	CachePath       string `json:"cachePath,omitempty"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	Quality         int    `json:"quality"`
	Format          string `json:"format"`
	ForceRegenerate bool   `json:"forceRegenerate"`
	JobID           string `json:"jobId"`
}
