package derivatives

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"media-ingest/internal/archive"
	"media-ingest/internal/catalog"
	"media-ingest/internal/filesystem"
	"media-ingest/internal/jobs"
	"media-ingest/internal/logging"
	"media-ingest/internal/metrics"
	"media-ingest/internal/queue"
)

// CacheConsumer generates full-size reading copies. Unlike thumbnails,
// cache files are distributed across operator-managed cache folders whose
// usage is tracked in the catalog.
type CacheConsumer struct {
	cat     *catalog.Catalog
	tracker *jobs.Tracker
	proc    *Processor

	// softCapBytes excludes folders at or above this size from new
	// placements. Zero disables the cap.
	softCapBytes int64
}

func NewCacheConsumer(cat *catalog.Catalog, tracker *jobs.Tracker, proc *Processor, softCapBytes int64) *CacheConsumer {
	return &CacheConsumer{cat: cat, tracker: tracker, proc: proc, softCapBytes: softCapBytes}
}

// HandleCacheGen is the queue handler for cache image generation.
func (c *CacheConsumer) HandleCacheGen(ctx context.Context, payload []byte) error {
	var msg queue.CacheGenMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("malformed cache message: %v: %w", err, queue.SkipRetry)
	}

	col, err := c.cat.GetCollection(ctx, msg.CollectionID)
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("collection %s not found: %w", msg.CollectionID, queue.SkipRetry)
	}
	if err != nil {
		return err
	}
	if !jobActive(ctx, c.cat, msg.JobID) {
		return nil
	}

	if !msg.ForceRegenerate {
		if existing := col.CacheImageFor(msg.ImageID, msg.Width, msg.Height); existing != nil {
			if _, err := filesystem.StatWithRetry(existing.Path, filesystem.DefaultRetryConfig()); err == nil {
				incStage(ctx, c.tracker, msg.JobID, catalog.StageCache, "skipped")
				metrics.DerivativesGenerated.WithLabelValues("cache", "skipped").Inc()
				return nil
			}
		}
	}

	folders, err := c.cat.ListActiveCacheFolders(ctx)
	if err != nil {
		return err
	}

	outPath := msg.CachePath
	var folder *catalog.CacheFolder
	if outPath == "" {
		folder, err = pickCacheFolder(folders, msg.ImageID, c.softCapBytes)
		if err != nil {
			// Capacity problem, not a message problem: retry later.
			return err
		}
		outPath = cacheFilePath(folder.Path, msg.ImageID, msg.Width, msg.Height, msg.Format)
	} else {
		folder = folderForPath(folders, outPath)
	}

	start := time.Now()
	srcPath := archive.FixLegacyEntryPath(msg.ImagePath)
	data, err := c.proc.Produce(srcPath, msg.Width, msg.Height, msg.Format, msg.Quality)
	if err != nil {
		logging.Error("Cache generation failed for %s: %v", srcPath, err)
		incStage(ctx, c.tracker, msg.JobID, catalog.StageCache, "failed")
		metrics.DerivativesGenerated.WithLabelValues("cache", "failed").Inc()
		return fmt.Errorf("generate cache image for %s: %v: %w", msg.ImageID, err, queue.SkipRetry)
	}

	if err := writeAtomic(outPath, data); err != nil {
		logging.Error("Cache write failed for %s: %v", outPath, err)
		incStage(ctx, c.tracker, msg.JobID, catalog.StageCache, "failed")
		metrics.DerivativesGenerated.WithLabelValues("cache", "failed").Inc()
		return fmt.Errorf("write cache image for %s: %v: %w", msg.ImageID, err, queue.SkipRetry)
	}

	appended, err := c.cat.AppendCacheImage(ctx, col.ID, catalog.CacheImageEmbedded{
		ImageID:   msg.ImageID,
		Width:     msg.Width,
		Height:    msg.Height,
		Path:      outPath,
		SizeBytes: int64(len(data)),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	// Folder accounting only when this delivery actually added the record;
	// a lost race means the winner already accounted for it.
	if appended && folder != nil {
		if err := c.cat.RecordCacheFile(ctx, folder.ID, col.ID, int64(len(data))); err != nil {
			logging.Error("Cache folder accounting failed for %s: %v", folder.ID, err)
		}
	}

	if appended {
		incStage(ctx, c.tracker, msg.JobID, catalog.StageCache, "completed")
	} else {
		incStage(ctx, c.tracker, msg.JobID, catalog.StageCache, "skipped")
	}
	metrics.DerivativesGenerated.WithLabelValues("cache", "ok").Inc()
	metrics.DerivativeDuration.WithLabelValues("cache").Observe(time.Since(start).Seconds())
	return nil
}
