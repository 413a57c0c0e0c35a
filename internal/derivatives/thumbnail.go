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

// thumbCache is the slice of the navigation index used to keep hot
// thumbnail payloads in Redis. Satisfied by *navindex.Index; may be nil.
type thumbCache interface {
	CacheThumb(ctx context.Context, id string, data []byte) error
}

// ThumbnailConsumer generates one thumbnail per message. Redelivery is
// absorbed by the skip-if-exists check plus the uniqueness guard on the
// thumbnail append.
type ThumbnailConsumer struct {
	cat     *catalog.Catalog
	tracker *jobs.Tracker
	proc    *Processor
	thumbs  thumbCache
	root    string
}

func NewThumbnailConsumer(cat *catalog.Catalog, tracker *jobs.Tracker, proc *Processor, thumbs thumbCache, root string) *ThumbnailConsumer {
	return &ThumbnailConsumer{cat: cat, tracker: tracker, proc: proc, thumbs: thumbs, root: root}
}

// HandleThumbnailGen is the queue handler for thumbnail generation.
func (t *ThumbnailConsumer) HandleThumbnailGen(ctx context.Context, payload []byte) error {
	var msg queue.ThumbnailGenMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("malformed thumbnail message: %v: %w", err, queue.SkipRetry)
	}

	col, err := t.cat.GetCollection(ctx, msg.CollectionID)
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("collection %s not found: %w", msg.CollectionID, queue.SkipRetry)
	}
	if err != nil {
		return err
	}
	if !jobActive(ctx, t.cat, msg.JobID) {
		return nil
	}

	// Skip when the record exists and the file is still on disk. A record
	// pointing at a vanished file is regenerated.
	if existing := col.ThumbnailFor(msg.ImageID, msg.Width, msg.Height); existing != nil {
		if _, err := filesystem.StatWithRetry(existing.Path, filesystem.DefaultRetryConfig()); err == nil {
			t.stage(ctx, msg.JobID, "skipped")
			metrics.DerivativesGenerated.WithLabelValues("thumbnail", "skipped").Inc()
			return nil
		}
	}

	start := time.Now()
	srcPath := archive.FixLegacyEntryPath(msg.ImagePath)
	data, err := t.proc.Produce(srcPath, msg.Width, msg.Height, "webp", defaultQuality)
	if err != nil {
		logging.Error("Thumbnail generation failed for %s: %v", srcPath, err)
		t.stage(ctx, msg.JobID, "failed")
		metrics.DerivativesGenerated.WithLabelValues("thumbnail", "failed").Inc()
		return fmt.Errorf("generate thumbnail for %s: %v: %w", msg.ImageID, err, queue.SkipRetry)
	}

	outPath := thumbFilePath(t.root, msg.ImageID, msg.Width, msg.Height, "webp")
	if err := writeAtomic(outPath, data); err != nil {
		logging.Error("Thumbnail write failed for %s: %v", outPath, err)
		t.stage(ctx, msg.JobID, "failed")
		metrics.DerivativesGenerated.WithLabelValues("thumbnail", "failed").Inc()
		return fmt.Errorf("write thumbnail for %s: %v: %w", msg.ImageID, err, queue.SkipRetry)
	}

	appended, err := t.cat.AppendThumbnail(ctx, col.ID, catalog.ThumbnailEmbedded{
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

	if t.thumbs != nil {
		if err := t.thumbs.CacheThumb(ctx, msg.ImageID, data); err != nil {
			logging.Debug("Thumbnail cache store failed for %s: %v", msg.ImageID, err)
		}
	}

	if appended {
		t.stage(ctx, msg.JobID, "completed")
	} else {
		// Another consumer appended first; our bytes are identical.
		t.stage(ctx, msg.JobID, "skipped")
	}
	metrics.DerivativesGenerated.WithLabelValues("thumbnail", "ok").Inc()
	metrics.DerivativeDuration.WithLabelValues("thumbnail").Observe(time.Since(start).Seconds())
	return nil
}

func (t *ThumbnailConsumer) stage(ctx context.Context, jobID, field string) {
	incStage(ctx, t.tracker, jobID, catalog.StageThumbnail, field)
}

// incStage reports one stage counter tick, tolerating a missing job id
// (direct API-triggered work has none).
func incStage(ctx context.Context, tracker *jobs.Tracker, jobID, stage, field string) {
	if jobID == "" {
		return
	}
	var err error
	switch field {
	case "completed":
		err = tracker.StageDone(ctx, jobID, stage)
	case "failed":
		err = tracker.StageFailed(ctx, jobID, stage)
	case "skipped":
		err = tracker.StageSkipped(ctx, jobID, stage)
	}
	if err != nil {
		logging.Error("Failed to update %s stage on job %s: %v", stage, jobID, err)
	}
}

func jobActive(ctx context.Context, cat *catalog.Catalog, jobID string) bool {
	if jobID == "" {
		return true
	}
	job, err := cat.GetJob(ctx, jobID)
	if err != nil {
		return true
	}
	return !job.Status.IsTerminal()
}
