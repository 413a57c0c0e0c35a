package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	// Header decoders for probing image dimensions during enumeration.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"media-ingest/internal/archive"
	"media-ingest/internal/catalog"
	"media-ingest/internal/jobs"
	"media-ingest/internal/logging"
	"media-ingest/internal/metrics"
	"media-ingest/internal/queue"
)

// Consumer processes collection scan messages: enumerate the images in one
// collection, persist the new ones, and queue derivative generation for
// every image. All persistence goes through uniqueness-guarded appends, so
// redelivery after a partial failure converges instead of duplicating.
type Consumer struct {
	cat     *catalog.Catalog
	pub     publisher
	idx     indexer
	tracker *jobs.Tracker
}

func NewConsumer(cat *catalog.Catalog, pub publisher, idx indexer, tracker *jobs.Tracker) *Consumer {
	return &Consumer{cat: cat, pub: pub, idx: idx, tracker: tracker}
}

type foundImage struct {
	rel  string
	size int64
}

// HandleCollectionScan is the queue handler for collection scan messages.
func (s *Consumer) HandleCollectionScan(ctx context.Context, payload []byte) error {
	var msg queue.CollectionScanMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("malformed collection scan message: %v: %w", err, queue.SkipRetry)
	}

	col, err := s.cat.GetCollection(ctx, msg.CollectionID)
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("collection %s not found: %w", msg.CollectionID, queue.SkipRetry)
	}
	if err != nil {
		return err
	}
	if col.IsDeleted {
		return fmt.Errorf("collection %s is deleted: %w", msg.CollectionID, queue.SkipRetry)
	}
	if !s.jobActive(ctx, msg.JobID) {
		logging.Info("Job %s no longer active, dropping scan of %s", msg.JobID, col.Name)
		return nil
	}
	if s.scanAlreadyClosed(ctx, msg.JobID) {
		logging.Info("Scan stage already closed on job %s, dropping duplicate delivery for %s", msg.JobID, col.Name)
		return nil
	}

	if msg.ForceRescan {
		if err := s.cat.ClearDerivatives(ctx, col.ID); err != nil {
			return err
		}
	}

	found, err := enumerateImages(col)
	if err != nil {
		return fmt.Errorf("enumerate %s: %w", col.Path, err)
	}

	var newItems, newBytes int64
	imageIDs := make(map[string]catalog.ImageEmbedded, len(found))
	for _, f := range found {
		if existing := imageByPath(col, f.rel); existing != nil {
			imageIDs[f.rel] = *existing
			continue
		}
		img := catalog.ImageEmbedded{
			ID:           catalog.NewID(),
			Filename:     filepath.Base(strings.ReplaceAll(f.rel, archive.EntryRefSeparator, "/")),
			RelativePath: f.rel,
			SizeBytes:    f.size,
			Format:       strings.TrimPrefix(strings.ToLower(filepath.Ext(f.rel)), "."),
			AddedAt:      time.Now().UTC(),
		}
		if w, h, ok := probeDims(FullImagePath(col, img)); ok {
			img.Width, img.Height = w, h
		}
		appended, err := s.cat.AppendImage(ctx, col.ID, img)
		if err != nil {
			return err
		}
		imageIDs[f.rel] = img
		if appended {
			newItems++
			newBytes += f.size
		}
	}
	metrics.ImagesDiscovered.Add(float64(newItems))

	if !s.jobActive(ctx, msg.JobID) {
		return nil
	}

	// Pin the derivative stage totals before publishing so the counters can
	// never catch up with an understated total. The totals are written
	// absolutely, not incremented: a redelivery after a partial publish
	// failure writes len(found) again instead of doubling it.
	if msg.JobID != "" && len(found) > 0 {
		if err := s.tracker.SetStageTotal(ctx, msg.JobID, catalog.StageThumbnail, int64(len(found))); err != nil {
			return err
		}
		if err := s.tracker.SetStageTotal(ctx, msg.JobID, catalog.StageCache, int64(len(found))); err != nil {
			return err
		}
	}

	for _, f := range found {
		img := imageIDs[f.rel]
		full := FullImagePath(col, img)
		err := s.pub.PublishThumbnailGen(ctx, &queue.ThumbnailGenMessage{
			ImageID:      img.ID,
			CollectionID: col.ID,
			ImagePath:    full,
			Filename:     img.Filename,
			Width:        msg.ThumbnailW,
			Height:       msg.ThumbnailH,
			JobID:        msg.JobID,
		})
		if err != nil {
			return err
		}
		err = s.pub.PublishCacheGen(ctx, &queue.CacheGenMessage{
			ImageID:         img.ID,
			CollectionID:    col.ID,
			ImagePath:       full,
			Width:           msg.CacheW,
			Height:          msg.CacheH,
			ForceRegenerate: msg.ForceRescan,
			JobID:           msg.JobID,
		})
		if err != nil {
			return err
		}
	}

	if newItems > 0 {
		err := s.cat.IncrementLibraryStats(ctx, col.LibraryID, catalog.LibraryStatsDelta{
			MediaItems: newItems,
			SizeBytes:  newBytes,
		})
		if err != nil {
			logging.Error("Failed to update library stats for %s: %v", col.LibraryID, err)
		}
	}

	if refreshed, err := s.cat.GetCollection(ctx, col.ID); err == nil {
		if err := s.idx.AddOrUpdate(ctx, refreshed.Summary()); err != nil {
			logging.Warn("Failed to index collection %s: %v", col.ID, err)
		}
	}

	if msg.JobID != "" {
		if err := s.tracker.StageDone(ctx, msg.JobID, catalog.StageScan); err != nil {
			logging.Error("Failed to close scan stage on job %s: %v", msg.JobID, err)
		}
	}

	logging.Info("Collection %s scanned: %d images (%d new)", col.Name, len(found), newItems)
	return nil
}

// jobActive reports whether the owning job may still accrue side effects.
// Unknown or unreadable jobs count as active; dropping work is the
// exception, not the failure mode.
func (s *Consumer) jobActive(ctx context.Context, jobID string) bool {
	if jobID == "" {
		return true
	}
	job, err := s.cat.GetJob(ctx, jobID)
	if err != nil {
		return true
	}
	return !job.Status.IsTerminal()
}

// scanAlreadyClosed reports whether an earlier delivery carried this scan
// all the way through. The scan stage closes last, after the totals and the
// fan-out, so a closed stage means the collection's work is already queued.
func (s *Consumer) scanAlreadyClosed(ctx context.Context, jobID string) bool {
	if jobID == "" {
		return false
	}
	job, err := s.cat.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	stage, ok := job.Stages[catalog.StageScan]
	return ok && stage.Done()
}

func imageByPath(col *catalog.Collection, rel string) *catalog.ImageEmbedded {
	for i := range col.Images {
		if col.Images[i].RelativePath == rel {
			return &col.Images[i]
		}
	}
	return nil
}

// enumerateImages lists a collection's images. Archive collections read
// their table of contents; folder collections walk the directory, skipping
// hidden entries and nested archives, which are collections of their own.
func enumerateImages(col *catalog.Collection) ([]foundImage, error) {
	if col.Type.IsArchive() {
		entries, err := archive.EnumerateEntries(col.Path)
		if err != nil {
			return nil, err
		}
		out := make([]foundImage, 0, len(entries))
		for _, e := range entries {
			if e.IsDir || !archive.IsImageFile(e.Path) {
				continue
			}
			out = append(out, foundImage{rel: e.Path, size: e.Size})
		}
		return out, nil
	}

	var out []foundImage
	err := filepath.WalkDir(col.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != col.Path {
				return fs.SkipDir
			}
			if path == col.Path {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path != col.Path && isHidden(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if isHidden(d.Name()) || !archive.IsImageFile(path) {
			return nil
		}
		rel, err := filepath.Rel(col.Path, path)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, foundImage{rel: filepath.ToSlash(rel), size: info.Size()})
		return nil
	})
	return out, err
}

// probeDims reads just enough of the stream to learn the pixel dimensions.
// Best effort: enumeration proceeds without dimensions on any failure.
func probeDims(fullPath string) (int, int, bool) {
	rc, err := archive.OpenStream(fullPath)
	if err != nil {
		return 0, 0, false
	}
	defer rc.Close()

	cfg, _, err := image.DecodeConfig(rc)
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}
