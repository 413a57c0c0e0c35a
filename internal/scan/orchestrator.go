package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"media-ingest/internal/archive"
	"media-ingest/internal/catalog"
	"media-ingest/internal/filesystem"
	"media-ingest/internal/jobs"
	"media-ingest/internal/logging"
	"media-ingest/internal/metrics"
	"media-ingest/internal/queue"
)

// Fallback derivative dimensions when neither the collection nor the
// library specifies them. Deployment overrides these via THUMB_W/H and
// CACHE_W/H at startup.
var (
	FallbackThumbW = 300
	FallbackThumbH = 300
	FallbackCacheW = 1280
	FallbackCacheH = 1280
)

// Orchestrator consumes library scan messages and fans them out: one
// collection scan message per discovered collection, or a direct resume
// job when only derivatives are missing. It never generates derivatives
// itself.
type Orchestrator struct {
	cat     *catalog.Catalog
	pub     publisher
	idx     indexer
	tracker *jobs.Tracker
}

func NewOrchestrator(cat *catalog.Catalog, pub publisher, idx indexer, tracker *jobs.Tracker) *Orchestrator {
	return &Orchestrator{cat: cat, pub: pub, idx: idx, tracker: tracker}
}

// HandleLibraryScan is the queue handler for library scan messages.
func (o *Orchestrator) HandleLibraryScan(ctx context.Context, payload []byte) error {
	var msg queue.LibraryScanMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("malformed library scan message: %v: %w", err, queue.SkipRetry)
	}

	lib, err := o.cat.GetLibrary(ctx, msg.LibraryID)
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("library %s not found: %w", msg.LibraryID, queue.SkipRetry)
	}
	if err != nil {
		return err
	}

	logging.Info("Library scan starting: %s (%s) type=%s resume=%v overwrite=%v",
		lib.Name, lib.RootPath, msg.ScanType, msg.ResumeIncomplete, msg.OverwriteExisting)

	candidates, err := discoverCandidates(lib.RootPath, msg.IncludeSubfolders)
	if err != nil {
		return fmt.Errorf("discover candidates under %s: %w", lib.RootPath, err)
	}

	job, err := o.tracker.Begin(ctx, catalog.JobTypeLibraryScan, "", lib.ID, map[string]catalog.JobStage{
		catalog.StageCollections: {Status: "pending", Total: int64(len(candidates))},
	})
	if err != nil {
		return err
	}

	for _, path := range candidates {
		if err := o.classifyAndDispatch(ctx, lib, &msg, path); err != nil {
			logging.Error("Scan candidate %s failed: %v", path, err)
			o.tracker.StageFailed(ctx, job.ID, catalog.StageCollections)
			continue
		}
		o.tracker.StageDone(ctx, job.ID, catalog.StageCollections)
	}

	if msg.ScanType == queue.ScanTypeFull {
		o.reapMissing(ctx, lib)
	}

	if err := o.cat.MarkLibraryScanned(ctx, lib.ID); err != nil {
		logging.Error("Failed to mark library %s scanned: %v", lib.ID, err)
	}
	logging.Info("Library scan dispatched: %s, %d candidates", lib.Name, len(candidates))
	return nil
}

// classifyAndDispatch applies the per-candidate ingestion policy:
//
//	unknown path                      -> create collection, queue scan
//	known + overwrite                 -> clear derivatives, queue forced scan
//	known + resume, has images        -> queue only the missing derivatives
//	known + resume, no images         -> queue scan
//	known, has images                 -> skip
//	known, no images                  -> queue scan
func (o *Orchestrator) classifyAndDispatch(ctx context.Context, lib *catalog.Library, msg *queue.LibraryScanMessage, path string) error {
	has, err := archive.HasSupportedImage(path)
	if err != nil {
		return err
	}
	if !has {
		return nil
	}

	col, err := o.cat.GetCollectionByPath(ctx, path)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return o.createAndQueue(ctx, lib, path)
	case err != nil:
		return err
	case msg.OverwriteExisting:
		if err := o.cat.ClearDerivatives(ctx, col.ID); err != nil {
			return err
		}
		metrics.CollectionsScanned.WithLabelValues("rescanned").Inc()
		return o.queueCollectionScan(ctx, lib, col, true)
	case msg.ResumeIncomplete && len(col.Images) > 0:
		metrics.CollectionsScanned.WithLabelValues("resumed").Inc()
		return o.resume(ctx, lib, col)
	case len(col.Images) > 0:
		metrics.CollectionsScanned.WithLabelValues("skipped").Inc()
		return nil
	default:
		return o.queueCollectionScan(ctx, lib, col, false)
	}
}

func (o *Orchestrator) createAndQueue(ctx context.Context, lib *catalog.Library, path string) error {
	typ, _ := archive.DetectType(path)
	name := collectionName(path, typ)

	col, err := o.cat.CreateCollection(ctx, lib.ID, name, path, typ, catalog.CollectionSettings{})
	if err != nil {
		return err
	}
	if err := o.cat.IncrementLibraryStats(ctx, lib.ID, catalog.LibraryStatsDelta{Collections: 1}); err != nil {
		logging.Error("Failed to bump collection count for library %s: %v", lib.ID, err)
	}
	metrics.CollectionsScanned.WithLabelValues("created").Inc()
	logging.Debug("Discovered collection %s (%s) at %s", name, typ, path)
	return o.queueCollectionScan(ctx, lib, col, false)
}

// queueCollectionScan creates the tracking job and publishes the scan
// message. The job starts with a single "scan" stage so the monitor holds
// it open until the consumer has enumerated the collection and pinned the
// derivative stage totals.
func (o *Orchestrator) queueCollectionScan(ctx context.Context, lib *catalog.Library, col *catalog.Collection, force bool) error {
	tw, th, cw, ch := resolveDims(lib, col)

	job, err := o.tracker.Begin(ctx, catalog.JobTypeCollectionScan, col.ID, lib.ID, map[string]catalog.JobStage{
		catalog.StageScan:      {Status: "pending", Total: 1},
		catalog.StageThumbnail: {Status: "pending"},
		catalog.StageCache:     {Status: "pending"},
	})
	if err != nil {
		return err
	}

	return o.pub.PublishCollectionScan(ctx, &queue.CollectionScanMessage{
		CollectionID:   col.ID,
		CollectionPath: col.Path,
		ForceRescan:    force,
		ThumbnailW:     tw,
		ThumbnailH:     th,
		CacheW:         cw,
		CacheH:         ch,
		JobID:          job.ID,
	})
}

// resume queues only the derivatives that are missing. Stage totals are
// installed at job creation, before the first message publishes, so the
// monitor can never observe a half-initialized job. A collection with
// nothing missing produces a zero-total job that the monitor completes on
// its next sweep.
func (o *Orchestrator) resume(ctx context.Context, lib *catalog.Library, col *catalog.Collection) error {
	tw, th, cw, ch := resolveDims(lib, col)

	var missingThumbs, missingCaches []catalog.ImageEmbedded
	for _, img := range col.Images {
		if img.IsDeleted {
			continue
		}
		if col.ThumbnailFor(img.ID, tw, th) == nil {
			missingThumbs = append(missingThumbs, img)
		}
		if col.CacheImageFor(img.ID, cw, ch) == nil {
			missingCaches = append(missingCaches, img)
		}
	}

	job, err := o.tracker.Begin(ctx, catalog.JobTypeResumeCollection, col.ID, lib.ID, map[string]catalog.JobStage{
		catalog.StageThumbnail: {Status: "pending", Total: int64(len(missingThumbs))},
		catalog.StageCache:     {Status: "pending", Total: int64(len(missingCaches))},
	})
	if err != nil {
		return err
	}
	logging.Info("Resuming collection %s: %d thumbnails, %d cache images missing",
		col.Name, len(missingThumbs), len(missingCaches))

	for _, img := range missingThumbs {
		err := o.pub.PublishThumbnailGen(ctx, &queue.ThumbnailGenMessage{
			ImageID:      img.ID,
			CollectionID: col.ID,
			ImagePath:    FullImagePath(col, img),
			Filename:     img.Filename,
			Width:        tw,
			Height:       th,
			JobID:        job.ID,
		})
		if err != nil {
			return err
		}
	}
	for _, img := range missingCaches {
		err := o.pub.PublishCacheGen(ctx, &queue.CacheGenMessage{
			ImageID:      img.ID,
			CollectionID: col.ID,
			ImagePath:    FullImagePath(col, img),
			Width:        cw,
			Height:       ch,
			JobID:        job.ID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// reapMissing soft-deletes collections whose backing path no longer
// exists. Only stat errors that positively mean "gone" count; transient
// NFS failures must not delete catalog records.
func (o *Orchestrator) reapMissing(ctx context.Context, lib *catalog.Library) {
	filter := catalog.CollectionFilter{LibraryID: lib.ID}
	const batch = 200
	for skip := 0; ; skip += batch {
		summaries, err := o.cat.FindCollectionSummariesPaged(ctx, filter, catalog.SortByCreatedAt, "asc", skip, batch)
		if err != nil {
			logging.Error("Failed to sweep library %s for removed collections: %v", lib.ID, err)
			return
		}
		for _, s := range summaries {
			_, err := filesystem.StatWithRetry(s.Path, filesystem.DefaultRetryConfig())
			if err == nil || !os.IsNotExist(err) {
				continue
			}
			if err := o.cat.SoftDeleteCollection(ctx, s.ID); err != nil {
				logging.Error("Failed to remove vanished collection %s: %v", s.ID, err)
				continue
			}
			if err := o.idx.Remove(ctx, s.ID, s.LibraryID, string(s.Type)); err != nil {
				logging.Warn("Failed to drop %s from the index: %v", s.ID, err)
			}
			o.cat.IncrementLibraryStats(ctx, lib.ID, catalog.LibraryStatsDelta{
				Collections: -1,
				MediaItems:  -s.ImageCount,
				SizeBytes:   -s.TotalSizeBytes,
			})
			metrics.CollectionsScanned.WithLabelValues("removed").Inc()
			logging.Info("Collection %s vanished from disk, soft-deleted", s.Path)
		}
		if len(summaries) < batch {
			return
		}
	}
}

// discoverCandidates lists the directories and archive files under root
// that may hold a collection. Hidden entries are skipped. With
// includeSubfolders=false only the immediate children are considered.
func discoverCandidates(root string, includeSubfolders bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			if path == root {
				return err
			}
			return nil
		}
		if path == root {
			return nil
		}
		if isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			out = append(out, path)
			if !includeSubfolders {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := archive.DetectType(path); ok {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}

func collectionName(path string, typ catalog.CollectionType) string {
	base := filepath.Base(path)
	if typ.IsArchive() {
		base = base[:len(base)-len(filepath.Ext(base))]
	}
	return base
}

// resolveDims picks derivative dimensions: collection overrides, then
// library defaults, then built-in fallbacks.
func resolveDims(lib *catalog.Library, col *catalog.Collection) (tw, th, cw, ch int) {
	tw, th = col.Settings.ThumbnailW, col.Settings.ThumbnailH
	cw, ch = col.Settings.CacheW, col.Settings.CacheH
	if tw <= 0 || th <= 0 {
		tw, th = lib.Settings.DefaultThumbW, lib.Settings.DefaultThumbH
	}
	if cw <= 0 || ch <= 0 {
		cw, ch = lib.Settings.DefaultCacheW, lib.Settings.DefaultCacheH
	}
	if tw <= 0 || th <= 0 {
		tw, th = FallbackThumbW, FallbackThumbH
	}
	if cw <= 0 || ch <= 0 {
		cw, ch = FallbackCacheW, FallbackCacheH
	}
	return tw, th, cw, ch
}

// FullImagePath resolves an image's on-disk reference. Archive collections
// prefix their path with the entry separator; folder collections join the
// stored relative path, which may itself point into a nested archive in
// the legacy backslash form.
func FullImagePath(col *catalog.Collection, img catalog.ImageEmbedded) string {
	rel := archive.FixLegacyEntryPath(img.RelativePath)
	if col.Type.IsArchive() {
		return col.Path + archive.EntryRefSeparator + rel
	}
	if archivePath, entry, ok := archive.SplitEntryRef(rel); ok {
		return filepath.Join(col.Path, archivePath) + archive.EntryRefSeparator + entry
	}
	return filepath.Join(col.Path, rel)
}
