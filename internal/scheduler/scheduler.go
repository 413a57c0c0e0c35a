package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"media-ingest/internal/catalog"
	"media-ingest/internal/logging"
	"media-ingest/internal/metrics"
	"media-ingest/internal/queue"
)

// publisher is the slice of the queue client scheduled jobs publish
// through. Satisfied by *queue.Publisher.
type publisher interface {
	PublishLibraryScan(ctx context.Context, msg *queue.LibraryScanMessage) error
}

// registration is one scheduled job's live cron entry plus the expression
// it was registered with, so reconciliation can detect expression changes.
type registration struct {
	entryID cron.EntryID
	expr    string
}

// Scheduler runs cron-driven jobs from the catalog and reconciles its
// in-memory registry against the catalog on an interval, so enabling,
// editing, or deleting a scheduled job takes effect without a restart.
type Scheduler struct {
	cat          *catalog.Catalog
	pub          publisher
	cron         *cron.Cron
	syncInterval time.Duration

	mu       sync.Mutex
	registry map[string]registration

	stopChan chan struct{}
	stopOnce sync.Once
	doneChan chan struct{}
}

func New(cat *catalog.Catalog, pub publisher, syncInterval time.Duration) *Scheduler {
	return &Scheduler{
		cat:          cat,
		pub:          pub,
		cron:         cron.New(),
		syncInterval: syncInterval,
		registry:     make(map[string]registration),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start loads the enabled scheduled jobs, registers them, and launches the
// cron runner plus the reconciliation loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.reconcile(ctx); err != nil {
		return fmt.Errorf("initial schedule load: %w", err)
	}
	s.cron.Start()

	go func() {
		defer close(s.doneChan)
		ticker := time.NewTicker(s.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				if err := s.reconcile(context.Background()); err != nil {
					logging.Error("Schedule reconciliation failed: %v", err)
				}
			}
		}
	}()

	logging.Info("Scheduler started (%d jobs, sync every %s)", s.registered(), s.syncInterval)
	return nil
}

// Stop halts reconciliation and waits for any running cron invocation.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.doneChan
	<-s.cron.Stop().Done()
}

func (s *Scheduler) registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registry)
}

// reconcile aligns the cron registry with the catalog. Each add, update,
// and remove is isolated; one bad cron expression must not take down the
// rest of the schedule.
func (s *Scheduler) reconcile(ctx context.Context) error {
	desired, err := s.cat.ListEnabledScheduledJobs(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	current := make(map[string]string, len(s.registry))
	for id, reg := range s.registry {
		current[id] = reg.expr
	}
	s.mu.Unlock()

	adds, updates, removes := diff(current, desired)

	for _, id := range removes {
		s.deregister(id)
		logging.Info("Scheduled job %s deregistered", id)
	}
	for _, job := range updates {
		s.deregister(job.ID)
		if err := s.register(ctx, job); err != nil {
			logging.Error("Failed to re-register scheduled job %s (%s): %v", job.Name, job.ID, err)
			continue
		}
		logging.Info("Scheduled job %s re-registered with %q", job.Name, job.CronExpression)
	}
	for _, job := range adds {
		if err := s.register(ctx, job); err != nil {
			logging.Error("Failed to register scheduled job %s (%s): %v", job.Name, job.ID, err)
			continue
		}
		logging.Info("Scheduled job %s registered with %q", job.Name, job.CronExpression)
	}

	metrics.ScheduledJobsRegistered.Set(float64(s.registered()))
	return nil
}

// diff computes registry changes. Jobs present with an unchanged
// expression are untouched.
func diff(current map[string]string, desired []*catalog.ScheduledJob) (adds, updates []*catalog.ScheduledJob, removes []string) {
	want := make(map[string]*catalog.ScheduledJob, len(desired))
	for _, job := range desired {
		want[job.ID] = job
	}

	for id := range current {
		if _, ok := want[id]; !ok {
			removes = append(removes, id)
		}
	}
	for id, job := range want {
		expr, ok := current[id]
		switch {
		case !ok:
			adds = append(adds, job)
		case expr != job.CronExpression:
			updates = append(updates, job)
		}
	}
	return adds, updates, removes
}

func (s *Scheduler) register(ctx context.Context, job *catalog.ScheduledJob) error {
	sched, err := cron.ParseStandard(job.CronExpression)
	if err != nil {
		return fmt.Errorf("bad cron expression %q: %w", job.CronExpression, err)
	}

	id := job.ID
	entryID, err := s.cron.AddFunc(job.CronExpression, func() { s.execute(id) })
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.registry[id] = registration{entryID: entryID, expr: job.CronExpression}
	s.mu.Unlock()

	// Stamp the upcoming trigger so a job that has never fired does not sit
	// with an empty next-run time until its first run.
	next := sched.Next(time.Now().UTC())
	if err := s.cat.SetScheduledJobNextRun(ctx, id, next); err != nil {
		logging.Warn("Cannot stamp next run for scheduled job %s: %v", job.Name, err)
	}
	return nil
}

func (s *Scheduler) deregister(id string) {
	s.mu.Lock()
	reg, ok := s.registry[id]
	if ok {
		delete(s.registry, id)
	}
	s.mu.Unlock()
	if ok {
		s.cron.Remove(reg.entryID)
	}
}

// execute performs one trigger: open a run record, do the work, close the
// run, and fold the outcome into the scheduled job's counters. The run
// tracks the trigger itself; downstream processing is observed through the
// background job the published message produces.
func (s *Scheduler) execute(scheduledJobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	job, err := s.cat.GetScheduledJob(ctx, scheduledJobID)
	if err != nil {
		logging.Error("Scheduled job %s fired but cannot be loaded: %v", scheduledJobID, err)
		return
	}

	run, err := s.cat.CreateJobRun(ctx, job.ID, catalog.TriggeredByScheduler)
	if err != nil {
		logging.Error("Failed to open run for scheduled job %s: %v", job.Name, err)
		return
	}

	runErr := s.dispatch(ctx, job)

	status := catalog.RunStatusCompleted
	errMsg := ""
	if runErr != nil {
		status = catalog.RunStatusFailed
		errMsg = runErr.Error()
		logging.Error("Scheduled job %s run failed: %v", job.Name, runErr)
	}
	if err := s.cat.FinishJobRun(ctx, run.ID, status, nil, errMsg); err != nil {
		logging.Error("Failed to close run %s: %v", run.ID, err)
	}

	now := time.Now().UTC()
	next := now
	if sched, err := cron.ParseStandard(job.CronExpression); err == nil {
		next = sched.Next(now)
	}
	if err := s.cat.RecordScheduledJobRun(ctx, job.ID, now, next, runErr == nil, errMsg); err != nil {
		logging.Error("Failed to record run outcome for %s: %v", job.Name, err)
	}
	metrics.ScheduledRunsTotal.WithLabelValues(job.JobType, status).Inc()
}

func (s *Scheduler) dispatch(ctx context.Context, job *catalog.ScheduledJob) error {
	switch job.JobType {
	case catalog.ScheduledJobTypeLibraryScan:
		return s.dispatchLibraryScan(ctx, job)
	case catalog.ScheduledJobTypeCacheCleanup:
		return s.runCacheCleanup(ctx)
	default:
		return fmt.Errorf("unknown scheduled job type %q", job.JobType)
	}
}

func (s *Scheduler) dispatchLibraryScan(ctx context.Context, job *catalog.ScheduledJob) error {
	libraryID := job.Parameters["libraryId"]
	if libraryID == "" {
		return errors.New("scheduled scan has no libraryId parameter")
	}

	lib, err := s.cat.GetLibrary(ctx, libraryID)
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("target library %s no longer exists", libraryID)
	}
	if err != nil {
		return err
	}

	scanType := job.Parameters["scanType"]
	if scanType == "" {
		scanType = queue.ScanTypeIncremental
	}

	return s.pub.PublishLibraryScan(ctx, &queue.LibraryScanMessage{
		LibraryID:         lib.ID,
		LibraryPath:       lib.RootPath,
		ScanType:          scanType,
		IncludeSubfolders: job.Parameters["includeSubfolders"] != "false",
		ResumeIncomplete:  job.Parameters["resumeIncomplete"] == "true",
		OverwriteExisting: job.Parameters["overwriteExisting"] == "true",
		ScheduledJobID:    job.ID,
	})
}

// runCacheCleanup removes stale temp files that a crashed writer left in
// the cache folders, then purges cache files belonging to soft-deleted
// collections. Finished derivatives of live collections are never touched.
func (s *Scheduler) runCacheCleanup(ctx context.Context) error {
	folders, err := s.cat.ListActiveCacheFolders(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-1 * time.Hour)
	var removed int
	for _, folder := range folders {
		entries, err := os.ReadDir(folder.Path)
		if err != nil {
			logging.Warn("Cache cleanup cannot read %s: %v", folder.Path, err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasPrefix(e.Name(), ".tmp-") {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(folder.Path, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		logging.Info("Cache cleanup removed %d stale temp files", removed)
	}

	return s.purgeDeletedCollections(ctx, folders)
}

// purgeDeletedCollections deletes the cache files of soft-deleted
// collections and reverses their folder accounting. Counters clamp at
// zero in the catalog, so re-running after a partial pass is safe.
func (s *Scheduler) purgeDeletedCollections(ctx context.Context, folders []*catalog.CacheFolder) error {
	deleted, err := s.cat.ListDeletedCollectionsWithCacheImages(ctx)
	if err != nil {
		return err
	}

	for _, col := range deleted {
		// Per-folder file counts, so the last removal from a folder also
		// pulls the collection out of that folder's id set.
		remaining := make(map[string]int)
		for _, ci := range col.CacheImages {
			if id := folderIDFor(folders, ci.Path); id != "" {
				remaining[id]++
			}
		}

		var failed bool
		for _, ci := range col.CacheImages {
			if err := os.Remove(ci.Path); err != nil && !os.IsNotExist(err) {
				logging.Warn("Cache cleanup cannot remove %s: %v", ci.Path, err)
				failed = true
				continue
			}
			folderID := folderIDFor(folders, ci.Path)
			if folderID == "" {
				continue
			}
			remaining[folderID]--
			if err := s.cat.RemoveCacheFile(ctx, folderID, col.ID, ci.SizeBytes, remaining[folderID] == 0); err != nil {
				logging.Warn("Cache cleanup accounting failed for folder %s: %v", folderID, err)
			}
		}
		if failed {
			// Records stay so the next run retries the stragglers.
			continue
		}
		if err := s.cat.ClearDerivatives(ctx, col.ID); err != nil {
			logging.Warn("Cache cleanup cannot clear records for collection %s: %v", col.ID, err)
			continue
		}
		logging.Info("Cache cleanup purged %d cache files of deleted collection %s", len(col.CacheImages), col.ID)
	}
	return nil
}

// folderIDFor resolves a cache file path to its owning folder by longest
// matching path prefix.
func folderIDFor(folders []*catalog.CacheFolder, path string) string {
	best, bestLen := "", -1
	for _, f := range folders {
		if strings.HasPrefix(path, f.Path+string(filepath.Separator)) && len(f.Path) > bestLen {
			best, bestLen = f.ID, len(f.Path)
		}
	}
	return best
}
