package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if a == "" || a == b {
		t.Fatalf("NewID returned %q and %q, want distinct non-empty ids", a, b)
	}
}

func TestAppendImageIdempotent(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	col, err := c.CreateCollection(ctx, "lib1", "A", "/L/A", CollectionTypeFolder, CollectionSettings{})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	img := ImageEmbedded{
		ID:           NewID(),
		Filename:     "p01.jpg",
		RelativePath: "p01.jpg",
		SizeBytes:    10240,
		Format:       "jpeg",
		AddedAt:      time.Now().UTC(),
	}

	added, err := c.AppendImage(ctx, col.ID, img)
	if err != nil || !added {
		t.Fatalf("first AppendImage = (%v, %v), want (true, nil)", added, err)
	}

	// Same relativePath under a fresh id must be rejected by the guard.
	img.ID = NewID()
	added, err = c.AppendImage(ctx, col.ID, img)
	if err != nil {
		t.Fatalf("second AppendImage: %v", err)
	}
	if added {
		t.Error("second AppendImage with same relativePath appended, want skip")
	}

	got, err := c.GetCollection(ctx, col.ID)
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if len(got.Images) != 1 {
		t.Errorf("len(images) = %d, want 1", len(got.Images))
	}
	if got.Statistics.ImageCount != 1 || got.Statistics.TotalSizeBytes != 10240 {
		t.Errorf("statistics = %+v, want imageCount=1 totalSizeBytes=10240", got.Statistics)
	}
}

func TestAppendDerivativeUniqueness(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	col, err := c.CreateCollection(ctx, "lib1", "A", "/L/A", CollectionTypeZip, CollectionSettings{})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	imgID := NewID()
	thumb := ThumbnailEmbedded{ImageID: imgID, Width: 200, Height: 200, Path: "x/t.webp", SizeBytes: 5, CreatedAt: time.Now().UTC()}

	if added, err := c.AppendThumbnail(ctx, col.ID, thumb); err != nil || !added {
		t.Fatalf("first AppendThumbnail = (%v, %v)", added, err)
	}
	if added, err := c.AppendThumbnail(ctx, col.ID, thumb); err != nil || added {
		t.Fatalf("duplicate AppendThumbnail = (%v, %v), want (false, nil)", added, err)
	}

	// Different dimensions are a distinct derivative.
	thumb.Width = 400
	if added, err := c.AppendThumbnail(ctx, col.ID, thumb); err != nil || !added {
		t.Fatalf("different-size AppendThumbnail = (%v, %v), want (true, nil)", added, err)
	}

	got, _ := c.GetCollection(ctx, col.ID)
	if len(got.Thumbnails) != 2 {
		t.Errorf("len(thumbnails) = %d, want 2", len(got.Thumbnails))
	}
	if got.ThumbnailFor(imgID, 200, 200) == nil {
		t.Error("ThumbnailFor(200x200) = nil, want record")
	}
	if got.ThumbnailFor(imgID, 300, 300) != nil {
		t.Error("ThumbnailFor(300x300) != nil, want nil")
	}
}

func TestClearDerivatives(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	col, _ := c.CreateCollection(ctx, "lib1", "A", "/L/A", CollectionTypeFolder, CollectionSettings{})
	c.AppendThumbnail(ctx, col.ID, ThumbnailEmbedded{ImageID: NewID(), Width: 200, Height: 200})
	c.AppendCacheImage(ctx, col.ID, CacheImageEmbedded{ImageID: NewID(), Width: 1280, Height: 1280})

	if err := c.ClearDerivatives(ctx, col.ID); err != nil {
		t.Fatalf("ClearDerivatives: %v", err)
	}
	got, _ := c.GetCollection(ctx, col.ID)
	if len(got.Thumbnails) != 0 || len(got.CacheImages) != 0 {
		t.Errorf("after clear: %d thumbnails, %d cache images, want 0/0",
			len(got.Thumbnails), len(got.CacheImages))
	}
}

func TestJobStageIncrements(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	job, err := c.CreateJob(ctx, JobTypeResumeCollection, "col1", "lib1", map[string]JobStage{
		StageThumbnail: {Status: "pending", Total: 10},
		StageCache:     {Status: "pending", Total: 10},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	for i := 0; i < 7; i++ {
		if err := c.IncJobStage(ctx, job.ID, StageThumbnail, StageFieldCompleted, 1); err != nil {
			t.Fatalf("IncJobStage: %v", err)
		}
	}
	c.IncJobStage(ctx, job.ID, StageThumbnail, StageFieldFailed, 1)
	c.IncJobStage(ctx, job.ID, StageThumbnail, StageFieldSkipped, 2)

	got, err := c.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	st := got.Stages[StageThumbnail]
	if st.Completed != 7 || st.Failed != 1 || st.Skipped != 2 || st.Total != 10 {
		t.Errorf("stage = %+v, want completed=7 failed=1 skipped=2 total=10", st)
	}
	if !st.Done() {
		t.Error("stage.Done() = false, want true")
	}
	if got.Stages[StageCache].Done() {
		t.Error("untouched cache stage reports done")
	}

	if err := c.IncJobStage(ctx, job.ID, StageThumbnail, "bogus", 1); err == nil {
		t.Error("IncJobStage with invalid field did not error")
	}
	if err := c.IncJobStage(ctx, job.ID, "bad.stage", StageFieldCompleted, 1); err == nil {
		t.Error("IncJobStage with invalid stage name did not error")
	}
}

func TestJobLifecycleSticky(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	job, _ := c.CreateJob(ctx, JobTypeCollectionScan, "col1", "", nil)

	started, err := c.MarkJobStarted(ctx, job.ID)
	if err != nil || !started {
		t.Fatalf("MarkJobStarted = (%v, %v), want (true, nil)", started, err)
	}
	// Second start is a no-op.
	if started, _ := c.MarkJobStarted(ctx, job.ID); started {
		t.Error("second MarkJobStarted transitioned again")
	}

	done, err := c.FinishJob(ctx, job.ID, JobStatusCancelled, "operator cancel")
	if err != nil || !done {
		t.Fatalf("FinishJob = (%v, %v)", done, err)
	}

	// Terminal states are sticky: a late Completed must not overwrite.
	if done, _ := c.FinishJob(ctx, job.ID, JobStatusCompleted, ""); done {
		t.Error("FinishJob overwrote a terminal state")
	}
	got, _ := c.GetJob(ctx, job.ID)
	if got.Status != JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("startedAt/completedAt not stamped")
	}

	if _, err := c.FinishJob(ctx, job.ID, JobStatusInProgress, ""); err == nil {
		t.Error("FinishJob accepted a non-terminal status")
	}
}

func TestListActiveJobsFilters(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	scan, _ := c.CreateJob(ctx, JobTypeCollectionScan, "c1", "", nil)
	resume, _ := c.CreateJob(ctx, JobTypeResumeCollection, "c2", "", nil)
	finished, _ := c.CreateJob(ctx, JobTypeCollectionScan, "c3", "", nil)
	c.FinishJob(ctx, finished.ID, JobStatusCompleted, "")

	active, err := c.ListActiveJobs(ctx, []string{JobTypeCollectionScan, JobTypeResumeCollection})
	if err != nil {
		t.Fatalf("ListActiveJobs: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("len(active) = %d, want 2", len(active))
	}
	ids := map[string]bool{active[0].ID: true, active[1].ID: true}
	if !ids[scan.ID] || !ids[resume.ID] {
		t.Errorf("active ids = %v, want {%s, %s}", ids, scan.ID, resume.ID)
	}

	// A type missing from the filter is invisible to the monitor.
	onlyScan, _ := c.ListActiveJobs(ctx, []string{JobTypeCollectionScan})
	if len(onlyScan) != 1 || onlyScan[0].ID != scan.ID {
		t.Errorf("filtered list = %v, want only the collection-scan job", onlyScan)
	}
}

func TestCacheFolderAccounting(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	f, err := c.CreateCacheFolder(ctx, "/cache/a", 1)
	if err != nil {
		t.Fatalf("CreateCacheFolder: %v", err)
	}

	// Two files from the same collection, one from another.
	c.RecordCacheFile(ctx, f.ID, "colA", 100)
	c.RecordCacheFile(ctx, f.ID, "colA", 200)
	c.RecordCacheFile(ctx, f.ID, "colB", 300)

	got, _ := c.GetCacheFolder(ctx, f.ID)
	if got.CurrentSizeBytes != 600 || got.TotalFiles != 3 {
		t.Errorf("size/files = %d/%d, want 600/3", got.CurrentSizeBytes, got.TotalFiles)
	}
	if got.TotalCollections != int64(len(got.CachedCollectionIDs)) {
		t.Errorf("totalCollections = %d, set size = %d; invariant broken",
			got.TotalCollections, len(got.CachedCollectionIDs))
	}
	if got.TotalCollections != 2 {
		t.Errorf("totalCollections = %d, want 2", got.TotalCollections)
	}

	// Removal clamps at zero and keeps the invariant.
	c.RemoveCacheFile(ctx, f.ID, "colB", 300, true)
	c.RemoveCacheFile(ctx, f.ID, "colB", 10000, true) // double delete, oversized

	got, _ = c.GetCacheFolder(ctx, f.ID)
	if got.CurrentSizeBytes < 0 || got.TotalFiles < 0 {
		t.Errorf("counters went negative: size=%d files=%d", got.CurrentSizeBytes, got.TotalFiles)
	}
	if got.TotalCollections != int64(len(got.CachedCollectionIDs)) {
		t.Errorf("totalCollections = %d, set size = %d after removal",
			got.TotalCollections, len(got.CachedCollectionIDs))
	}
	if got.TotalCollections != 1 {
		t.Errorf("totalCollections = %d, want 1", got.TotalCollections)
	}
}

func TestLibraryStats(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	lib, err := c.CreateLibrary(ctx, "L", "/L", "owner", LibrarySettings{AutoScan: true, EnableCache: true})
	if err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}

	c.IncrementLibraryStats(ctx, lib.ID, LibraryStatsDelta{Collections: 1, MediaItems: 3, SizeBytes: 30720})
	c.IncrementLibraryStats(ctx, lib.ID, LibraryStatsDelta{MediaItems: 2, SizeBytes: 1024})
	c.MarkLibraryScanned(ctx, lib.ID)

	got, err := c.GetLibrary(ctx, lib.ID)
	if err != nil {
		t.Fatalf("GetLibrary: %v", err)
	}
	s := got.Statistics
	if s.TotalCollections != 1 || s.TotalMediaItems != 5 || s.TotalSizeBytes != 31744 {
		t.Errorf("stats = %+v, want collections=1 items=5 bytes=31744", s)
	}
	if s.ScanCount != 1 || s.LastScanAt == nil || s.LastActivityAt == nil {
		t.Errorf("scan bookkeeping = %+v, want scanCount=1 and timestamps set", s)
	}

	// Decrements clamp at zero.
	c.IncrementLibraryStats(ctx, lib.ID, LibraryStatsDelta{MediaItems: -100, SizeBytes: -1 << 40})
	got, _ = c.GetLibrary(ctx, lib.ID)
	if got.Statistics.TotalMediaItems != 0 || got.Statistics.TotalSizeBytes != 0 {
		t.Errorf("clamped stats = %+v, want zeros", got.Statistics)
	}
}

func TestFindCollectionSummariesPagedOrdering(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	names := []string{"bravo", "alpha", "Charlie", "delta"}
	for _, n := range names {
		if _, err := c.CreateCollection(ctx, "lib1", n, "/L/"+n, CollectionTypeFolder, CollectionSettings{}); err != nil {
			t.Fatalf("CreateCollection %s: %v", n, err)
		}
	}

	page, err := c.FindCollectionSummariesPaged(ctx, CollectionFilter{LibraryID: "lib1"}, SortByName, "asc", 0, 10)
	if err != nil {
		t.Fatalf("FindCollectionSummariesPaged: %v", err)
	}
	want := []string{"alpha", "bravo", "Charlie", "delta"}
	if len(page) != len(want) {
		t.Fatalf("len(page) = %d, want %d", len(page), len(want))
	}
	for i, s := range page {
		if s.Name != want[i] {
			t.Errorf("page[%d].Name = %s, want %s", i, s.Name, want[i])
		}
	}

	// Paging slices the same ordering.
	second, _ := c.FindCollectionSummariesPaged(ctx, CollectionFilter{}, SortByName, "asc", 2, 2)
	if len(second) != 2 || second[0].Name != "Charlie" || second[1].Name != "delta" {
		t.Errorf("second page = %v, want [Charlie delta]", second)
	}

	n, _ := c.CountCollections(ctx, CollectionFilter{LibraryID: "lib1"})
	if n != 4 {
		t.Errorf("CountCollections = %d, want 4", n)
	}
}

func TestSoftDeleteHidesFromQueries(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	col, _ := c.CreateCollection(ctx, "lib1", "A", "/L/A", CollectionTypeFolder, CollectionSettings{})
	if err := c.SoftDeleteCollection(ctx, col.ID); err != nil {
		t.Fatalf("SoftDeleteCollection: %v", err)
	}

	if _, err := c.GetCollectionByPath(ctx, "/L/A"); err != ErrNotFound {
		t.Errorf("GetCollectionByPath after delete = %v, want ErrNotFound", err)
	}
	// GetCollection still resolves so consumers can see the deleted flag.
	got, err := c.GetCollection(ctx, col.ID)
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if !got.IsDeleted {
		t.Error("IsDeleted = false after soft delete")
	}

	n, _ := c.CountCollections(ctx, CollectionFilter{})
	if n != 0 {
		t.Errorf("CountCollections = %d, want 0 after soft delete", n)
	}
}

func TestScheduledJobsRoundTrip(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	s := &ScheduledJob{
		Name:           "nightly scan",
		JobType:        ScheduledJobTypeLibraryScan,
		CronExpression: "0 2 * * *",
		IsEnabled:      true,
		Parameters:     map[string]string{"libraryId": "lib1"},
		TimeoutSeconds: 3600,
		MaxRetries:     3,
	}
	if err := c.CreateScheduledJob(ctx, s); err != nil {
		t.Fatalf("CreateScheduledJob: %v", err)
	}

	enabled, err := c.ListEnabledScheduledJobs(ctx)
	if err != nil || len(enabled) != 1 {
		t.Fatalf("ListEnabledScheduledJobs = (%d, %v), want 1 job", len(enabled), err)
	}
	if enabled[0].Parameters["libraryId"] != "lib1" {
		t.Errorf("parameters = %v, want libraryId=lib1", enabled[0].Parameters)
	}

	ranAt := time.Now().UTC().Truncate(time.Second)
	next := ranAt.Add(24 * time.Hour)
	if err := c.RecordScheduledJobRun(ctx, s.ID, ranAt, next, true, ""); err != nil {
		t.Fatalf("RecordScheduledJobRun: %v", err)
	}

	got, _ := c.GetScheduledJob(ctx, s.ID)
	if got.RunCount != 1 || got.SuccessCount != 1 || got.FailureCount != 0 {
		t.Errorf("counters = %d/%d/%d, want 1/1/0", got.RunCount, got.SuccessCount, got.FailureCount)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(ranAt) {
		t.Errorf("lastRunAt = %v, want %v", got.LastRunAt, ranAt)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Errorf("nextRunAt = %v, want %v", got.NextRunAt, next)
	}

	c.SetScheduledJobEnabled(ctx, s.ID, false)
	enabled, _ = c.ListEnabledScheduledJobs(ctx)
	if len(enabled) != 0 {
		t.Errorf("ListEnabledScheduledJobs after disable = %d, want 0", len(enabled))
	}

	run, err := c.CreateJobRun(ctx, s.ID, TriggeredByScheduler)
	if err != nil {
		t.Fatalf("CreateJobRun: %v", err)
	}
	if err := c.FinishJobRun(ctx, run.ID, RunStatusCompleted, map[string]string{"jobId": "x"}, ""); err != nil {
		t.Fatalf("FinishJobRun: %v", err)
	}
	gotRun, _ := c.GetJobRun(ctx, run.ID)
	if gotRun.Status != RunStatusCompleted || gotRun.CompletedAt == nil {
		t.Errorf("run = %+v, want completed with timestamp", gotRun)
	}
}
