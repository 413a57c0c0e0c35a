package scan

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"media-ingest/internal/catalog"
	"media-ingest/internal/jobs"
	"media-ingest/internal/queue"
)

type capturePublisher struct {
	collectionScans []*queue.CollectionScanMessage
	thumbs          []*queue.ThumbnailGenMessage
	caches          []*queue.CacheGenMessage
}

func (p *capturePublisher) PublishCollectionScan(_ context.Context, m *queue.CollectionScanMessage) error {
	p.collectionScans = append(p.collectionScans, m)
	return nil
}

func (p *capturePublisher) PublishThumbnailGen(_ context.Context, m *queue.ThumbnailGenMessage) error {
	p.thumbs = append(p.thumbs, m)
	return nil
}

func (p *capturePublisher) PublishCacheGen(_ context.Context, m *queue.CacheGenMessage) error {
	p.caches = append(p.caches, m)
	return nil
}

type nullIndexer struct{}

func (nullIndexer) AddOrUpdate(context.Context, catalog.CollectionSummary) error { return nil }
func (nullIndexer) Remove(context.Context, string, string, string) error         { return nil }

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func writePNG(t *testing.T, path string) int64 {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, 4, 3))); err != nil {
		t.Fatal(err)
	}
	info, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	return info.Size()
}

func TestDiscoverCandidates(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"alpha", "beta/nested", ".hidden"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, file := range []string{"book.cbz", "beta/inner.zip", "notes.txt", ".trash.zip"} {
		if err := os.WriteFile(filepath.Join(root, file), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	flat, err := discoverCandidates(root, false)
	if err != nil {
		t.Fatalf("discoverCandidates flat: %v", err)
	}
	wantFlat := map[string]bool{
		filepath.Join(root, "alpha"):    true,
		filepath.Join(root, "beta"):     true,
		filepath.Join(root, "book.cbz"): true,
	}
	if len(flat) != len(wantFlat) {
		t.Fatalf("flat candidates = %v, want %v", flat, wantFlat)
	}
	for _, c := range flat {
		if !wantFlat[c] {
			t.Errorf("unexpected flat candidate %s", c)
		}
	}

	deep, err := discoverCandidates(root, true)
	if err != nil {
		t.Fatalf("discoverCandidates deep: %v", err)
	}
	var sawNested, sawInnerZip bool
	for _, c := range deep {
		switch c {
		case filepath.Join(root, "beta", "nested"):
			sawNested = true
		case filepath.Join(root, "beta", "inner.zip"):
			sawInnerZip = true
		}
		if strings.Contains(c, ".hidden") || strings.Contains(c, ".trash") {
			t.Errorf("hidden candidate leaked: %s", c)
		}
	}
	if !sawNested || !sawInnerZip {
		t.Errorf("deep scan missed nested entries: %v", deep)
	}
}

func TestResolveDims(t *testing.T) {
	lib := &catalog.Library{Settings: catalog.LibrarySettings{
		DefaultThumbW: 200, DefaultThumbH: 200, DefaultCacheW: 1600, DefaultCacheH: 1600,
	}}

	tw, th, cw, ch := resolveDims(lib, &catalog.Collection{})
	if tw != 200 || th != 200 || cw != 1600 || ch != 1600 {
		t.Errorf("library defaults not used: %d %d %d %d", tw, th, cw, ch)
	}

	override := &catalog.Collection{Settings: catalog.CollectionSettings{ThumbnailW: 128, ThumbnailH: 96}}
	tw, th, cw, ch = resolveDims(lib, override)
	if tw != 128 || th != 96 {
		t.Errorf("collection override ignored: %d %d", tw, th)
	}
	if cw != 1600 || ch != 1600 {
		t.Errorf("cache dims should fall back to library: %d %d", cw, ch)
	}

	tw, th, cw, ch = resolveDims(&catalog.Library{}, &catalog.Collection{})
	if tw != FallbackThumbW || cw != FallbackCacheW {
		t.Errorf("built-in fallbacks not applied: %d %d %d %d", tw, th, cw, ch)
	}
}

func TestFullImagePath(t *testing.T) {
	tests := []struct {
		name string
		col  *catalog.Collection
		rel  string
		want string
	}{
		{
			"plain folder image",
			&catalog.Collection{Path: "/lib/vacation", Type: catalog.CollectionTypeFolder},
			"day1/beach.jpg",
			"/lib/vacation/day1/beach.jpg",
		},
		{
			"archive collection entry",
			&catalog.Collection{Path: "/lib/book.cbz", Type: catalog.CollectionTypeCbz},
			"page01.jpg",
			"/lib/book.cbz#page01.jpg",
		},
		{
			"legacy backslash entry in folder",
			&catalog.Collection{Path: "/lib/mixed", Type: catalog.CollectionTypeFolder},
			`book.zip\page1.jpg`,
			"/lib/mixed/book.zip#page1.jpg",
		},
		{
			"modern entry ref in folder",
			&catalog.Collection{Path: "/lib/mixed", Type: catalog.CollectionTypeFolder},
			"sub/book.zip#p2.jpg",
			"/lib/mixed/sub/book.zip#p2.jpg",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FullImagePath(tt.col, catalog.ImageEmbedded{RelativePath: tt.rel})
			if got != tt.want {
				t.Errorf("FullImagePath(%q) = %q, want %q", tt.rel, got, tt.want)
			}
		})
	}
}

func TestResumeQueuesOnlyMissing(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	pub := &capturePublisher{}
	o := NewOrchestrator(c, pub, nullIndexer{}, jobs.NewTracker(c))

	lib, err := c.CreateLibrary(ctx, "main", "/lib", "owner", catalog.LibrarySettings{
		DefaultThumbW: 300, DefaultThumbH: 300, DefaultCacheW: 1280, DefaultCacheH: 1280,
	})
	if err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}
	col, err := c.CreateCollection(ctx, lib.ID, "series", "/lib/series", catalog.CollectionTypeFolder, catalog.CollectionSettings{})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	// 20 images; 18 have both derivatives, one has only a thumbnail, one
	// carries a legacy archive entry path and has nothing.
	now := time.Now().UTC()
	var ids []string
	for i := 0; i < 20; i++ {
		img := catalog.ImageEmbedded{
			ID:           catalog.NewID(),
			Filename:     "p.jpg",
			RelativePath: filepath.Join("ch1", catalog.NewID()+".jpg"),
			SizeBytes:    100,
			AddedAt:      now,
		}
		if i == 19 {
			img.RelativePath = `book.zip\page1.jpg`
		}
		if _, err := c.AppendImage(ctx, col.ID, img); err != nil {
			t.Fatalf("AppendImage: %v", err)
		}
		ids = append(ids, img.ID)
	}
	for i := 0; i < 19; i++ {
		if _, err := c.AppendThumbnail(ctx, col.ID, catalog.ThumbnailEmbedded{
			ImageID: ids[i], Width: 300, Height: 300, Path: "/t", CreatedAt: now,
		}); err != nil {
			t.Fatalf("AppendThumbnail: %v", err)
		}
	}
	for i := 0; i < 18; i++ {
		if _, err := c.AppendCacheImage(ctx, col.ID, catalog.CacheImageEmbedded{
			ImageID: ids[i], Width: 1280, Height: 1280, Path: "/c", CreatedAt: now,
		}); err != nil {
			t.Fatalf("AppendCacheImage: %v", err)
		}
	}

	fresh, err := c.GetCollection(ctx, col.ID)
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if err := o.resume(ctx, lib, fresh); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if len(pub.thumbs) != 1 {
		t.Fatalf("thumbnail messages = %d, want 1", len(pub.thumbs))
	}
	if len(pub.caches) != 2 {
		t.Fatalf("cache messages = %d, want 2", len(pub.caches))
	}

	jobID := pub.thumbs[0].JobID
	if jobID == "" {
		t.Fatal("resume message missing job id")
	}
	job, err := c.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Type != catalog.JobTypeResumeCollection || job.CollectionID != col.ID {
		t.Errorf("job = %s/%s, want resume-collection for %s", job.Type, job.CollectionID, col.ID)
	}
	if got := job.Stages[catalog.StageThumbnail].Total; got != 1 {
		t.Errorf("thumbnail stage total = %d, want 1", got)
	}
	if got := job.Stages[catalog.StageCache].Total; got != 2 {
		t.Errorf("cache stage total = %d, want 2", got)
	}

	// The legacy backslash record must publish in canonical entry form.
	var sawLegacyFixed bool
	for _, m := range pub.caches {
		if strings.Contains(m.ImagePath, "book.zip#page1.jpg") {
			sawLegacyFixed = true
		}
		if strings.Contains(m.ImagePath, `\`) {
			t.Errorf("legacy separator leaked into message: %q", m.ImagePath)
		}
	}
	if !sawLegacyFixed {
		t.Error("legacy entry path was not rewritten for publish")
	}
}

func TestResumeNothingMissingQueuesNothing(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	pub := &capturePublisher{}
	o := NewOrchestrator(c, pub, nullIndexer{}, jobs.NewTracker(c))

	lib, _ := c.CreateLibrary(ctx, "main", "/lib", "owner", catalog.LibrarySettings{
		DefaultThumbW: 300, DefaultThumbH: 300, DefaultCacheW: 1280, DefaultCacheH: 1280,
	})
	col, _ := c.CreateCollection(ctx, lib.ID, "done", "/lib/done", catalog.CollectionTypeFolder, catalog.CollectionSettings{})

	img := catalog.ImageEmbedded{ID: catalog.NewID(), Filename: "a.jpg", RelativePath: "a.jpg", AddedAt: time.Now().UTC()}
	c.AppendImage(ctx, col.ID, img)
	c.AppendThumbnail(ctx, col.ID, catalog.ThumbnailEmbedded{ImageID: img.ID, Width: 300, Height: 300, Path: "/t", CreatedAt: time.Now().UTC()})
	c.AppendCacheImage(ctx, col.ID, catalog.CacheImageEmbedded{ImageID: img.ID, Width: 1280, Height: 1280, Path: "/c", CreatedAt: time.Now().UTC()})

	fresh, _ := c.GetCollection(ctx, col.ID)
	if err := o.resume(ctx, lib, fresh); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(pub.thumbs)+len(pub.caches) != 0 {
		t.Fatalf("fully complete collection queued %d messages, want 0", len(pub.thumbs)+len(pub.caches))
	}

	// The zero-total job still exists and resolves to completed.
	active, err := c.ListActiveJobs(ctx, []string{catalog.JobTypeResumeCollection})
	if err != nil {
		t.Fatalf("ListActiveJobs: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active resume jobs = %d, want 1", len(active))
	}
	for name, stage := range active[0].Stages {
		if stage.Total != 0 {
			t.Errorf("stage %s total = %d, want 0 so the monitor completes it", name, stage.Total)
		}
	}
}

func TestHandleCollectionScanPersistsAndFansOut(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	pub := &capturePublisher{}
	tracker := jobs.NewTracker(c)
	consumer := NewConsumer(c, pub, nullIndexer{}, tracker)

	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "one.png"))
	writePNG(t, filepath.Join(dir, "sub", "two.png"))
	os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("not an image"), 0o644)

	lib, _ := c.CreateLibrary(ctx, "main", dir, "owner", catalog.LibrarySettings{})
	col, _ := c.CreateCollection(ctx, lib.ID, "pics", dir, catalog.CollectionTypeFolder, catalog.CollectionSettings{})

	job, _ := tracker.Begin(ctx, catalog.JobTypeCollectionScan, col.ID, lib.ID, map[string]catalog.JobStage{
		catalog.StageScan:      {Status: "pending", Total: 1},
		catalog.StageThumbnail: {Status: "pending"},
		catalog.StageCache:     {Status: "pending"},
	})

	msg := &queue.CollectionScanMessage{
		CollectionID: col.ID, CollectionPath: dir,
		ThumbnailW: 300, ThumbnailH: 300, CacheW: 1280, CacheH: 1280,
		JobID: job.ID,
	}
	msg.Envelope.CorrelationID = "test"
	payload, _ := json.Marshal(msg)

	if err := consumer.HandleCollectionScan(ctx, payload); err != nil {
		t.Fatalf("HandleCollectionScan: %v", err)
	}

	got, _ := c.GetCollection(ctx, col.ID)
	if len(got.Images) != 2 {
		t.Fatalf("images persisted = %d, want 2", len(got.Images))
	}
	for _, img := range got.Images {
		if img.Width != 4 || img.Height != 3 {
			t.Errorf("image %s dims = %dx%d, want 4x3", img.RelativePath, img.Width, img.Height)
		}
	}
	if len(pub.thumbs) != 2 || len(pub.caches) != 2 {
		t.Fatalf("fan-out = %d thumbs / %d caches, want 2/2", len(pub.thumbs), len(pub.caches))
	}

	jobAfter, _ := c.GetJob(ctx, job.ID)
	if jobAfter.Stages[catalog.StageScan].Completed != 1 {
		t.Error("scan stage not closed")
	}
	if jobAfter.Stages[catalog.StageThumbnail].Total != 2 || jobAfter.Stages[catalog.StageCache].Total != 2 {
		t.Errorf("derivative totals = %d/%d, want 2/2",
			jobAfter.Stages[catalog.StageThumbnail].Total, jobAfter.Stages[catalog.StageCache].Total)
	}

	libAfter, _ := c.GetLibrary(ctx, lib.ID)
	if libAfter.Statistics.TotalMediaItems != 2 {
		t.Errorf("library media items = %d, want 2", libAfter.Statistics.TotalMediaItems)
	}

	// Redelivery converges: no duplicate image records.
	pub.thumbs, pub.caches = nil, nil
	if err := consumer.HandleCollectionScan(ctx, payload); err != nil {
		t.Fatalf("redelivered HandleCollectionScan: %v", err)
	}
	again, _ := c.GetCollection(ctx, col.ID)
	if len(again.Images) != 2 {
		t.Errorf("images after redelivery = %d, want 2", len(again.Images))
	}
	libAgain, _ := c.GetLibrary(ctx, lib.ID)
	if libAgain.Statistics.TotalMediaItems != 2 {
		t.Errorf("library media items after redelivery = %d, want 2", libAgain.Statistics.TotalMediaItems)
	}
}

// flakyPublisher fails one thumbnail publish and then behaves, modeling a
// broker hiccup in the middle of a fan-out.
type flakyPublisher struct {
	capturePublisher
	failAfterThumbs int
	failed          bool
}

func (p *flakyPublisher) PublishThumbnailGen(ctx context.Context, m *queue.ThumbnailGenMessage) error {
	if !p.failed && len(p.thumbs) >= p.failAfterThumbs {
		p.failed = true
		return errors.New("broker unavailable")
	}
	return p.capturePublisher.PublishThumbnailGen(ctx, m)
}

func TestHandleCollectionScanRedeliveryKeepsTotalsExact(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	pub := &flakyPublisher{failAfterThumbs: 1}
	tracker := jobs.NewTracker(c)
	consumer := NewConsumer(c, pub, nullIndexer{}, tracker)

	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "one.png"))
	writePNG(t, filepath.Join(dir, "two.png"))

	lib, _ := c.CreateLibrary(ctx, "main", dir, "owner", catalog.LibrarySettings{})
	col, _ := c.CreateCollection(ctx, lib.ID, "pics", dir, catalog.CollectionTypeFolder, catalog.CollectionSettings{})
	job, _ := tracker.Begin(ctx, catalog.JobTypeCollectionScan, col.ID, lib.ID, map[string]catalog.JobStage{
		catalog.StageScan:      {Status: "pending", Total: 1},
		catalog.StageThumbnail: {Status: "pending"},
		catalog.StageCache:     {Status: "pending"},
	})

	msg := &queue.CollectionScanMessage{
		CollectionID: col.ID, CollectionPath: dir,
		ThumbnailW: 300, ThumbnailH: 300, CacheW: 1280, CacheH: 1280,
		JobID: job.ID,
	}
	payload, _ := json.Marshal(msg)

	// First delivery dies partway through the fan-out.
	if err := consumer.HandleCollectionScan(ctx, payload); err == nil {
		t.Fatal("first delivery should surface the publish failure")
	}
	mid, _ := c.GetJob(ctx, job.ID)
	if mid.Stages[catalog.StageScan].Completed != 0 {
		t.Fatal("scan stage closed despite incomplete fan-out")
	}

	// Redelivery finishes the work without inflating the totals.
	if err := consumer.HandleCollectionScan(ctx, payload); err != nil {
		t.Fatalf("redelivered HandleCollectionScan: %v", err)
	}
	after, _ := c.GetJob(ctx, job.ID)
	if got := after.Stages[catalog.StageThumbnail].Total; got != 2 {
		t.Errorf("thumbnail stage total = %d, want 2", got)
	}
	if got := after.Stages[catalog.StageCache].Total; got != 2 {
		t.Errorf("cache stage total = %d, want 2", got)
	}
	if after.Stages[catalog.StageScan].Completed != 1 {
		t.Error("scan stage not closed after redelivery")
	}

	// One tick per distinct image is enough to finish both stages, so the
	// monitor can resolve the job.
	seen := map[string]bool{}
	for _, m := range pub.thumbs {
		if seen[m.ImageID] {
			continue
		}
		seen[m.ImageID] = true
		tracker.StageDone(ctx, job.ID, catalog.StageThumbnail)
		tracker.StageDone(ctx, job.ID, catalog.StageCache)
	}
	final, _ := c.GetJob(ctx, job.ID)
	if !final.Stages[catalog.StageThumbnail].Done() || !final.Stages[catalog.StageCache].Done() {
		t.Errorf("stages not completable: thumbnail %+v cache %+v",
			final.Stages[catalog.StageThumbnail], final.Stages[catalog.StageCache])
	}

	// A late duplicate of the fully processed message queues nothing.
	pub.thumbs, pub.caches = nil, nil
	if err := consumer.HandleCollectionScan(ctx, payload); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if len(pub.thumbs)+len(pub.caches) != 0 {
		t.Errorf("duplicate delivery republished %d messages, want 0", len(pub.thumbs)+len(pub.caches))
	}
}

func TestHandleCollectionScanDropsCancelledJob(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	pub := &capturePublisher{}
	tracker := jobs.NewTracker(c)
	consumer := NewConsumer(c, pub, nullIndexer{}, tracker)

	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "one.png"))

	lib, _ := c.CreateLibrary(ctx, "main", dir, "owner", catalog.LibrarySettings{})
	col, _ := c.CreateCollection(ctx, lib.ID, "pics", dir, catalog.CollectionTypeFolder, catalog.CollectionSettings{})
	job, _ := tracker.Begin(ctx, catalog.JobTypeCollectionScan, col.ID, lib.ID, map[string]catalog.JobStage{
		catalog.StageScan: {Status: "pending", Total: 1},
	})
	tracker.Cancel(ctx, job.ID, "operator cancel")

	msg := &queue.CollectionScanMessage{CollectionID: col.ID, JobID: job.ID, ThumbnailW: 300, ThumbnailH: 300, CacheW: 1280, CacheH: 1280}
	payload, _ := json.Marshal(msg)
	if err := consumer.HandleCollectionScan(ctx, payload); err != nil {
		t.Fatalf("HandleCollectionScan: %v", err)
	}

	got, _ := c.GetCollection(ctx, col.ID)
	if len(got.Images) != 0 || len(pub.thumbs) != 0 {
		t.Error("cancelled job still produced side effects")
	}
}
