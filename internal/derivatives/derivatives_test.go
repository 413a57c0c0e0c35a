package derivatives

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"media-ingest/internal/catalog"
	"media-ingest/internal/jobs"
	"media-ingest/internal/queue"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
}

func TestPickCacheFolder(t *testing.T) {
	folders := []*catalog.CacheFolder{
		{ID: "a", Path: "/cache/a", IsActive: true, CurrentSizeBytes: 10},
		{ID: "b", Path: "/cache/b", IsActive: false},
		{ID: "c", Path: "/cache/c", IsActive: true, CurrentSizeBytes: 5000},
	}

	got, err := pickCacheFolder(folders, "img1", 0)
	if err != nil {
		t.Fatalf("pickCacheFolder: %v", err)
	}
	if got.ID == "b" {
		t.Error("inactive folder selected")
	}

	// Stable: the same image always lands in the same folder.
	for i := 0; i < 10; i++ {
		again, err := pickCacheFolder(folders, "img1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if again.ID != got.ID {
			t.Fatalf("selection not stable: %s then %s", got.ID, again.ID)
		}
	}

	// Soft cap filters the oversized folder.
	capped, err := pickCacheFolder(folders, "img1", 1000)
	if err != nil {
		t.Fatalf("pickCacheFolder capped: %v", err)
	}
	if capped.ID != "a" {
		t.Errorf("capped selection = %s, want a", capped.ID)
	}

	if _, err := pickCacheFolder(folders, "img1", 5); err != ErrNoCacheFolder {
		t.Errorf("all folders over cap: err = %v, want ErrNoCacheFolder", err)
	}
}

func TestFolderForPath(t *testing.T) {
	folders := []*catalog.CacheFolder{
		{ID: "short", Path: "/cache"},
		{ID: "long", Path: "/cache/fast"},
	}
	if got := folderForPath(folders, "/cache/fast/img_cache_1280x1280.webp"); got == nil || got.ID != "long" {
		t.Errorf("longest prefix not chosen: %+v", got)
	}
	if got := folderForPath(folders, "/elsewhere/x.webp"); got != nil {
		t.Errorf("unrelated path matched folder %s", got.ID)
	}
}

func TestDerivativeFileNaming(t *testing.T) {
	if got := thumbFilePath("/thumbs", "abcdef", 300, 300, "webp"); got != "/thumbs/ab/abcdef_thumb_300x300.webp" {
		t.Errorf("thumbFilePath = %q", got)
	}
	if got := thumbFilePath("/thumbs", "x", 300, 300, ""); got != "/thumbs/00/x_thumb_300x300.webp" {
		t.Errorf("short id shard: %q", got)
	}
	if got := cacheFilePath("/cache/a", "abcdef", 1280, 720, "jpeg"); got != "/cache/a/abcdef_cache_1280x720.jpg" {
		t.Errorf("cacheFilePath = %q", got)
	}
}

func TestProduceFitsWithoutCropping(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "wide.png")
	writePNG(t, src, 400, 100)

	data, err := NewProcessor().Produce(src, 100, 100, "png", 0)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	b := img.Bounds()
	// A 4:1 source bounded by 100x100 must come out 100x25: scaled to fit,
	// aspect intact, nothing cropped away.
	if b.Dx() != 100 || b.Dy() != 25 {
		t.Errorf("output = %dx%d, want 100x25", b.Dx(), b.Dy())
	}
}

func TestProduceArchiveEntryUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "img.png")
	writePNG(t, src, 10, 10)

	if _, err := NewProcessor().Produce(src, 50, 50, "tiff", 0); err == nil {
		t.Error("unsupported output format accepted")
	}
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.webp")

	if err := writeAtomic(path, []byte("payload")); err != nil {
		t.Fatalf("writeAtomic: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "payload" {
		t.Fatalf("read back: %q, %v", data, err)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestThumbnailConsumerEndToEnd(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	tracker := jobs.NewTracker(c)

	srcDir := t.TempDir()
	writePNG(t, filepath.Join(srcDir, "photo.png"), 40, 30)

	lib, _ := c.CreateLibrary(ctx, "main", srcDir, "owner", catalog.LibrarySettings{})
	col, _ := c.CreateCollection(ctx, lib.ID, "pics", srcDir, catalog.CollectionTypeFolder, catalog.CollectionSettings{})
	img := catalog.ImageEmbedded{ID: catalog.NewID(), Filename: "photo.png", RelativePath: "photo.png"}
	c.AppendImage(ctx, col.ID, img)

	job, _ := tracker.Begin(ctx, catalog.JobTypeResumeCollection, col.ID, lib.ID, map[string]catalog.JobStage{
		catalog.StageThumbnail: {Status: "pending", Total: 1},
	})

	thumbRoot := t.TempDir()
	consumer := NewThumbnailConsumer(c, tracker, NewProcessor(), nil, thumbRoot)

	msg := &queue.ThumbnailGenMessage{
		ImageID:      img.ID,
		CollectionID: col.ID,
		ImagePath:    filepath.Join(srcDir, "photo.png"),
		Width:        16,
		Height:       16,
		JobID:        job.ID,
	}
	payload, _ := json.Marshal(msg)

	if err := consumer.HandleThumbnailGen(ctx, payload); err != nil {
		t.Fatalf("HandleThumbnailGen: %v", err)
	}

	wantPath := thumbFilePath(thumbRoot, img.ID, 16, 16, "webp")
	if _, err := os.Stat(wantPath); err != nil {
		t.Fatalf("thumbnail file missing at %s: %v", wantPath, err)
	}

	after, _ := c.GetCollection(ctx, col.ID)
	rec := after.ThumbnailFor(img.ID, 16, 16)
	if rec == nil {
		t.Fatal("thumbnail record not appended")
	}
	if rec.Path != wantPath || rec.SizeBytes <= 0 {
		t.Errorf("record = %+v", rec)
	}

	jobAfter, _ := c.GetJob(ctx, job.ID)
	if jobAfter.Stages[catalog.StageThumbnail].Completed != 1 {
		t.Errorf("completed = %d, want 1", jobAfter.Stages[catalog.StageThumbnail].Completed)
	}

	// Redelivery with the file in place counts a skip, not a second thumb.
	if err := consumer.HandleThumbnailGen(ctx, payload); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	jobAgain, _ := c.GetJob(ctx, job.ID)
	if jobAgain.Stages[catalog.StageThumbnail].Skipped != 1 {
		t.Errorf("skipped = %d, want 1", jobAgain.Stages[catalog.StageThumbnail].Skipped)
	}
	if n := len(jobAgain.Stages); n != 1 {
		t.Errorf("stages = %d, want 1", n)
	}
}

func TestThumbnailConsumerDecodeFailureAcks(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	tracker := jobs.NewTracker(c)

	srcDir := t.TempDir()
	bad := filepath.Join(srcDir, "corrupt.jpg")
	os.WriteFile(bad, []byte("this is not a jpeg"), 0o644)

	lib, _ := c.CreateLibrary(ctx, "main", srcDir, "owner", catalog.LibrarySettings{})
	col, _ := c.CreateCollection(ctx, lib.ID, "pics", srcDir, catalog.CollectionTypeFolder, catalog.CollectionSettings{})
	job, _ := tracker.Begin(ctx, catalog.JobTypeResumeCollection, col.ID, lib.ID, map[string]catalog.JobStage{
		catalog.StageThumbnail: {Status: "pending", Total: 1},
	})

	consumer := NewThumbnailConsumer(c, tracker, NewProcessor(), nil, t.TempDir())
	payload, _ := json.Marshal(&queue.ThumbnailGenMessage{
		ImageID: "img1", CollectionID: col.ID, ImagePath: bad, Width: 16, Height: 16, JobID: job.ID,
	})

	err := consumer.HandleThumbnailGen(ctx, payload)
	if !errors.Is(err, queue.SkipRetry) {
		t.Fatalf("decode failure should ack via SkipRetry, got %v", err)
	}

	jobAfter, _ := c.GetJob(ctx, job.ID)
	if jobAfter.Stages[catalog.StageThumbnail].Failed != 1 {
		t.Errorf("failed = %d, want 1", jobAfter.Stages[catalog.StageThumbnail].Failed)
	}
}

func TestCacheConsumerPlacesAndAccounts(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	tracker := jobs.NewTracker(c)

	srcDir := t.TempDir()
	writePNG(t, filepath.Join(srcDir, "photo.png"), 64, 48)

	lib, _ := c.CreateLibrary(ctx, "main", srcDir, "owner", catalog.LibrarySettings{})
	col, _ := c.CreateCollection(ctx, lib.ID, "pics", srcDir, catalog.CollectionTypeFolder, catalog.CollectionSettings{})
	img := catalog.ImageEmbedded{ID: catalog.NewID(), Filename: "photo.png", RelativePath: "photo.png"}
	c.AppendImage(ctx, col.ID, img)

	folderDir := t.TempDir()
	folder, err := c.CreateCacheFolder(ctx, folderDir, 1)
	if err != nil {
		t.Fatalf("CreateCacheFolder: %v", err)
	}

	consumer := NewCacheConsumer(c, tracker, NewProcessor(), 0)
	payload, _ := json.Marshal(&queue.CacheGenMessage{
		ImageID:      img.ID,
		CollectionID: col.ID,
		ImagePath:    filepath.Join(srcDir, "photo.png"),
		Width:        32,
		Height:       32,
		Format:       "png",
	})

	if err := consumer.HandleCacheGen(ctx, payload); err != nil {
		t.Fatalf("HandleCacheGen: %v", err)
	}

	wantPath := cacheFilePath(folderDir, img.ID, 32, 32, "png")
	info, err := os.Stat(wantPath)
	if err != nil {
		t.Fatalf("cache file missing at %s: %v", wantPath, err)
	}

	after, _ := c.GetCollection(ctx, col.ID)
	rec := after.CacheImageFor(img.ID, 32, 32)
	if rec == nil {
		t.Fatal("cache record not appended")
	}
	if rec.SizeBytes != info.Size() {
		t.Errorf("record size = %d, file size = %d", rec.SizeBytes, info.Size())
	}

	folderAfter, _ := c.GetCacheFolder(ctx, folder.ID)
	if folderAfter.TotalFiles != 1 || folderAfter.CurrentSizeBytes != info.Size() {
		t.Errorf("folder accounting = %d files / %d bytes, want 1 / %d",
			folderAfter.TotalFiles, folderAfter.CurrentSizeBytes, info.Size())
	}
	if folderAfter.TotalCollections != 1 || len(folderAfter.CachedCollectionIDs) != 1 {
		t.Errorf("collection set = %v (total %d), want exactly [%s]",
			folderAfter.CachedCollectionIDs, folderAfter.TotalCollections, col.ID)
	}

	// Redelivery: record exists and the file is reachable, so no double
	// accounting.
	if err := consumer.HandleCacheGen(ctx, payload); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	folderAgain, _ := c.GetCacheFolder(ctx, folder.ID)
	if folderAgain.TotalFiles != 1 {
		t.Errorf("redelivery double-counted: %d files", folderAgain.TotalFiles)
	}
}
