package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"media-ingest/internal/catalog"
	"media-ingest/internal/navindex"
	"media-ingest/internal/queue"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultCatalogDir = "/data/catalog"
	defaultRedisAddr  = "localhost:6379"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	var ok bool
	switch command {
	case "scan":
		ok = runScan(ctx, os.Args[2:])
	case "rebuild-index":
		ok = runRebuildIndex(ctx)
	case "jobs":
		ok = runJobs(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		ok = true
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %q\n\n", command)
		printUsage()
	}
	if !ok {
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: ingestctl <command> [flags]

Commands:
  scan -library <id> [-full] [-resume] [-overwrite] [-no-subfolders]
        Queue a library scan.
  rebuild-index
        Flush and rebuild the navigation index from the catalog.
  jobs [-id <jobId>]
        Show one job, or all active background jobs.

Environment:
  CATALOG_DIR  Catalog directory (default %s)
  REDIS_ADDR   Redis address (default %s)
`, defaultCatalogDir, defaultRedisAddr)
}

func openCatalog(ctx context.Context) (*catalog.Catalog, bool) {
	dir := os.Getenv("CATALOG_DIR")
	if dir == "" {
		dir = defaultCatalogDir
	}
	cat, err := catalog.New(ctx, filepath.Join(dir, "catalog.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot open catalog: %v\n", err)
		fmt.Fprintf(os.Stderr, "Make sure CATALOG_DIR is set correctly (current: %s)\n", dir)
		return nil, false
	}
	return cat, true
}

func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return defaultRedisAddr
}

func runScan(ctx context.Context, args []string) bool {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	libraryID := fs.String("library", "", "library id to scan (required)")
	full := fs.Bool("full", false, "full scan: also reconcile collections whose sources vanished")
	resume := fs.Bool("resume", false, "resume incomplete collections instead of skipping them")
	overwrite := fs.Bool("overwrite", false, "regenerate derivatives that already exist")
	noSubfolders := fs.Bool("no-subfolders", false, "only scan the library root itself")
	fs.Parse(args)

	if *libraryID == "" {
		fmt.Fprintln(os.Stderr, "Error: -library is required")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cat, ok := openCatalog(ctx)
	if !ok {
		return false
	}
	defer cat.Close()

	lib, err := cat.GetLibrary(ctx, *libraryID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: library %s: %v\n", *libraryID, err)
		return false
	}

	scanType := queue.ScanTypeIncremental
	if *full {
		scanType = queue.ScanTypeFull
	}

	pub := queue.NewPublisher(redisAddr(), 5)
	defer pub.Close()

	msg := &queue.LibraryScanMessage{
		LibraryID:         lib.ID,
		LibraryPath:       lib.RootPath,
		ScanType:          scanType,
		IncludeSubfolders: !*noSubfolders,
		ResumeIncomplete:  *resume,
		OverwriteExisting: *overwrite,
	}
	if err := pub.PublishLibraryScan(ctx, msg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot queue scan: %v\n", err)
		return false
	}

	fmt.Printf("Queued %s scan of library %q (%s)\n", scanType, lib.Name, lib.ID)
	return true
}

func runRebuildIndex(ctx context.Context) bool {
	cat, ok := openCatalog(ctx)
	if !ok {
		return false
	}
	defer cat.Close()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr()})
	defer rdb.Close()

	idx := navindex.New(rdb, cat)

	start := time.Now()
	fmt.Println("Rebuilding navigation index...")
	if err := idx.Rebuild(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: rebuild failed: %v\n", err)
		return false
	}
	fmt.Printf("Index rebuilt in %v\n", time.Since(start))
	return true
}

func runJobs(ctx context.Context, args []string) bool {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	jobID := fs.String("id", "", "show a single job by id")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cat, ok := openCatalog(ctx)
	if !ok {
		return false
	}
	defer cat.Close()

	if *jobID != "" {
		job, err := cat.GetJob(ctx, *jobID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: job %s: %v\n", *jobID, err)
			return false
		}
		printJob(job)
		return true
	}

	jobs, err := cat.ListActiveJobs(ctx, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot list jobs: %v\n", err)
		return false
	}
	if len(jobs) == 0 {
		fmt.Println("No active jobs")
		return true
	}
	for _, job := range jobs {
		printJob(job)
	}
	return true
}

func printJob(job *catalog.BackgroundJob) {
	fmt.Printf("%s  %s  %s  (created %s)\n",
		job.ID, job.Type, job.Status, job.CreatedAt.Format(time.RFC3339))
	if job.Message != "" {
		fmt.Printf("    %s\n", job.Message)
	}

	names := make([]string, 0, len(job.Stages))
	for name := range job.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := job.Stages[name]
		fmt.Printf("    %-12s %d/%d done, %d failed, %d skipped\n",
			name, s.Completed, s.Total, s.Failed, s.Skipped)
	}
}
