package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"media-ingest/internal/archive"
	"media-ingest/internal/catalog"
	"media-ingest/internal/derivatives"
	"media-ingest/internal/filesystem"
	"media-ingest/internal/jobs"
	"media-ingest/internal/logging"
	"media-ingest/internal/metrics"
	"media-ingest/internal/navindex"
	"media-ingest/internal/queue"
	"media-ingest/internal/scan"
	"media-ingest/internal/scheduler"
	"media-ingest/internal/startup"
)

func main() {
	startTime := time.Now()
	ctx := context.Background()

	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}

	metrics.InitializeMetrics()

	archive.MaxEntries = config.ArchiveMaxEntries
	scan.FallbackThumbW, scan.FallbackThumbH = config.ThumbWidth, config.ThumbHeight
	scan.FallbackCacheW, scan.FallbackCacheH = config.CacheWidth, config.CacheHeight

	// Catalog store
	catStart := time.Now()
	cat, err := catalog.New(ctx, config.CatalogPath)
	if err != nil {
		startup.LogFatal("Failed to initialize catalog: %v", err)
	}
	defer cat.Close()
	startup.LogCatalogInit(time.Since(catStart))

	// Navigation index
	rdb := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
	defer rdb.Close()
	idx := navindex.New(rdb, cat,
		navindex.WithThumbTTL(config.IndexThumbTTL),
		navindex.WithRebuildBatch(config.IndexRebuildBatchSize),
	)
	valid, err := idx.IsValid(ctx)
	if err != nil {
		logging.Warn("Index version check failed, navigation falls back to the catalog: %v", err)
	}
	startup.LogIndexInit(valid)
	if err == nil && !valid {
		go func() {
			if err := idx.Rebuild(context.Background()); err != nil {
				logging.Error("Index rebuild failed: %v", err)
			}
		}()
	}

	// Image pipeline
	derivatives.InitVips()
	defer derivatives.ShutdownVips()

	// Queue wiring
	pub := queue.NewPublisher(config.RedisAddr, config.QueueMaxRetries)
	defer pub.Close()

	tracker := jobs.NewTracker(cat)
	proc := derivatives.NewProcessor()
	orchestrator := scan.NewOrchestrator(cat, pub, idx, tracker)
	collections := scan.NewConsumer(cat, pub, idx, tracker)
	thumbnails := derivatives.NewThumbnailConsumer(cat, tracker, proc, idx, config.ThumbnailDir)
	caches := derivatives.NewCacheConsumer(cat, tracker, proc, config.CacheSoftCapBytes)

	srv := queue.NewServer(queue.ServerConfig{
		RedisAddr: config.RedisAddr,
		Prefetch:  config.QueuePrefetch,
	})
	srv.Register(queue.TypeLibraryScan, queue.QueueLibraryScan, orchestrator.HandleLibraryScan)
	srv.Register(queue.TypeCollectionScan, queue.QueueCollectionScan, collections.HandleCollectionScan)
	srv.Register(queue.TypeThumbnailGen, queue.QueueThumbnailGen, thumbnails.HandleThumbnailGen)
	srv.Register(queue.TypeCacheGen, queue.QueueCacheGen, caches.HandleCacheGen)

	startup.LogQueueInit(config.QueuePrefetch, config.QueueMaxRetries)
	if err := srv.Start(); err != nil {
		startup.LogFatal("Failed to start queue consumers: %v", err)
	}

	// Job monitor
	monitor := jobs.NewMonitor(cat, config.JobMonitorInterval, config.StageFailureTolerance)
	monitor.Start()

	// Scheduler
	sched := scheduler.New(cat, pub, config.SchedulerSyncInterval)
	if err := sched.Start(ctx); err != nil {
		startup.LogFatal("Failed to start scheduler: %v", err)
	}

	// Filesystem watcher: settled change bursts trigger incremental scans
	// for libraries that opted into auto-scan.
	var watcher *filesystem.Watcher
	if config.WatchEnabled {
		watcher, err = filesystem.NewWatcher(func(libraryID string) {
			lib, err := cat.GetLibrary(context.Background(), libraryID)
			if err != nil {
				logging.Warn("Watcher fired for unknown library %s: %v", libraryID, err)
				return
			}
			msg := &queue.LibraryScanMessage{
				LibraryID:         lib.ID,
				LibraryPath:       lib.RootPath,
				ScanType:          queue.ScanTypeIncremental,
				IncludeSubfolders: true,
			}
			if err := pub.PublishLibraryScan(context.Background(), msg); err != nil {
				logging.Error("Watcher could not queue scan for library %s: %v", lib.Name, err)
			}
		})
		if err != nil {
			logging.Warn("Filesystem watcher unavailable: %v", err)
		} else {
			libs, err := cat.ListLibraries(ctx)
			if err != nil {
				logging.Warn("Cannot list libraries for watching: %v", err)
			}
			for _, lib := range libs {
				if !lib.Settings.AutoScan {
					continue
				}
				if err := watcher.AddLibrary(lib.ID, lib.RootPath); err != nil {
					logging.Warn("Cannot watch library %s: %v", lib.Name, err)
				}
			}
			go watcher.Start()
		}
	}

	// Ops surface
	ops := metrics.NewOpsServer(config.OpsPort, map[string]metrics.ReadyCheck{
		"catalog": func() error { return cat.Ping(context.Background()) },
		"redis":   func() error { return rdb.Ping(context.Background()).Err() },
		"queue": func() error {
			if !srv.Running() {
				return errors.New("queue server not running")
			}
			return nil
		},
	})

	go handleShutdown(ops, srv, sched, monitor, watcher)

	startup.LogServerStarted(startup.ServerConfig{
		OpsPort:         config.OpsPort,
		MetricsEnabled:  config.MetricsEnabled,
		StartupDuration: time.Since(startTime),
	})
	if err := ops.Start(); err != nil {
		startup.LogFatal("Ops server error: %v", err)
	}
}

func handleShutdown(ops *metrics.OpsServer, srv *queue.Server, sched *scheduler.Scheduler, monitor *jobs.Monitor, watcher *filesystem.Watcher) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if watcher != nil {
		startup.LogShutdownStep("Stopping filesystem watcher")
		watcher.Stop()
		startup.LogShutdownStepComplete("Filesystem watcher stopped")
	}

	startup.LogShutdownStep("Stopping scheduler")
	sched.Stop()
	startup.LogShutdownStepComplete("Scheduler stopped")

	startup.LogShutdownStep("Draining queue consumers")
	srv.Shutdown()
	startup.LogShutdownStepComplete("Queue consumers drained")

	startup.LogShutdownStep("Stopping job monitor")
	monitor.Stop()
	startup.LogShutdownStepComplete("Job monitor stopped")

	startup.LogShutdownStep("Shutting down ops server")
	if err := ops.Shutdown(ctx); err != nil {
		logging.Warn("Ops server shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("Ops server stopped")
	}

	startup.LogShutdownComplete()
}
