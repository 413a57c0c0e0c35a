package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"media-ingest/internal/catalog"
	"media-ingest/internal/logging"
	"media-ingest/internal/metrics"
)

// stageJobTypes lists every job type whose stage counters are fed by queue
// consumers. The monitor sweep must cover all of them; a type missing here
// produces jobs that fill their counters and then sit in_progress forever.
var stageJobTypes = []string{
	catalog.JobTypeLibraryScan,
	catalog.JobTypeCollectionScan,
	catalog.JobTypeResumeCollection,
	catalog.JobTypeCacheCleanup,
}

// Monitor is the single component allowed to move jobs into a terminal
// state. It periodically sweeps active jobs, derives their progress from
// the stage counters, and completes, fails, or leaves them running. Running
// exactly one monitor goroutine per process avoids write races over the
// job status field; the sticky terminal guard in the catalog covers the
// multi-process case.
type Monitor struct {
	cat      *catalog.Catalog
	interval time.Duration

	// tolerance is the highest failed/total ratio a finished job may carry
	// and still complete. At 1.0 a job only fails when explicitly failed.
	tolerance float64

	stopChan chan struct{}
	stopOnce sync.Once
	doneChan chan struct{}
}

func NewMonitor(cat *catalog.Catalog, interval time.Duration, tolerance float64) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if tolerance < 0 || tolerance > 1 {
		tolerance = 1
	}
	return &Monitor{
		cat:       cat,
		interval:  interval,
		tolerance: tolerance,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Start launches the sweep loop. Non-blocking.
func (m *Monitor) Start() {
	logging.Info("Job monitor started (interval=%s, failure tolerance=%.2f)", m.interval, m.tolerance)
	go func() {
		defer close(m.doneChan)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopChan:
				return
			case <-ticker.C:
				m.sweep(context.Background())
			}
		}
	}()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	<-m.doneChan
}

func (m *Monitor) sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.JobMonitorTickDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	active, err := m.cat.ListActiveJobs(ctx, stageJobTypes)
	if err != nil {
		logging.Error("Job monitor sweep failed: %v", err)
		return
	}
	metrics.JobsActive.Set(float64(len(active)))

	for _, job := range active {
		m.advance(ctx, job)
	}
}

func (m *Monitor) advance(ctx context.Context, job *catalog.BackgroundJob) {
	p := progressOf(job.Stages)

	if job.Status == catalog.JobStatusPending && p.counted > 0 {
		started, err := m.cat.MarkJobStarted(ctx, job.ID)
		if err != nil {
			logging.Error("Failed to mark job %s started: %v", job.ID, err)
			return
		}
		if started {
			metrics.JobTransitionsTotal.WithLabelValues(job.Type, string(catalog.JobStatusInProgress)).Inc()
			logging.Debug("Job %s (%s) started: %d/%d items", job.ID, job.Type, p.counted, p.total)
		}
	}

	// A job with no work at all may be mid-initialization: totals are
	// installed before any messages publish, but the row itself is visible
	// earlier. Give it one interval before declaring it empty.
	if p.total == 0 && time.Since(job.CreatedAt) < m.interval {
		return
	}

	status, message, done := resolve(job.Stages, m.tolerance)
	if !done {
		return
	}

	finished, err := m.cat.FinishJob(ctx, job.ID, status, message)
	if err != nil {
		logging.Error("Failed to finish job %s: %v", job.ID, err)
		return
	}
	if finished {
		metrics.JobTransitionsTotal.WithLabelValues(job.Type, string(status)).Inc()
		logging.Info("Job %s (%s) %s: %s", job.ID, job.Type, status, message)
	}
}

type progress struct {
	total   int64
	counted int64
	failed  int64
}

func progressOf(stages map[string]catalog.JobStage) progress {
	var p progress
	for _, s := range stages {
		p.total += s.Total
		p.counted += s.Completed + s.Failed + s.Skipped
		p.failed += s.Failed
	}
	return p
}

// resolve derives a job's terminal state from its stage counters. It
// returns done=false while any stage still has unaccounted items. A job
// whose failure ratio exceeds the tolerance fails; otherwise it completes,
// with partial failures noted in the message.
func resolve(stages map[string]catalog.JobStage, tolerance float64) (catalog.JobStatus, string, bool) {
	p := progressOf(stages)

	if p.total == 0 {
		return catalog.JobStatusCompleted, "no items to process", true
	}

	for _, s := range stages {
		if !s.Done() {
			return "", "", false
		}
	}

	ratio := float64(p.failed) / float64(p.total)
	if ratio > tolerance {
		return catalog.JobStatusFailed,
			fmt.Sprintf("%d of %d items failed", p.failed, p.total), true
	}
	if p.failed > 0 {
		return catalog.JobStatusCompleted,
			fmt.Sprintf("completed with %d of %d items failed", p.failed, p.total), true
	}
	return catalog.JobStatusCompleted,
		fmt.Sprintf("%d items processed", p.total), true
}
