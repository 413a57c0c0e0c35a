package jobs

import (
	"context"

	"media-ingest/internal/catalog"
	"media-ingest/internal/metrics"
)

// Tracker is the write-side API for background job progress. Producers and
// consumers report stage counters through it; they never decide terminal
// status themselves. Only the monitor transitions jobs to a terminal state,
// which keeps the transition logic in one place regardless of how many
// competing consumers feed the counters.
type Tracker struct {
	cat *catalog.Catalog
}

func NewTracker(cat *catalog.Catalog) *Tracker {
	return &Tracker{cat: cat}
}

// Begin creates a job with its stage totals. Totals must be final before
// any work message referencing the job is published, otherwise the monitor
// can observe a momentarily-complete job and finish it early.
func (t *Tracker) Begin(ctx context.Context, jobType, collectionID, libraryID string, stages map[string]catalog.JobStage) (*catalog.BackgroundJob, error) {
	job, err := t.cat.CreateJob(ctx, jobType, collectionID, libraryID, stages)
	if err != nil {
		return nil, err
	}
	metrics.JobTransitionsTotal.WithLabelValues(jobType, string(catalog.JobStatusPending)).Inc()
	return job, nil
}

// StageDone records one successfully processed item.
func (t *Tracker) StageDone(ctx context.Context, jobID, stage string) error {
	return t.cat.IncJobStage(ctx, jobID, stage, catalog.StageFieldCompleted, 1)
}

// StageFailed records one item that errored out.
func (t *Tracker) StageFailed(ctx context.Context, jobID, stage string) error {
	return t.cat.IncJobStage(ctx, jobID, stage, catalog.StageFieldFailed, 1)
}

// StageSkipped records one item found already done.
func (t *Tracker) StageSkipped(ctx context.Context, jobID, stage string) error {
	return t.cat.IncJobStage(ctx, jobID, stage, catalog.StageFieldSkipped, 1)
}

// SetStageTotal pins a stage total to the amount of work discovered after
// the job began. The write is absolute, not an increment: redelivery of the
// discovery message must converge on the same total, never inflate it.
func (t *Tracker) SetStageTotal(ctx context.Context, jobID, stage string, total int64) error {
	return t.cat.SetStageTotal(ctx, jobID, stage, total)
}

// Cancel transitions an active job to cancelled. Messages already in flight
// for the job keep incrementing counters, which is harmless: terminal
// states are sticky and the counters become advisory.
func (t *Tracker) Cancel(ctx context.Context, jobID, reason string) (bool, error) {
	done, err := t.cat.FinishJob(ctx, jobID, catalog.JobStatusCancelled, reason)
	if err != nil {
		return false, err
	}
	if done {
		job, gerr := t.cat.GetJob(ctx, jobID)
		jobType := "unknown"
		if gerr == nil {
			jobType = job.Type
		}
		metrics.JobTransitionsTotal.WithLabelValues(jobType, string(catalog.JobStatusCancelled)).Inc()
	}
	return done, err
}
