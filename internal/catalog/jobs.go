package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Stage counter fields that IncJobStage may target.
const (
	StageFieldTotal     = "total"
	StageFieldCompleted = "completed"
	StageFieldFailed    = "failed"
	StageFieldSkipped   = "skipped"
)

var validStageField = map[string]bool{
	StageFieldTotal:     true,
	StageFieldCompleted: true,
	StageFieldFailed:    true,
	StageFieldSkipped:   true,
}

// Stage names come from internal constants, but they end up inside a JSON
// path expression, so they are validated anyway.
var validStageName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const jobColumns = `id, type, collection_id, library_id, status, message, stages,
	started_at, completed_at, created_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*BackgroundJob, error) {
	var (
		j                       BackgroundJob
		collectionID, libraryID sql.NullString
		stages                  string
		startedAt, completedAt  sql.NullInt64
		createdAt, updatedAt    int64
	)
	err := row.Scan(&j.ID, &j.Type, &collectionID, &libraryID, &j.Status, &j.Message,
		&stages, &startedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(stages), &j.Stages); err != nil {
		return nil, fmt.Errorf("job %s: bad stages: %w", j.ID, err)
	}
	j.CollectionID = collectionID.String
	j.LibraryID = libraryID.String
	j.StartedAt = unixPtr(startedAt)
	j.CompletedAt = unixPtr(completedAt)
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	j.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &j, nil
}

// CreateJob inserts a new pending background job. Stage totals must be
// initialized here, before any work message referencing the job is
// published, so the monitor never sees a consumer increment racing an
// uninitialized stage.
func (c *Catalog) CreateJob(ctx context.Context, jobType, collectionID, libraryID string, stages map[string]JobStage) (_ *BackgroundJob, err error) {
	defer observe("create_job", time.Now(), err)

	if stages == nil {
		stages = map[string]JobStage{}
	}
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return nil, err
	}

	j := &BackgroundJob{
		ID:           NewID(),
		Type:         jobType,
		CollectionID: collectionID,
		LibraryID:    libraryID,
		Status:       JobStatusPending,
		Stages:       stages,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = c.db.ExecContext(opCtx, `
		INSERT INTO background_jobs (id, type, collection_id, library_id, status, stages, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?, ?)`,
		j.ID, jobType, nullable(collectionID), nullable(libraryID), string(stagesJSON),
		j.CreatedAt.Unix(), j.UpdatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("create %s job: %w", jobType, err)
	}
	return j, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// GetJob returns a job by id.
func (c *Catalog) GetJob(ctx context.Context, id string) (_ *BackgroundJob, err error) {
	defer observe("get_job", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := c.db.QueryRowContext(opCtx,
		"SELECT "+jobColumns+" FROM background_jobs WHERE id = ?", id)
	return scanJob(row)
}

// ListActiveJobs returns every job in {pending, in_progress} whose type is
// in types. This is the monitor's sweep query: the type filter must include
// every job type that increments stages, or those jobs appear stuck forever.
func (c *Catalog) ListActiveJobs(ctx context.Context, types []string) (_ []*BackgroundJob, err error) {
	defer observe("list_active_jobs", time.Now(), err)

	if len(types) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(types)), ",")
	args := []interface{}{string(JobStatusPending), string(JobStatusInProgress)}
	for _, t := range types {
		args = append(args, t)
	}

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(opCtx, fmt.Sprintf(`
		SELECT %s FROM background_jobs
		WHERE status IN (?, ?) AND type IN (%s)
		ORDER BY created_at`, jobColumns, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BackgroundJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// IncJobStage atomically increments one stage counter on the job document.
// This is the only way stage counters move: read-modify-write would lose
// updates across parallel consumers.
func (c *Catalog) IncJobStage(ctx context.Context, jobID, stage, field string, delta int64) (err error) {
	defer observe("inc_job_stage", time.Now(), err)

	if !validStageField[field] {
		return fmt.Errorf("invalid stage field %q", field)
	}
	if !validStageName.MatchString(stage) {
		return fmt.Errorf("invalid stage name %q", stage)
	}

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	path := fmt.Sprintf("$.%s.%s", stage, field)
	statusPath := fmt.Sprintf("$.%s.status", stage)
	_, err = c.db.ExecContext(opCtx, `
		UPDATE background_jobs SET
			stages = json_set(stages,
				?1, IFNULL(json_extract(stages, ?1), 0) + ?2,
				?3, IFNULL(json_extract(stages, ?3), 'in_progress')),
			updated_at = ?4
		WHERE id = ?5`,
		path, delta, statusPath, nowUnix(), jobID)
	return err
}

// SetStageTotal pins one stage total to an absolute value. Discovery
// consumers use this instead of an increment so a redelivered message writes
// the same total it wrote the first time.
func (c *Catalog) SetStageTotal(ctx context.Context, jobID, stage string, total int64) (err error) {
	defer observe("set_stage_total", time.Now(), err)

	if !validStageName.MatchString(stage) {
		return fmt.Errorf("invalid stage name %q", stage)
	}

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	path := fmt.Sprintf("$.%s.total", stage)
	statusPath := fmt.Sprintf("$.%s.status", stage)
	_, err = c.db.ExecContext(opCtx, `
		UPDATE background_jobs SET
			stages = json_set(stages,
				?1, ?2,
				?3, IFNULL(json_extract(stages, ?3), 'in_progress')),
			updated_at = ?4
		WHERE id = ?5`,
		path, total, statusPath, nowUnix(), jobID)
	return err
}

// SetJobStages replaces the whole stages document. Only used while the job
// is still pending and unpublished (resume initialization); once messages
// are in flight, counters move exclusively through IncJobStage.
func (c *Catalog) SetJobStages(ctx context.Context, jobID string, stages map[string]JobStage) (err error) {
	defer observe("set_job_stages", time.Now(), err)

	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = c.db.ExecContext(opCtx, `
		UPDATE background_jobs SET stages = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(stagesJSON), nowUnix(), jobID)
	return err
}

// MarkJobStarted transitions pending → in_progress and stamps startedAt.
// A no-op if the job already progressed (the WHERE clause keeps terminal
// states sticky without a prior read).
func (c *Catalog) MarkJobStarted(ctx context.Context, jobID string) (_ bool, err error) {
	defer observe("mark_job_started", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	now := nowUnix()
	res, err := c.db.ExecContext(opCtx, `
		UPDATE background_jobs SET status = ?, started_at = IFNULL(started_at, ?), updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(JobStatusInProgress), now, now, jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishJob transitions a job to a terminal state. The guard keeps already
// terminal jobs untouched, so a cancelled job can never be "completed" by a
// late monitor tick.
func (c *Catalog) FinishJob(ctx context.Context, jobID string, status JobStatus, message string) (_ bool, err error) {
	defer observe("finish_job", time.Now(), err)

	if !status.IsTerminal() {
		return false, fmt.Errorf("FinishJob called with non-terminal status %q", status)
	}

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	now := nowUnix()
	res, err := c.db.ExecContext(opCtx, `
		UPDATE background_jobs SET status = ?, message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')`,
		string(status), message, now, now, jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetJobMessage records a progress or error note without touching status.
func (c *Catalog) SetJobMessage(ctx context.Context, jobID, message string) (err error) {
	defer observe("set_job_message", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = c.db.ExecContext(opCtx,
		"UPDATE background_jobs SET message = ?, updated_at = ? WHERE id = ?",
		message, nowUnix(), jobID)
	return err
}
