package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const scheduledJobColumns = `id, name, job_type, cron_expression, interval_seconds, is_enabled,
	parameters, last_run_at, next_run_at, run_count, success_count, failure_count,
	last_status, last_error, priority, timeout_seconds, max_retries, created_at, updated_at`

func scanScheduledJob(row interface{ Scan(...interface{}) error }) (*ScheduledJob, error) {
	var (
		s                    ScheduledJob
		isEnabled            int
		parameters           string
		lastRunAt, nextRunAt sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&s.ID, &s.Name, &s.JobType, &s.CronExpression, &s.IntervalSeconds,
		&isEnabled, &parameters, &lastRunAt, &nextRunAt, &s.RunCount, &s.SuccessCount,
		&s.FailureCount, &s.LastStatus, &s.LastError, &s.Priority, &s.TimeoutSeconds,
		&s.MaxRetries, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(parameters), &s.Parameters); err != nil {
		return nil, fmt.Errorf("scheduled job %s: bad parameters: %w", s.ID, err)
	}
	s.IsEnabled = isEnabled != 0
	s.LastRunAt = unixPtr(lastRunAt)
	s.NextRunAt = unixPtr(nextRunAt)
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &s, nil
}

// CreateScheduledJob inserts a new scheduled job definition. The scheduler
// picks it up on its next reconciliation pass; no restart required.
func (c *Catalog) CreateScheduledJob(ctx context.Context, s *ScheduledJob) (err error) {
	defer observe("create_scheduled_job", time.Now(), err)

	if s.ID == "" {
		s.ID = NewID()
	}
	if s.Parameters == nil {
		s.Parameters = map[string]string{}
	}
	parameters, err := json.Marshal(s.Parameters)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = c.db.ExecContext(opCtx, `
		INSERT INTO scheduled_jobs (id, name, job_type, cron_expression, interval_seconds,
			is_enabled, parameters, priority, timeout_seconds, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.JobType, s.CronExpression, s.IntervalSeconds,
		boolInt(s.IsEnabled), string(parameters), s.Priority, s.TimeoutSeconds,
		s.MaxRetries, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", s.Name, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetScheduledJob returns one scheduled job by id.
func (c *Catalog) GetScheduledJob(ctx context.Context, id string) (_ *ScheduledJob, err error) {
	defer observe("get_scheduled_job", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := c.db.QueryRowContext(opCtx,
		"SELECT "+scheduledJobColumns+" FROM scheduled_jobs WHERE id = ?", id)
	return scanScheduledJob(row)
}

// ListEnabledScheduledJobs returns every enabled definition. This is the
// scheduler's source of truth for reconciliation.
func (c *Catalog) ListEnabledScheduledJobs(ctx context.Context) (_ []*ScheduledJob, err error) {
	defer observe("list_enabled_scheduled_jobs", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(opCtx,
		"SELECT "+scheduledJobColumns+" FROM scheduled_jobs WHERE is_enabled = 1 ORDER BY priority, name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledJob
	for rows.Next() {
		s, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetScheduledJobEnabled flips the enabled flag; the scheduler registers or
// deregisters the job within one sync interval.
func (c *Catalog) SetScheduledJobEnabled(ctx context.Context, id string, enabled bool) (err error) {
	defer observe("set_scheduled_job_enabled", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = c.db.ExecContext(opCtx,
		"UPDATE scheduled_jobs SET is_enabled = ?, updated_at = ? WHERE id = ?",
		boolInt(enabled), nowUnix(), id)
	return err
}

// SetScheduledJobNextRun stamps when the job is due to fire next. The
// scheduler writes this on registration, so a job that has never run still
// advertises its upcoming trigger.
func (c *Catalog) SetScheduledJobNextRun(ctx context.Context, id string, nextRunAt time.Time) (err error) {
	defer observe("set_scheduled_job_next_run", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = c.db.ExecContext(opCtx,
		"UPDATE scheduled_jobs SET next_run_at = ?, updated_at = ? WHERE id = ?",
		nextRunAt.Unix(), nowUnix(), id)
	return err
}

// RecordScheduledJobRun updates the definition's run bookkeeping after a
// trigger fires: lastRunAt/nextRunAt, run counter and one of the outcome
// counters, all in a single statement.
func (c *Catalog) RecordScheduledJobRun(ctx context.Context, id string, ranAt, nextRunAt time.Time, succeeded bool, lastError string) (err error) {
	defer observe("record_scheduled_job_run", time.Now(), err)

	status := RunStatusCompleted
	successInc, failureInc := 1, 0
	if !succeeded {
		status = RunStatusFailed
		successInc, failureInc = 0, 1
	}

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = c.db.ExecContext(opCtx, `
		UPDATE scheduled_jobs SET
			last_run_at = ?, next_run_at = ?,
			run_count = run_count + 1,
			success_count = success_count + ?,
			failure_count = failure_count + ?,
			last_status = ?, last_error = ?,
			updated_at = ?
		WHERE id = ?`,
		ranAt.Unix(), nextRunAt.Unix(), successInc, failureInc, status, lastError,
		nowUnix(), id)
	return err
}

// CreateJobRun inserts a run record in the running state.
func (c *Catalog) CreateJobRun(ctx context.Context, scheduledJobID, triggeredBy string) (_ *ScheduledJobRun, err error) {
	defer observe("create_job_run", time.Now(), err)

	r := &ScheduledJobRun{
		ID:             NewID(),
		ScheduledJobID: scheduledJobID,
		Status:         RunStatusRunning,
		StartedAt:      time.Now().UTC(),
		TriggeredBy:    triggeredBy,
	}

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = c.db.ExecContext(opCtx, `
		INSERT INTO scheduled_job_runs (id, scheduled_job_id, status, started_at, triggered_by)
		VALUES (?, ?, 'running', ?, ?)`,
		r.ID, scheduledJobID, r.StartedAt.Unix(), triggeredBy)
	if err != nil {
		return nil, fmt.Errorf("create job run: %w", err)
	}
	return r, nil
}

// FinishJobRun marks a run completed or failed. The run tracks only the
// trigger (resolve target, publish message); downstream processing is
// observed through the BackgroundJob the trigger produced.
func (c *Catalog) FinishJobRun(ctx context.Context, runID, status string, result map[string]string, errorMessage string) (err error) {
	defer observe("finish_job_run", time.Now(), err)

	if result == nil {
		result = map[string]string{}
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	now := nowUnix()
	_, err = c.db.ExecContext(opCtx, `
		UPDATE scheduled_job_runs SET
			status = ?, completed_at = ?,
			duration_ms = (? - started_at) * 1000,
			result = ?, error_message = ?
		WHERE id = ? AND status = 'running'`,
		status, now, now, string(resultJSON), errorMessage, runID)
	return err
}

// GetJobRun returns one run record.
func (c *Catalog) GetJobRun(ctx context.Context, id string) (_ *ScheduledJobRun, err error) {
	defer observe("get_job_run", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var (
		r           ScheduledJobRun
		startedAt   int64
		completedAt sql.NullInt64
		result      string
	)
	err = c.db.QueryRowContext(opCtx, `
		SELECT id, scheduled_job_id, status, started_at, completed_at, duration_ms, result, error_message, triggered_by
		FROM scheduled_job_runs WHERE id = ?`, id).
		Scan(&r.ID, &r.ScheduledJobID, &r.Status, &startedAt, &completedAt,
			&r.DurationMs, &result, &r.ErrorMessage, &r.TriggeredBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(result), &r.Result); err != nil {
		return nil, fmt.Errorf("job run %s: bad result: %w", r.ID, err)
	}
	r.StartedAt = time.Unix(startedAt, 0).UTC()
	r.CompletedAt = unixPtr(completedAt)
	return &r, nil
}
