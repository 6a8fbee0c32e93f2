// Package store provides the JobRepo interface and model for the SQL queue backend.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Job represents a durable queue job.
type Job struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	Name        string     `json:"name"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts job. The job ID is the idempotency key: when a job with
	// the same ID exists (in any status) nothing is inserted and false is returned.
	EnqueueJob(ctx context.Context, job Job) (bool, error)

	// ClaimDueJobs marks up to limit queued jobs of queue whose run_at <= now as
	// running, increments their attempt counter and returns them.
	ClaimDueJobs(ctx context.Context, queue string, now time.Time, limit int) ([]Job, error)

	// CompleteJob marks a job as done.
	CompleteJob(ctx context.Context, id string) error

	// FailJob stores the error and reschedules the job at nextRunAt when retry is
	// true and attempts remain; otherwise the job is marked permanently failed.
	// It returns the resulting status.
	FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time, retry bool) (JobStatus, error)

	// RequeueStaleRunningJobs resets jobs that have been running since before
	// staleBefore back to queued status (crash recovery).
	RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error)

	// GetJob retrieves a single job by ID, or nil.
	GetJob(ctx context.Context, id string) (*Job, error)
}

func (s *sqlDB) EnqueueJob(ctx context.Context, job Job) (bool, error) {
	now := s.now()
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	res, err := s.exec(ctx,
		`INSERT INTO jobs (id, queue, name, run_at, payload_json, status, attempt, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Queue, job.Name, job.RunAt.UTC(), job.PayloadJSON, job.MaxAttempts, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue job failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue job rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug("Store EnqueueJob: duplicate job id", "job_id", job.ID, "queue", job.Queue)
		return false, nil
	}
	slog.Debug("Store EnqueueJob", "job_id", job.ID, "queue", job.Queue, "name", job.Name, "runAt", job.RunAt)
	return true, nil
}

func (s *sqlDB) CompleteJob(ctx context.Context, id string) error {
	_, err := s.exec(ctx,
		`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`,
		s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *sqlDB) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time, retry bool) (JobStatus, error) {
	now := s.now()

	var attempt, maxAttempts int
	err := s.queryRow(ctx, `SELECT attempt, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempt, &maxAttempts)
	if err != nil {
		return "", fmt.Errorf("fail job lookup failed: %w", err)
	}

	status := JobStatusQueued
	if !retry || attempt >= maxAttempts {
		status = JobStatusFailed
		_, err = s.exec(ctx,
			`UPDATE jobs SET status = 'failed', last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			errMsg, now, id,
		)
	} else {
		_, err = s.exec(ctx,
			`UPDATE jobs SET status = 'queued', last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			errMsg, nextRunAt.UTC(), now, id,
		)
	}
	if err != nil {
		return "", fmt.Errorf("fail job update failed: %w", err)
	}
	return status, nil
}

func (s *sqlDB) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.exec(ctx,
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		s.now(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("Store.RequeueStaleRunningJobs", "requeued", n, "backend", s.dialect)
	}
	return int(n), nil
}

func (s *sqlDB) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
