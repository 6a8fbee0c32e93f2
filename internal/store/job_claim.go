package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ClaimDueJobs moves due jobs of a queue to running. Postgres claims with a single
// UPDATE over SKIP LOCKED rows so concurrent workers never share a job; SQLite selects
// and updates inside one transaction on its single connection.
func (s *sqlDB) ClaimDueJobs(ctx context.Context, queue string, now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	if s.dialect == dialectPostgres {
		return s.claimSkipLocked(ctx, queue, now, limit)
	}
	return s.claimInTx(ctx, queue, now, limit)
}

func (s *sqlDB) claimSkipLocked(ctx context.Context, queue string, now time.Time, limit int) ([]Job, error) {
	rows, err := s.query(ctx,
		`UPDATE jobs SET status = 'running', attempt = attempt + 1, locked_at = ?, updated_at = ?
		 WHERE id IN (
		   SELECT id FROM jobs WHERE queue = ? AND status = 'queued' AND run_at <= ?
		   ORDER BY run_at ASC LIMIT ?
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		now, now, queue, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim %s jobs: %w", queue, err)
	}
	defer rows.Close()
	return collectJobs(rows, queue)
}

func (s *sqlDB) claimInTx(ctx context.Context, queue string, now time.Time, limit int) ([]Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim %s jobs: begin: %w", queue, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE queue = ? AND status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
		queue, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim %s jobs: %w", queue, err)
	}
	jobs, err := collectJobs(rows, queue)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'running', attempt = attempt + 1, locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, jobs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("claim job %s: %w", jobs[i].ID, err)
		}
		jobs[i].Status = JobStatusRunning
		jobs[i].Attempt++
		jobs[i].LockedAt = &now
		jobs[i].UpdatedAt = now
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim %s jobs: commit: %w", queue, err)
	}
	return jobs, nil
}

func collectJobs(rows *sql.Rows, queue string) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("claim %s jobs: scan: %w", queue, err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim %s jobs: %w", queue, err)
	}
	return jobs, nil
}
