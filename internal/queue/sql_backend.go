package queue

import (
	"context"
	"time"

	"github.com/rochaturbo/RochaTurbo/internal/store"
)

// SQLBackend implements Backend on the jobs table of the relational store. It needs no
// extra infrastructure and survives restarts with the database.
type SQLBackend struct {
	repo store.JobRepo
	now  func() time.Time
}

var _ Backend = (*SQLBackend)(nil)

// NewSQLBackend creates a backend on repo.
func NewSQLBackend(repo store.JobRepo) *SQLBackend {
	return &SQLBackend{repo: repo, now: time.Now}
}

func (b *SQLBackend) Name() string { return "sql" }

func (b *SQLBackend) Add(ctx context.Context, job Job, delay time.Duration) (bool, error) {
	return b.repo.EnqueueJob(ctx, store.Job{
		ID:          job.ID,
		Queue:       job.Queue,
		Name:        job.Name,
		RunAt:       b.now().Add(delay),
		PayloadJSON: string(job.Payload),
		MaxAttempts: job.MaxAttempts,
	})
}

func (b *SQLBackend) Claim(ctx context.Context, queue string, limit int) ([]Job, error) {
	claimed, err := b.repo.ClaimDueJobs(ctx, queue, b.now(), limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(claimed))
	for _, j := range claimed {
		jobs = append(jobs, Job{
			ID:          j.ID,
			Queue:       j.Queue,
			Name:        j.Name,
			Payload:     []byte(j.PayloadJSON),
			Attempt:     j.Attempt,
			MaxAttempts: j.MaxAttempts,
			LastError:   j.LastError,
			EnqueuedAt:  j.CreatedAt,
		})
	}
	return jobs, nil
}

func (b *SQLBackend) Ack(ctx context.Context, job Job) error {
	return b.repo.CompleteJob(ctx, job.ID)
}

func (b *SQLBackend) Retry(ctx context.Context, job Job, delay time.Duration, errMsg string) error {
	_, err := b.repo.FailJob(ctx, job.ID, errMsg, b.now().Add(delay), true)
	return err
}

func (b *SQLBackend) Fail(ctx context.Context, job Job, errMsg string) error {
	_, err := b.repo.FailJob(ctx, job.ID, errMsg, b.now(), false)
	return err
}

// RecoverStale requeues running jobs of every queue; the jobs table tracks claims globally.
func (b *SQLBackend) RecoverStale(ctx context.Context, _ string, olderThan time.Duration) (int, error) {
	return b.repo.RequeueStaleRunningJobs(ctx, b.now().Add(-olderThan))
}

// Close is a no-op; the store is owned by the caller.
func (b *SQLBackend) Close() error { return nil }
