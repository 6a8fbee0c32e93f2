package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	// JobID is the idempotency key of the job. A random id is used when empty.
	JobID string
	// Attempts overrides the dispatcher default.
	Attempts int
	Delay    time.Duration
}

// EnqueueResult describes what the backend did with the job.
type EnqueueResult struct {
	JobID string
	// Duplicate is set when a job with the same id was already known.
	Duplicate bool
}

// Dispatcher enqueues jobs on the configured backend.
type Dispatcher struct {
	backend  Backend
	attempts int
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. A nil backend makes every Enqueue report false.
func NewDispatcher(backend Backend, attempts int) *Dispatcher {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	return &Dispatcher{backend: backend, attempts: attempts, now: time.Now}
}

// Enabled reports whether a backend is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && d.backend != nil
}

// Backend returns the configured backend, or nil.
func (d *Dispatcher) Backend() Backend {
	if d == nil {
		return nil
	}
	return d.backend
}

// Enqueue hands a job to the backend. It returns false when no backend is configured, in
// which case the caller must execute the work inline. Enqueueing an id that is already
// known is accepted without creating a second job.
func (d *Dispatcher) Enqueue(ctx context.Context, queue, name string, payload any, opts EnqueueOptions) (bool, EnqueueResult, error) {
	if !d.Enabled() {
		return false, EnqueueResult{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, EnqueueResult{}, fmt.Errorf("encode %s job payload: %w", queue, err)
	}
	job := Job{
		ID:          opts.JobID,
		Queue:       queue,
		Name:        name,
		Payload:     raw,
		MaxAttempts: d.attempts,
		EnqueuedAt:  d.now().UTC(),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if opts.Attempts > 0 {
		job.MaxAttempts = opts.Attempts
	}

	added, err := d.backend.Add(ctx, job, opts.Delay)
	if err != nil {
		slog.Error("Dispatcher Enqueue failed", "error", err, "queue", queue, "job_id", job.ID, "backend", d.backend.Name())
		return false, EnqueueResult{JobID: job.ID}, fmt.Errorf("enqueue %s job %s: %w", queue, job.ID, err)
	}
	if !added {
		slog.Info("Dispatcher Enqueue skipped known job id", "queue", queue, "job_id", job.ID)
	} else {
		slog.Debug("Dispatcher Enqueue", "queue", queue, "name", name, "job_id", job.ID, "delay", opts.Delay)
	}
	return true, EnqueueResult{JobID: job.ID, Duplicate: !added}, nil
}

// Close releases the backend.
func (d *Dispatcher) Close() error {
	if !d.Enabled() {
		return nil
	}
	return d.backend.Close()
}
