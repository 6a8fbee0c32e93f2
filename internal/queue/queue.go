// Package queue bridges synchronous webhook intake to asynchronous, retried processing.
//
// A Dispatcher hands jobs to a Backend (Redis or the SQL jobs table). A Pool runs one
// Worker per logical queue, each bounded by its own concurrency so that a burst on one
// queue cannot starve another. When no backend is configured Enqueue reports false and the
// caller runs the work inline.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Logical queue names.
const (
	QueueInbound  = "whatsapp-inbound"
	QueueStatus   = "whatsapp-status"
	QueueInternal = "internal-jobs"
)

// Default worker concurrency per queue.
const (
	DefaultInboundConcurrency  = 15
	DefaultStatusConcurrency   = 20
	DefaultInternalConcurrency = 2
)

// DefaultAttempts is the number of times a job runs before it is marked failed.
const DefaultAttempts = 3

// ErrNoBackend is returned by backend-only operations when the dispatcher runs without one.
var ErrNoBackend = errors.New("queue backend not configured")

// Job is one unit of work. Attempt counts claims, starting at 1 for the first run.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s job %s payload: %w", j.Queue, j.ID, err)
	}
	return nil
}

// Handler executes a job. A nil error acknowledges it.
type Handler func(ctx context.Context, job Job) error

// Backend stores jobs between enqueue and acknowledgement. Delivery is at least once.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// Add stores job to run after delay. It reports false when a job with the same ID is
	// already known, in which case nothing is stored.
	Add(ctx context.Context, job Job, delay time.Duration) (bool, error)
	// Claim takes up to limit due jobs of queue, incrementing their Attempt.
	Claim(ctx context.Context, queue string, limit int) ([]Job, error)
	// Ack marks a claimed job done.
	Ack(ctx context.Context, job Job) error
	// Retry releases a claimed job to run again after delay.
	Retry(ctx context.Context, job Job, delay time.Duration, errMsg string) error
	// Fail marks a claimed job permanently failed.
	Fail(ctx context.Context, job Job, errMsg string) error
	// RecoverStale releases jobs of queue claimed longer than olderThan ago.
	RecoverStale(ctx context.Context, queue string, olderThan time.Duration) (int, error)
	Close() error
}

// Payload is the job body of the webhook queues.
type Payload struct {
	WebhookEventID *int64          `json:"webhookEventId,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// InternalPayload is the job body of the internal-jobs queue.
type InternalPayload struct {
	WebhookEventID *int64          `json:"webhookEventId,omitempty"`
	Job            string          `json:"job"`
	RequestedBy    string          `json:"requestedBy"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Job id prefixes of the webhook queues.
const (
	InboundJobPrefix = "wa-inbound"
	StatusJobPrefix  = "wa-status"
)

// JobIDFor derives the job id of a ledger row. A non-zero retryCount is appended so that a
// re-drive is accepted by backends that still remember the failed id.
func JobIDFor(prefix string, webhookEventID int64, retryCount int) string {
	if retryCount > 0 {
		return fmt.Sprintf("%s-%d-r%d", prefix, webhookEventID, retryCount)
	}
	return fmt.Sprintf("%s-%d", prefix, webhookEventID)
}
