package webhook

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rochaturbo/RochaTurbo/internal/models"
	"github.com/rochaturbo/RochaTurbo/internal/queue"
	"github.com/rochaturbo/RochaTurbo/internal/store"
)

// FailureRecorder mirrors job outcomes into the ledger and the job failure log.
//
// A successful job moves its ledger row to processed. A failed attempt that will be retried
// keeps the row queued with the last error. The final failure marks the row failed, bumps its
// retry counter and appends a job_failures row.
type FailureRecorder struct {
	ledger   store.LedgerRepo
	failures store.FailureRepo
}

var _ queue.Hooks = (*FailureRecorder)(nil)

func NewFailureRecorder(ledger store.LedgerRepo, failures store.FailureRepo) *FailureRecorder {
	return &FailureRecorder{ledger: ledger, failures: failures}
}

func (r *FailureRecorder) OnSuccess(ctx context.Context, job queue.Job) {
	id := webhookEventID(job)
	if id == nil {
		return
	}
	if err := r.ledger.UpdateEventStatus(ctx, *id, models.WebhookStatusProcessed, models.StatusUpdate{}); err != nil {
		slog.Error("FailureRecorder OnSuccess failed", "error", err, "webhook_event_id", *id, "job_id", job.ID)
	}
}

func (r *FailureRecorder) OnFailure(ctx context.Context, job queue.Job, jobErr error, final bool) {
	id := webhookEventID(job)
	if !final {
		if id != nil {
			upd := models.StatusUpdate{Error: jobErr.Error()}
			if err := r.ledger.UpdateEventStatus(ctx, *id, models.WebhookStatusQueued, upd); err != nil {
				slog.Error("FailureRecorder OnFailure failed", "error", err, "webhook_event_id", *id, "job_id", job.ID)
			}
		}
		return
	}

	if id != nil {
		upd := models.StatusUpdate{Error: jobErr.Error(), IncrementRetry: true}
		if err := r.ledger.UpdateEventStatus(ctx, *id, models.WebhookStatusFailed, upd); err != nil {
			slog.Error("FailureRecorder OnFailure failed", "error", err, "webhook_event_id", *id, "job_id", job.ID)
		}
	}
	failure := models.JobFailure{
		Queue:          job.Queue,
		JobName:        job.Name,
		JobID:          job.ID,
		WebhookEventID: id,
		Payload:        job.Payload,
		Error:          jobErr.Error(),
		Attempts:       job.Attempt,
	}
	if err := r.failures.RecordJobFailure(ctx, failure); err != nil {
		slog.Error("FailureRecorder RecordJobFailure failed", "error", err, "queue", job.Queue, "job_id", job.ID)
		return
	}
	slog.Warn("FailureRecorder job failed permanently", "queue", job.Queue, "job_id", job.ID,
		"attempts", job.Attempt, "error", jobErr)
}

// webhookEventID reads the ledger id every job payload may carry.
func webhookEventID(job queue.Job) *int64 {
	var ref struct {
		WebhookEventID *int64 `json:"webhookEventId"`
	}
	if err := json.Unmarshal(job.Payload, &ref); err != nil {
		return nil
	}
	return ref.WebhookEventID
}
