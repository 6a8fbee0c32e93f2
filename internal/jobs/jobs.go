// Package jobs runs the internal maintenance jobs: retention, dunning and subscription renewal.
//
// Jobs arrive on the internal-jobs queue (from the cron scheduler or the internal HTTP
// endpoint) or run inline when no queue backend is configured.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rochaturbo/RochaTurbo/internal/apperrors"
	"github.com/rochaturbo/RochaTurbo/internal/queue"
	"github.com/rochaturbo/RochaTurbo/internal/store"
)

// Job names.
const (
	Retention           = "retention"
	Dunning             = "dunning"
	SubscriptionRenewal = "subscription-renewal"
)

// Names lists every known job.
var Names = []string{Retention, Dunning, SubscriptionRenewal}

// DefaultRetentionDays is the retention window when none is configured.
const DefaultRetentionDays = 90

// Valid reports whether name is a known job.
func Valid(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// Result summarizes a job run.
type Result struct {
	Job     string         `json:"job"`
	OK      bool           `json:"ok"`
	Skipped bool           `json:"skipped,omitempty"`
	Details map[string]any `json:"details"`
}

// Billing is the collaborator behind dunning and subscription renewal.
type Billing interface {
	Configured() bool
	RunDunning(ctx context.Context, requestedBy string) (map[string]any, error)
	RenewSubscriptions(ctx context.Context, requestedBy string) (map[string]any, error)
}

// Runner executes internal jobs.
type Runner struct {
	retention     store.RetentionRepo
	billing       Billing
	retentionDays int
	now           func() time.Time
}

// NewRunner creates a runner. billing may be nil; its jobs then report skipped.
func NewRunner(retention store.RetentionRepo, billing Billing, retentionDays int) *Runner {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Runner{retention: retention, billing: billing, retentionDays: retentionDays, now: time.Now}
}

// Run executes job. Unknown names are validation errors.
func (r *Runner) Run(ctx context.Context, job, requestedBy string) (Result, error) {
	start := time.Now()
	var (
		res Result
		err error
	)
	switch job {
	case Retention:
		res, err = r.runRetention(ctx)
	case Dunning, SubscriptionRenewal:
		res, err = r.runBilling(ctx, job, requestedBy)
	default:
		return Result{Job: job}, apperrors.Validation(fmt.Sprintf("unknown job %q", job), nil)
	}
	if err != nil {
		slog.Error("Runner Run failed", "error", err, "job", job, "requested_by", requestedBy)
		return Result{Job: job}, err
	}
	slog.Info("Runner Run completed", "job", job, "requested_by", requestedBy, "skipped", res.Skipped,
		"duration", time.Since(start))
	return res, nil
}

func (r *Runner) runRetention(ctx context.Context) (Result, error) {
	cutoff := r.now().UTC().AddDate(0, 0, -r.retentionDays)
	purged, err := r.retention.PurgeBefore(ctx, cutoff)
	if err != nil {
		return Result{}, apperrors.Transient("retention purge failed", err)
	}
	return Result{
		Job: Retention,
		OK:  true,
		Details: map[string]any{
			"cutoff":        cutoff.Format(time.RFC3339),
			"status_events": purged.StatusEvents,
			"inbound_dedup": purged.InboundDedup,
			"job_failures":  purged.JobFailures,
		},
	}, nil
}

func (r *Runner) runBilling(ctx context.Context, job, requestedBy string) (Result, error) {
	if r.billing == nil || !r.billing.Configured() {
		return Result{Job: job, OK: true, Skipped: true, Details: map[string]any{"reason": "billing not configured"}}, nil
	}
	var (
		details map[string]any
		err     error
	)
	if job == Dunning {
		details, err = r.billing.RunDunning(ctx, requestedBy)
	} else {
		details, err = r.billing.RenewSubscriptions(ctx, requestedBy)
	}
	if err != nil {
		return Result{}, err
	}
	if details == nil {
		details = map[string]any{}
	}
	return Result{Job: job, OK: true, Details: details}, nil
}

// Handler runs jobs taken from the internal-jobs queue.
func (r *Runner) Handler() queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var p queue.InternalPayload
		if err := job.Decode(&p); err != nil {
			return apperrors.Validation("invalid internal job payload", err)
		}
		_, err := r.Run(ctx, p.Job, p.RequestedBy)
		return err
	}
}

// Enqueue puts job on the internal-jobs queue. It reports false when no backend is
// configured; the caller then runs the job inline. An empty jobID gets a random id.
func Enqueue(ctx context.Context, d *queue.Dispatcher, job, requestedBy string, payload json.RawMessage, jobID string) (bool, queue.EnqueueResult, error) {
	if !Valid(job) {
		return false, queue.EnqueueResult{}, apperrors.Validation(fmt.Sprintf("unknown job %q", job), nil)
	}
	return d.Enqueue(ctx, queue.QueueInternal, job, queue.InternalPayload{
		Job:         job,
		RequestedBy: requestedBy,
		Payload:     payload,
	}, queue.EnqueueOptions{JobID: jobID})
}
