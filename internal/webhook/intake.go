package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/rochaturbo/RochaTurbo/internal/apperrors"
	"github.com/rochaturbo/RochaTurbo/internal/metrics"
	"github.com/rochaturbo/RochaTurbo/internal/models"
	"github.com/rochaturbo/RochaTurbo/internal/queue"
	"github.com/rochaturbo/RochaTurbo/internal/store"
)

// Source describes one webhook endpoint: how its deliveries are keyed in the ledger and
// which queue carries them.
type Source struct {
	Provider  string
	EventType string
	Queue     string
	JobName   string
	JobPrefix string
	EventKey  func(Payload) *string
}

var (
	InboundSource = Source{
		Provider:  models.ProviderWhatsAppInbound,
		EventType: "messages",
		Queue:     queue.QueueInbound,
		JobName:   "process-inbound",
		JobPrefix: queue.InboundJobPrefix,
		EventKey:  MessageEventKey,
	}
	StatusSource = Source{
		Provider:  models.ProviderWhatsAppStatus,
		EventType: "statuses",
		Queue:     queue.QueueStatus,
		JobName:   "process-status",
		JobPrefix: queue.StatusJobPrefix,
		EventKey:  StatusEventKey,
	}
)

// Sources lists every webhook endpoint.
var Sources = []Source{InboundSource, StatusSource}

// SourceFor returns the source that writes ledger rows for provider.
func SourceFor(provider string) (Source, bool) {
	for _, src := range Sources {
		if src.Provider == provider {
			return src, true
		}
	}
	return Source{}, false
}

// Processor handles one parsed delivery.
type Processor interface {
	Process(ctx context.Context, p Payload) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, p Payload) error

func (f ProcessorFunc) Process(ctx context.Context, p Payload) error { return f(ctx, p) }

// Outcome describes what intake did with a delivery.
type Outcome struct {
	WebhookEventID int64
	Duplicate      bool
	ExistingStatus models.WebhookStatus
	Queued         bool
	JobID          string
}

// HTTPStatus is the response code of the outcome: 202 when queued, 200 otherwise.
func (o Outcome) HTTPStatus() int {
	if o.Queued {
		return http.StatusAccepted
	}
	return http.StatusOK
}

// Intake accepts webhook deliveries.
type Intake struct {
	ledger     store.LedgerRepo
	dispatcher *queue.Dispatcher
	appSecret  string

	mu         sync.RWMutex
	processors map[string]Processor
}

// NewIntake creates an intake. A nil dispatcher, or one without backend, runs every delivery
// inline through the registered processors.
func NewIntake(ledger store.LedgerRepo, dispatcher *queue.Dispatcher, appSecret string) *Intake {
	return &Intake{
		ledger:     ledger,
		dispatcher: dispatcher,
		appSecret:  appSecret,
		processors: make(map[string]Processor),
	}
}

// Register installs the processor of src.
func (in *Intake) Register(src Source, p Processor) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.processors[src.Provider] = p
}

func (in *Intake) processor(src Source) (Processor, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	p, ok := in.processors[src.Provider]
	if !ok {
		return nil, fmt.Errorf("no processor registered for %s", src.Provider)
	}
	return p, nil
}

// Accept authenticates body, records it once in the ledger and hands it to the queue or, when
// no queue backend is configured, to the processor of src. A delivery already in the ledger
// is reported as a duplicate unless its earlier attempt failed.
func (in *Intake) Accept(ctx context.Context, src Source, body []byte, headers http.Header) (Outcome, error) {
	if !VerifySignature(in.appSecret, body, headers.Get(SignatureHeader)) {
		metrics.WebhookEvents.WithLabelValues(src.Provider, "unauthorized").Inc()
		slog.Warn("Intake Accept rejected signature", "provider", src.Provider)
		return Outcome{}, apperrors.Authentication("invalid signature")
	}
	if err := ValidatePayload(body); err != nil {
		metrics.WebhookEvents.WithLabelValues(src.Provider, "invalid").Inc()
		slog.Warn("Intake Accept rejected payload", "provider", src.Provider, "error", err)
		return Outcome{}, err
	}
	payload, err := Parse(body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(src.Provider, "invalid").Inc()
		return Outcome{}, err
	}

	ev := &models.WebhookEvent{
		Provider:  src.Provider,
		EventType: src.EventType,
		EventKey:  src.EventKey(payload),
		Status:    models.WebhookStatusReceived,
		Payload:   body,
	}
	if ua := headers.Get("User-Agent"); ua != "" {
		ev.Headers = map[string]string{"user-agent": ua}
	}
	logged, err := in.ledger.LogEvent(ctx, ev)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(src.Provider, "failed").Inc()
		return Outcome{}, apperrors.Transient("log webhook event", err)
	}
	if logged.Duplicate && logged.ExistingStatus != models.WebhookStatusFailed {
		metrics.WebhookEvents.WithLabelValues(src.Provider, "duplicate").Inc()
		slog.Info("Intake Accept duplicate delivery", "provider", src.Provider,
			"webhook_event_id", logged.ID, "status", logged.ExistingStatus)
		return Outcome{WebhookEventID: logged.ID, Duplicate: true, ExistingStatus: logged.ExistingStatus}, nil
	}
	return in.dispatch(ctx, src, logged.ID, logged.RetryCount, body, payload)
}

// Redrive hands a ledger row to the queue again, or processes it inline without one.
func (in *Intake) Redrive(ctx context.Context, ev models.WebhookEvent) (Outcome, error) {
	src, ok := SourceFor(ev.Provider)
	if !ok {
		return Outcome{}, fmt.Errorf("webhook event %d has unknown provider %q", ev.ID, ev.Provider)
	}
	payload, err := Parse(ev.Payload)
	if err != nil {
		return Outcome{}, err
	}
	return in.dispatch(ctx, src, ev.ID, ev.RetryCount, ev.Payload, payload)
}

func (in *Intake) dispatch(ctx context.Context, src Source, id int64, retryCount int, body []byte, payload Payload) (Outcome, error) {
	out := Outcome{WebhookEventID: id}
	if in.dispatcher.Enabled() {
		return in.enqueue(ctx, src, id, retryCount, body)
	}

	proc, err := in.processor(src)
	if err != nil {
		in.markFailed(ctx, src, id, err)
		return out, err
	}
	if err := proc.Process(ctx, payload); err != nil {
		in.markFailed(ctx, src, id, err)
		return out, err
	}
	if err := in.ledger.UpdateEventStatus(ctx, id, models.WebhookStatusProcessed, models.StatusUpdate{}); err != nil {
		slog.Error("Intake dispatch failed to mark event processed", "error", err, "webhook_event_id", id)
		return out, apperrors.Transient("mark webhook event processed", err)
	}
	metrics.WebhookEvents.WithLabelValues(src.Provider, "inline").Inc()
	slog.Debug("Intake dispatch processed inline", "provider", src.Provider, "webhook_event_id", id)
	return out, nil
}

// enqueue marks the row queued before the job exists, so a worker finishing the job
// first always has the last word on the row.
func (in *Intake) enqueue(ctx context.Context, src Source, id int64, retryCount int, body []byte) (Outcome, error) {
	out := Outcome{WebhookEventID: id}
	if err := in.ledger.UpdateEventStatus(ctx, id, models.WebhookStatusQueued, models.StatusUpdate{}); err != nil {
		slog.Error("Intake enqueue failed to mark event queued", "error", err, "webhook_event_id", id)
		return out, apperrors.Transient("mark webhook event queued", err)
	}
	eventID := id
	_, res, err := in.dispatcher.Enqueue(ctx, src.Queue, src.JobName,
		queue.Payload{WebhookEventID: &eventID, Payload: body},
		queue.EnqueueOptions{JobID: queue.JobIDFor(src.JobPrefix, id, retryCount)})
	if err != nil {
		in.markFailed(ctx, src, id, err)
		return out, apperrors.Transient("enqueue webhook event", err)
	}
	out.Queued = true
	out.JobID = res.JobID
	metrics.WebhookEvents.WithLabelValues(src.Provider, "queued").Inc()
	slog.Debug("Intake enqueue queued", "provider", src.Provider, "webhook_event_id", id, "job_id", res.JobID)
	return out, nil
}

func (in *Intake) markFailed(ctx context.Context, src Source, id int64, cause error) {
	metrics.WebhookEvents.WithLabelValues(src.Provider, "failed").Inc()
	slog.Error("Intake dispatch failed", "error", cause, "provider", src.Provider, "webhook_event_id", id)
	upd := models.StatusUpdate{Error: cause.Error(), IncrementRetry: true}
	if err := in.ledger.UpdateEventStatus(ctx, id, models.WebhookStatusFailed, upd); err != nil {
		slog.Error("Intake markFailed could not update ledger", "error", err, "webhook_event_id", id)
	}
}

// Handler returns the queue handler of src. It runs the registered processor on the
// delivery carried by the job.
func (in *Intake) Handler(src Source) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var body queue.Payload
		if err := job.Decode(&body); err != nil {
			return apperrors.Validation("invalid job payload", err)
		}
		payload, err := Parse(body.Payload)
		if err != nil {
			return err
		}
		proc, err := in.processor(src)
		if err != nil {
			return err
		}
		return proc.Process(ctx, payload)
	}
}
