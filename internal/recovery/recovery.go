// Package recovery re-drives webhook events that did not finish and releases stale queue
// claims. Operators run it through the redrive command; workers run the startup recovery.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rochaturbo/RochaTurbo/internal/models"
	"github.com/rochaturbo/RochaTurbo/internal/store"
	"github.com/rochaturbo/RochaTurbo/internal/webhook"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// Name identifies the component in logs.
	Name() string
	// Recover is called during startup.
	Recover(ctx context.Context) error
}

// Redriver hands a ledger row back to processing.
type Redriver interface {
	Redrive(ctx context.Context, ev models.WebhookEvent) (webhook.Outcome, error)
}

// DefaultBatchSize bounds how many events a single pass re-drives.
const DefaultBatchSize = 500

// Summary reports a re-drive pass.
type Summary struct {
	Redriven int     `json:"redriven"`
	Queued   int     `json:"queued"`
	Failed   int     `json:"failed"`
	IDs      []int64 `json:"ids"`
}

// EventRedriver re-drives failed webhook events.
type EventRedriver struct {
	ledger    store.LedgerRepo
	intake    Redriver
	batchSize int
}

// NewEventRedriver creates a redriver. A non-positive batchSize uses DefaultBatchSize.
func NewEventRedriver(ledger store.LedgerRepo, intake Redriver, batchSize int) *EventRedriver {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &EventRedriver{ledger: ledger, intake: intake, batchSize: batchSize}
}

// RedriveFailed re-drives every failed event, oldest first. A failing event is counted and
// the pass continues.
func (r *EventRedriver) RedriveFailed(ctx context.Context) (Summary, error) {
	events, err := r.ledger.ListEventsByStatus(ctx, models.WebhookStatusFailed, r.batchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("list failed events: %w", err)
	}
	return r.redrive(ctx, events), nil
}

// RedriveEvent re-drives one event. Only failed events can be re-driven.
func (r *EventRedriver) RedriveEvent(ctx context.Context, id int64) (webhook.Outcome, error) {
	ev, err := r.ledger.GetEvent(ctx, id)
	if err != nil {
		return webhook.Outcome{}, err
	}
	if ev.Status != models.WebhookStatusFailed {
		return webhook.Outcome{}, fmt.Errorf("webhook event %d is %s, only failed events can be re-driven", id, ev.Status)
	}
	return r.intake.Redrive(ctx, *ev)
}

func (r *EventRedriver) redrive(ctx context.Context, events []models.WebhookEvent) Summary {
	var sum Summary
	for _, ev := range events {
		out, err := r.intake.Redrive(ctx, ev)
		if err != nil {
			sum.Failed++
			slog.Error("EventRedriver redrive failed", "error", err, "webhook_event_id", ev.ID, "provider", ev.Provider)
			continue
		}
		sum.Redriven++
		sum.IDs = append(sum.IDs, ev.ID)
		if out.Queued {
			sum.Queued++
		}
	}
	slog.Info("EventRedriver pass completed", "redriven", sum.Redriven, "queued", sum.Queued, "failed", sum.Failed)
	return sum
}

// ReceivedEventRecovery re-drives events left in received, which happens when the process
// stops between the ledger insert and the enqueue.
type ReceivedEventRecovery struct {
	redriver *EventRedriver
	minAge   time.Duration
	now      func() time.Time
}

// NewReceivedEventRecovery re-drives received events older than minAge.
func NewReceivedEventRecovery(redriver *EventRedriver, minAge time.Duration) *ReceivedEventRecovery {
	return &ReceivedEventRecovery{redriver: redriver, minAge: minAge, now: time.Now}
}

func (r *ReceivedEventRecovery) Name() string { return "received-events" }

func (r *ReceivedEventRecovery) Recover(ctx context.Context) error {
	events, err := r.redriver.ledger.ListEventsByStatus(ctx, models.WebhookStatusReceived, r.redriver.batchSize)
	if err != nil {
		return fmt.Errorf("list received events: %w", err)
	}
	cutoff := r.now().Add(-r.minAge)
	stale := events[:0]
	for _, ev := range events {
		if ev.ReceivedAt.Before(cutoff) {
			stale = append(stale, ev)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	sum := r.redriver.redrive(ctx, stale)
	if sum.Failed > 0 {
		return fmt.Errorf("%d received events could not be re-driven", sum.Failed)
	}
	return nil
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{recoverables: make([]Recoverable, 0)}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := recoverable.Recover(ctx); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", recoverable.Name())
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}

	return nil
}
