// Package store provides storage backends for RochaTurbo.
//
// Two interchangeable SQL backends (SQLite and Postgres) hold the flow instances, the webhook
// dedup ledger, the SQL queue and the conversation log. Callers depend on the narrow *Repo
// interfaces; Store bundles them for the composition root.
package store

import (
	"context"
	"time"

	"github.com/rochaturbo/RochaTurbo/internal/models"
)

// FlowRepo persists chat flow instances.
type FlowRepo interface {
	// GetActiveFlow returns the active flow of userID, or nil when there is none.
	GetActiveFlow(ctx context.Context, userID string) (*models.FlowInstance, error)
	// CreateFlow inserts f, assigning ID, Version and timestamps. A second active flow for the
	// same user fails with ErrActiveFlowExists.
	CreateFlow(ctx context.Context, f *models.FlowInstance) error
	// UpdateFlow writes f when its Version matches the active row and increments Version.
	// Otherwise it returns ErrVersionConflict.
	UpdateFlow(ctx context.Context, f *models.FlowInstance) error
	GetFlow(ctx context.Context, id string) (*models.FlowInstance, error)
	ListFlows(ctx context.Context, userID string, limit int) ([]models.FlowInstance, error)
	CancelFlow(ctx context.Context, id, reason string) (*models.FlowInstance, error)
}

// MonthlyInputRepo persists the monthly diagnosis documents collected by onboarding.
type MonthlyInputRepo interface {
	GetMonthlyInput(ctx context.Context, userID, monthRef string) (*models.MonthlyInput, error)
	LatestMonthlyInputBefore(ctx context.Context, userID, monthRef string) (*models.MonthlyInput, error)
	UpsertMonthlyInput(ctx context.Context, in models.MonthlyInput) error
}

// LedgerRepo is the webhook dedup ledger.
type LedgerRepo interface {
	// LogEvent records ev once per (provider, non-null event key). A conflicting insert
	// returns the existing row with Duplicate set.
	LogEvent(ctx context.Context, ev *models.WebhookEvent) (models.LogResult, error)
	UpdateEventStatus(ctx context.Context, id int64, status models.WebhookStatus, upd models.StatusUpdate) error
	GetEvent(ctx context.Context, id int64) (*models.WebhookEvent, error)
	ListEventsByStatus(ctx context.Context, status models.WebhookStatus, limit int) ([]models.WebhookEvent, error)
}

// FailureRepo records queue jobs that exhausted their attempts.
type FailureRepo interface {
	RecordJobFailure(ctx context.Context, f models.JobFailure) error
	ListJobFailures(ctx context.Context, limit int) ([]models.JobFailure, error)
}

// ContactRepo resolves chat users by phone.
type ContactRepo interface {
	GetContactByPhone(ctx context.Context, phone string) (*models.Contact, error)
	// EnsureContact returns the contact for phone, creating it when missing.
	EnsureContact(ctx context.Context, phone, name string) (*models.Contact, bool, error)
}

// ConversationRepo is the chat message log.
type ConversationRepo interface {
	AppendMessage(ctx context.Context, m *models.ConversationMessage) error
	// RecentMessages returns up to limit latest messages of userID, oldest first.
	RecentMessages(ctx context.Context, userID string, limit int) ([]models.ConversationMessage, error)
}

// StatusEventRepo stores delivery status callbacks.
type StatusEventRepo interface {
	AppendStatusEvent(ctx context.Context, ev *models.StatusEvent) error
}

// RetentionRepo purges operational rows past the retention window.
type RetentionRepo interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (models.RetentionResult, error)
}

// Store is the full persistence surface of the application.
type Store interface {
	FlowRepo
	MonthlyInputRepo
	LedgerRepo
	FailureRepo
	DedupRepo
	JobRepo
	ContactRepo
	ConversationRepo
	StatusEventRepo
	RetentionRepo
	AuthRepo
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Open picks the backend from the DSN shape.
func Open(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		return nil, err
	}
	return s, nil
}
