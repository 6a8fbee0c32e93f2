package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rochaturbo/RochaTurbo/internal/models"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newPostgresStoreFromDB(db), mock
}

func TestPostgresLogEvent_ConflictReturnsExisting(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	key := "m1|m2"

	mock.ExpectQuery(`INSERT INTO webhook_events .* VALUES \(\$1, \$2, \$3, \$4, 0, \$5, \$6, \$7, \$8\)\s+ON CONFLICT \(provider, event_key\) DO NOTHING\s+RETURNING id`).
		WithArgs(models.ProviderWhatsAppInbound, "messages", key, "received", "{}", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT id, status, retry_count FROM webhook_events WHERE provider = \$1 AND event_key = \$2`).
		WithArgs(models.ProviderWhatsAppInbound, key).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "retry_count"}).AddRow(7, "processed", 0))

	res, err := s.LogEvent(context.Background(), &models.WebhookEvent{
		Provider: models.ProviderWhatsAppInbound, EventType: "messages", EventKey: &key,
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(7), res.ID)
	assert.Equal(t, models.WebhookStatusProcessed, res.ExistingStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateEventStatus_IncrementsAtomically(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE webhook_events SET status = \$1, error = \$2, retry_count = retry_count \+ \$3`).
		WithArgs("failed", "boom", 1, sqlmock.AnyArg(), sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateEventStatus(context.Background(), 5, models.WebhookStatusFailed,
		models.StatusUpdate{Error: "boom", IncrementRetry: true})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateFlow_VersionConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE chat_flows SET .* WHERE id = \$10 AND version = \$11 AND status = 'active'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	f := newFlow("u_1")
	f.ID = "flow-1"
	f.Version = 3
	err := s.UpdateFlow(context.Background(), f)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 3, f.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimDueJobs_SkipsLockedRows(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	cols := []string{"id", "queue", "name", "run_at", "payload_json", "status", "attempt", "max_attempts",
		"last_error", "locked_at", "created_at", "updated_at"}
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "internal-jobs", sqlmock.AnyArg(), 5).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("job-1", "internal-jobs", "retention", now, `{}`, "running", 1, 3, nil, now, now, now))

	jobs, err := s.ClaimDueJobs(context.Background(), "internal-jobs", now, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "retention", jobs[0].Name)
	assert.Equal(t, JobStatusRunning, jobs[0].Status)
	require.NotNil(t, jobs[0].LockedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
