package store

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rochaturbo/RochaTurbo/internal/answers"
	"github.com/rochaturbo/RochaTurbo/internal/models"
)

func newFlow(userID string) *models.FlowInstance {
	return &models.FlowInstance{
		UserID:   userID,
		FlowType: models.FlowTypeOnboarding,
		MonthRef: "2026-01-01",
		StepKey:  "month_ref",
		Answers:  answers.Object{},
		Context:  models.FlowContext{SuggestedMonthRef: "2026-01-01"},
	}
}

func TestDetectDSNType(t *testing.T) {
	assert.Equal(t, "postgres", DetectDSNType("postgres://u:p@localhost/db"))
	assert.Equal(t, "postgres", DetectDSNType("postgresql://localhost/db"))
	assert.Equal(t, "postgres", DetectDSNType("host=localhost dbname=rocha sslmode=disable"))
	assert.Equal(t, "sqlite", DetectDSNType("/var/lib/rochaturbo/rochaturbo.db"))
}

func TestRebind(t *testing.T) {
	pg := &sqlDB{dialect: dialectPostgres}
	lite := &sqlDB{dialect: dialectSQLite}
	q := `UPDATE t SET a = ?, b = ? WHERE id = ?`
	assert.Equal(t, `UPDATE t SET a = $1, b = $2 WHERE id = $3`, pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestFlowRepo_OneActivePerUser(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	f := newFlow("u_1")
	require.NoError(t, s.CreateFlow(ctx, f))
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, 1, f.Version)
	assert.Equal(t, models.FlowStatusActive, f.Status)

	err := s.CreateFlow(ctx, newFlow("u_1"))
	assert.True(t, errors.Is(err, ErrActiveFlowExists), "got %v", err)

	// Another user is unaffected.
	require.NoError(t, s.CreateFlow(ctx, newFlow("u_2")))

	// Once the first flow terminates a new one may start.
	now := time.Now().UTC()
	f.Status = models.FlowStatusCompleted
	f.CompletedAt = &now
	require.NoError(t, s.UpdateFlow(ctx, f))
	require.NoError(t, s.CreateFlow(ctx, newFlow("u_1")))

	flows, err := s.ListFlows(ctx, "u_1", 10)
	require.NoError(t, err)
	assert.Len(t, flows, 2)
}

func TestFlowRepo_UpdateVersionConflict(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	f := newFlow("u_1")
	require.NoError(t, s.CreateFlow(ctx, f))

	stale := f.Clone()

	f.Answers.Set("a_tipo_posto", answers.String("urbano"))
	f.StepKey = "b_volume_diesel_l"
	require.NoError(t, s.UpdateFlow(ctx, f))
	assert.Equal(t, 2, f.Version)

	stale.StepKey = "c_volume_otto_l"
	err := s.UpdateFlow(ctx, &stale)
	assert.True(t, errors.Is(err, ErrVersionConflict), "got %v", err)

	got, err := s.GetActiveFlow(ctx, "u_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b_volume_diesel_l", got.StepKey)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "urbano", answers.Text(got.Answers["a_tipo_posto"]))
	assert.Equal(t, "2026-01-01", got.Context.SuggestedMonthRef)
}

func TestFlowRepo_TerminalFlowsAreImmutable(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	f := newFlow("u_1")
	require.NoError(t, s.CreateFlow(ctx, f))

	canceled, err := s.CancelFlow(ctx, f.ID, models.ReasonAdminCanceled)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusCanceled, canceled.Status)
	assert.Equal(t, models.ReasonAdminCanceled, canceled.Context.CanceledReason)
	require.NotNil(t, canceled.CanceledAt)

	_, err = s.CancelFlow(ctx, f.ID, models.ReasonAdminCanceled)
	assert.True(t, errors.Is(err, ErrFlowNotActive))

	canceled.StepKey = "other"
	err = s.UpdateFlow(ctx, canceled)
	assert.True(t, errors.Is(err, ErrVersionConflict))

	active, err := s.GetActiveFlow(ctx, "u_1")
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = s.GetFlow(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLedger_DuplicateReturnsExistingRow(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	key := "m1|m2"

	first, err := s.LogEvent(ctx, &models.WebhookEvent{
		Provider: models.ProviderWhatsAppInbound, EventType: "messages", EventKey: &key,
		Payload: []byte(`{"object":"whatsapp_business_account"}`), Headers: map[string]string{"user-agent": "test"},
	})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.NotZero(t, first.ID)

	second, err := s.LogEvent(ctx, &models.WebhookEvent{
		Provider: models.ProviderWhatsAppInbound, EventType: "messages", EventKey: &key, Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.WebhookStatusReceived, second.ExistingStatus)

	// Same key under another provider is a different event.
	other, err := s.LogEvent(ctx, &models.WebhookEvent{
		Provider: models.ProviderWhatsAppStatus, EventType: "statuses", EventKey: &key, Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	assert.False(t, other.Duplicate)

	stored, err := s.GetEvent(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "test", stored.Headers["user-agent"])
	assert.JSONEq(t, `{"object":"whatsapp_business_account"}`, string(stored.Payload))
}

func TestLedger_NullKeysNeverCollide(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	a, err := s.LogEvent(ctx, &models.WebhookEvent{Provider: models.ProviderWhatsAppInbound, EventType: "messages"})
	require.NoError(t, err)
	b, err := s.LogEvent(ctx, &models.WebhookEvent{Provider: models.ProviderWhatsAppInbound, EventType: "messages"})
	require.NoError(t, err)
	assert.False(t, a.Duplicate)
	assert.False(t, b.Duplicate)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestLedger_StatusTransitions(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	key := "m9"

	res, err := s.LogEvent(ctx, &models.WebhookEvent{Provider: models.ProviderWhatsAppInbound, EventType: "messages", EventKey: &key})
	require.NoError(t, err)

	require.NoError(t, s.UpdateEventStatus(ctx, res.ID, models.WebhookStatusQueued, models.StatusUpdate{}))
	ev, err := s.GetEvent(ctx, res.ID)
	require.NoError(t, err)
	assert.Nil(t, ev.ProcessedAt)

	require.NoError(t, s.UpdateEventStatus(ctx, res.ID, models.WebhookStatusFailed,
		models.StatusUpdate{Error: "boom", IncrementRetry: true}))
	require.NoError(t, s.UpdateEventStatus(ctx, res.ID, models.WebhookStatusFailed,
		models.StatusUpdate{Error: "boom again", IncrementRetry: true}))

	ev, err = s.GetEvent(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, ev.Status)
	assert.Equal(t, 2, ev.RetryCount)
	assert.Equal(t, "boom again", ev.Error)
	assert.NotNil(t, ev.ProcessedAt)

	failed, err := s.ListEventsByStatus(ctx, models.WebhookStatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, res.ID, failed[0].ID)

	dup, err := s.LogEvent(ctx, &models.WebhookEvent{Provider: models.ProviderWhatsAppInbound, EventType: "messages", EventKey: &key})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, models.WebhookStatusFailed, dup.ExistingStatus)
	assert.Equal(t, 2, dup.RetryCount)

	assert.ErrorIs(t, s.UpdateEventStatus(ctx, 999, models.WebhookStatusProcessed, models.StatusUpdate{}), ErrNotFound)
	assert.ErrorIs(t, s.UpdateEventStatus(ctx, res.ID, "bogus", models.StatusUpdate{}), models.ErrInvalidStatus)
}

func TestLedger_RejectsInvalidEvents(t *testing.T) {
	s := newTestSQLiteStore(t)
	_, err := s.LogEvent(context.Background(), &models.WebhookEvent{EventType: "messages"})
	assert.ErrorIs(t, err, models.ErrEmptyProvider)
}

func TestJobFailures(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	eventID := int64(42)

	require.NoError(t, s.RecordJobFailure(ctx, models.JobFailure{
		Queue: "whatsapp-inbound", JobName: "process", JobID: "wa-inbound-42", WebhookEventID: &eventID,
		Payload: []byte(`{"webhookEventId":42}`), Error: "store unavailable", Attempts: 3,
	}))
	failures, err := s.ListJobFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "wa-inbound-42", failures[0].JobID)
	require.NotNil(t, failures[0].WebhookEventID)
	assert.Equal(t, eventID, *failures[0].WebhookEventID)
	assert.Equal(t, 3, failures[0].Attempts)
}

func TestMonthlyInputs(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	none, err := s.GetMonthlyInput(ctx, "u_1", "2026-02-01")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.UpsertMonthlyInput(ctx, models.MonthlyInput{
		UserID: "u_1", MonthRef: "2025-12-01", Source: "chat",
		Input: answers.Object{"a_tipo_posto": answers.String("rodoviario")}, IsFinal: true,
	}))
	require.NoError(t, s.UpsertMonthlyInput(ctx, models.MonthlyInput{
		UserID: "u_1", MonthRef: "2026-01-01", Source: "chat",
		Input: answers.Object{"a_tipo_posto": answers.String("urbano")},
	}))
	require.NoError(t, s.UpsertMonthlyInput(ctx, models.MonthlyInput{
		UserID: "u_1", MonthRef: "2026-01-01", Source: "chat",
		Input: answers.Object{"a_tipo_posto": answers.String("urbano"), "b_volume_diesel_l": answers.Number(1000)},
		IsFinal: true,
	}))

	jan, err := s.GetMonthlyInput(ctx, "u_1", "2026-01-01")
	require.NoError(t, err)
	require.NotNil(t, jan)
	assert.True(t, jan.IsFinal)
	assert.Equal(t, answers.Number(1000), jan.Input["b_volume_diesel_l"])

	prev, err := s.LatestMonthlyInputBefore(ctx, "u_1", "2026-02-01")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "2026-01-01", prev.MonthRef)

	prev, err = s.LatestMonthlyInputBefore(ctx, "u_1", "2025-12-01")
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestContactsAndConversation(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	c, created, err := s.EnsureContact(ctx, "+5511999990000", "Posto Central")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Posto Central", c.Name)

	again, created, err := s.EnsureContact(ctx, "+5511999990000", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c.ID, again.ID)

	_, _, err = s.EnsureContact(ctx, "", "")
	assert.ErrorIs(t, err, models.ErrEmptyPhone)

	for i, body := range []string{"oi", "menu", "1", "01/2026"} {
		dir := models.DirectionInbound
		if i%2 == 1 {
			dir = models.DirectionOutbound
		}
		require.NoError(t, s.AppendMessage(ctx, &models.ConversationMessage{UserID: c.ID, Direction: dir, Body: body}))
	}
	recent, err := s.RecentMessages(ctx, c.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "menu", recent[0].Body)
	assert.Equal(t, "01/2026", recent[2].Body)

	err = s.AppendMessage(ctx, &models.ConversationMessage{UserID: c.ID, Direction: "sideways", Body: "x"})
	assert.ErrorIs(t, err, models.ErrInvalidDirection)
}

func TestPurgeBefore(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendStatusEvent(ctx, &models.StatusEvent{ExternalMessageID: "wamid.1", Status: "delivered"}))
	_, err := s.RecordInbound(ctx, "wamid.2", "u_1")
	require.NoError(t, err)
	require.NoError(t, s.RecordJobFailure(ctx, models.JobFailure{Queue: "q", JobName: "n", JobID: "j", Error: "e"}))
	key := "kept"
	_, err = s.LogEvent(ctx, &models.WebhookEvent{Provider: models.ProviderWhatsAppInbound, EventType: "messages", EventKey: &key})
	require.NoError(t, err)

	res, err := s.PurgeBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.RetentionResult{StatusEvents: 1, InboundDedup: 1, JobFailures: 1}, res)

	// The ledger is never purged.
	dup, err := s.LogEvent(ctx, &models.WebhookEvent{Provider: models.ProviderWhatsAppInbound, EventType: "messages", EventKey: &key})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL to enable.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	ctx := context.Background()

	key := "pg-" + time.Now().Format(time.RFC3339Nano)
	first, err := pgStore.LogEvent(ctx, &models.WebhookEvent{Provider: models.ProviderWhatsAppInbound, EventType: "messages", EventKey: &key})
	require.NoError(t, err)
	second, err := pgStore.LogEvent(ctx, &models.WebhookEvent{Provider: models.ProviderWhatsAppInbound, EventType: "messages", EventKey: &key})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ID, second.ID)

	userID := "u_pg_" + key
	f := newFlow(userID)
	require.NoError(t, pgStore.CreateFlow(ctx, f))
	assert.ErrorIs(t, pgStore.CreateFlow(ctx, newFlow(userID)), ErrActiveFlowExists)
	_, err = pgStore.CancelFlow(ctx, f.ID, models.ReasonAdminCanceled)
	require.NoError(t, err)
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
