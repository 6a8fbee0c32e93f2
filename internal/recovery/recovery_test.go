package recovery

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rochaturbo/RochaTurbo/internal/models"
	"github.com/rochaturbo/RochaTurbo/internal/queue"
	"github.com/rochaturbo/RochaTurbo/internal/store"
	"github.com/rochaturbo/RochaTurbo/internal/testutil"
	"github.com/rochaturbo/RochaTurbo/internal/webhook"
)

type redriveFixture struct {
	store    *store.SQLiteStore
	backend  *queue.RedisBackend
	intake   *webhook.Intake
	redriver *EventRedriver
}

func newRedriveFixture(t *testing.T) *redriveFixture {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	d, backend, _ := testutil.NewRedisDispatcher(t)
	intake := webhook.NewIntake(st, d, "")
	return &redriveFixture{store: st, backend: backend, intake: intake, redriver: NewEventRedriver(st, intake, 0)}
}

// failedEvent accepts a delivery and marks it failed as the failure hook would.
func (fx *redriveFixture) failedEvent(t *testing.T, msgID string) int64 {
	t.Helper()
	ctx := context.Background()
	body := testutil.InboundBody(t, testutil.InboundMessage{ID: msgID, From: testutil.Phone(1), Text: "oi"})
	out, err := fx.intake.Accept(ctx, webhook.InboundSource, body, http.Header{})
	require.NoError(t, err)
	require.NoError(t, fx.store.UpdateEventStatus(ctx, out.WebhookEventID, models.WebhookStatusFailed,
		models.StatusUpdate{Error: "provider down", IncrementRetry: true}))
	return out.WebhookEventID
}

func TestRedriveFailed(t *testing.T) {
	ctx := context.Background()
	fx := newRedriveFixture(t)
	a := fx.failedEvent(t, "m1")
	b := fx.failedEvent(t, "m2")

	sum, err := fx.redriver.RedriveFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Redriven)
	assert.Equal(t, 2, sum.Queued)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, []int64{a, b}, sum.IDs)

	for _, id := range []int64{a, b} {
		ev, err := fx.store.GetEvent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.WebhookStatusQueued, ev.Status)
		assert.Equal(t, 1, ev.RetryCount)
	}

	// two original jobs plus two re-drives with retry-scoped ids
	stats, err := fx.backend.Stats(ctx, queue.QueueInbound)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats["wait"])

	sum, err = fx.redriver.RedriveFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Redriven)
}

func TestRedriveEvent(t *testing.T) {
	ctx := context.Background()
	fx := newRedriveFixture(t)
	id := fx.failedEvent(t, "m1")

	out, err := fx.redriver.RedriveEvent(ctx, id)
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.Equal(t, queue.JobIDFor(queue.InboundJobPrefix, id, 1), out.JobID)

	_, err = fx.redriver.RedriveEvent(ctx, id)
	assert.Error(t, err, "queued events are not re-driven")

	_, err = fx.redriver.RedriveEvent(ctx, 9999)
	assert.Error(t, err)
}

type stubRedriver struct {
	err error
	ids []int64
}

func (s *stubRedriver) Redrive(_ context.Context, ev models.WebhookEvent) (webhook.Outcome, error) {
	s.ids = append(s.ids, ev.ID)
	if s.err != nil {
		return webhook.Outcome{}, s.err
	}
	return webhook.Outcome{WebhookEventID: ev.ID}, nil
}

func TestRedriveFailedCountsErrors(t *testing.T) {
	ctx := context.Background()
	fx := newRedriveFixture(t)
	fx.failedEvent(t, "m1")

	stub := &stubRedriver{err: errors.New("redis down")}
	sum, err := NewEventRedriver(fx.store, stub, 10).RedriveFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Zero(t, sum.Redriven)
}

func TestReceivedEventRecovery(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewSQLiteStore(t)
	key := "m-stuck"
	ev := &models.WebhookEvent{
		Provider:  models.ProviderWhatsAppInbound,
		EventType: "messages",
		EventKey:  &key,
		Payload:   testutil.InboundBody(t, testutil.InboundMessage{ID: key, From: testutil.Phone(2), Text: "oi"}),
	}
	_, err := st.LogEvent(ctx, ev)
	require.NoError(t, err)

	stub := &stubRedriver{}
	rec := NewReceivedEventRecovery(NewEventRedriver(st, stub, 0), 5*time.Minute)

	require.NoError(t, rec.Recover(ctx))
	assert.Empty(t, stub.ids, "fresh rows are left to intake")

	rec.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, rec.Recover(ctx))
	assert.Equal(t, []int64{ev.ID}, stub.ids)

	stub.err = errors.New("redis down")
	assert.Error(t, rec.Recover(ctx))
}

type namedRecoverable struct {
	name string
	err  error
	runs int
}

func (n *namedRecoverable) Name() string { return n.name }

func (n *namedRecoverable) Recover(context.Context) error {
	n.runs++
	return n.err
}

func TestRecoveryManager(t *testing.T) {
	ok := &namedRecoverable{name: "ok"}
	bad := &namedRecoverable{name: "bad", err: errors.New("boom")}

	rm := NewRecoveryManager()
	rm.RegisterRecoverable(ok)
	rm.RegisterRecoverable(bad)

	err := rm.RecoverAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 errors out of 2")
	assert.Equal(t, 1, ok.runs)
	assert.Equal(t, 1, bad.runs)

	assert.NoError(t, NewRecoveryManager().RecoverAll(context.Background()))
}
