package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rochaturbo/RochaTurbo/internal/apperrors"
	"github.com/rochaturbo/RochaTurbo/internal/models"
	"github.com/rochaturbo/RochaTurbo/internal/queue"
	"github.com/rochaturbo/RochaTurbo/internal/testutil"
)

type fakeRetention struct {
	cutoff time.Time
	result models.RetentionResult
	err    error
}

func (f *fakeRetention) PurgeBefore(_ context.Context, cutoff time.Time) (models.RetentionResult, error) {
	f.cutoff = cutoff
	return f.result, f.err
}

type fakeBilling struct {
	configured bool
	err        error
	calls      []string
}

func (f *fakeBilling) Configured() bool { return f.configured }

func (f *fakeBilling) RunDunning(_ context.Context, requestedBy string) (map[string]any, error) {
	f.calls = append(f.calls, "dunning:"+requestedBy)
	return map[string]any{"marked_overdue": 1}, f.err
}

func (f *fakeBilling) RenewSubscriptions(_ context.Context, requestedBy string) (map[string]any, error) {
	f.calls = append(f.calls, "renewal:"+requestedBy)
	return nil, f.err
}

func TestRunRetention(t *testing.T) {
	repo := &fakeRetention{result: models.RetentionResult{StatusEvents: 3, InboundDedup: 2, JobFailures: 1}}
	r := NewRunner(repo, nil, 30)
	r.now = func() time.Time { return time.Date(2026, 3, 31, 3, 0, 0, 0, time.UTC) }

	res, err := r.Run(context.Background(), Retention, "scheduler")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.Skipped)
	assert.Equal(t, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), repo.cutoff)
	assert.Equal(t, int64(3), res.Details["status_events"])
	assert.Equal(t, int64(1), res.Details["job_failures"])
}

func TestRunRetentionFailureIsTransient(t *testing.T) {
	r := NewRunner(&fakeRetention{err: errors.New("db down")}, nil, 0)
	assert.Equal(t, DefaultRetentionDays, r.retentionDays)
	_, err := r.Run(context.Background(), Retention, "api")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeTransient))
}

func TestRunBillingSkippedWithoutCollaborator(t *testing.T) {
	for _, billing := range []Billing{nil, &fakeBilling{}} {
		r := NewRunner(&fakeRetention{}, billing, 0)
		res, err := r.Run(context.Background(), Dunning, "scheduler")
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.True(t, res.Skipped)
	}
}

func TestRunBilling(t *testing.T) {
	billing := &fakeBilling{configured: true}
	r := NewRunner(&fakeRetention{}, billing, 0)

	res, err := r.Run(context.Background(), Dunning, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Details["marked_overdue"])

	res, err = r.Run(context.Background(), SubscriptionRenewal, "api")
	require.NoError(t, err)
	assert.NotNil(t, res.Details)
	assert.Equal(t, []string{"dunning:scheduler", "renewal:api"}, billing.calls)

	billing.err = errors.New("billing down")
	_, err = r.Run(context.Background(), Dunning, "scheduler")
	assert.Error(t, err)
}

func TestRunUnknownJob(t *testing.T) {
	r := NewRunner(&fakeRetention{}, nil, 0)
	_, err := r.Run(context.Background(), "reindex", "api")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestHandler(t *testing.T) {
	billing := &fakeBilling{configured: true}
	h := NewRunner(&fakeRetention{}, billing, 0).Handler()

	raw, err := json.Marshal(queue.InternalPayload{Job: SubscriptionRenewal, RequestedBy: "scheduler"})
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), queue.Job{ID: "j1", Queue: queue.QueueInternal, Payload: raw}))
	assert.Equal(t, []string{"renewal:scheduler"}, billing.calls)

	err = h(context.Background(), queue.Job{ID: "j2", Queue: queue.QueueInternal, Payload: []byte(`{`)})
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	d, backend, _ := testutil.NewRedisDispatcher(t)

	ok, res, err := Enqueue(ctx, d, Retention, "scheduler", nil, "retention:2026-03-31T03:00")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, res.Duplicate)

	ok, res, err = Enqueue(ctx, d, Retention, "scheduler", nil, "retention:2026-03-31T03:00")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, res.Duplicate)

	stats, err := backend.Stats(ctx, queue.QueueInternal)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["wait"])

	_, _, err = Enqueue(ctx, d, "unknown", "api", nil, "")
	assert.Error(t, err)

	ok, _, err = Enqueue(ctx, queue.NewDispatcher(nil, 0), Dunning, "api", nil, "")
	require.NoError(t, err)
	assert.False(t, ok)
}
