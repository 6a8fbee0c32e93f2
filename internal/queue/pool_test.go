package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rochaturbo/RochaTurbo/internal/apperrors"
	"github.com/rochaturbo/RochaTurbo/internal/store"
)

type recordingHooks struct {
	mu        sync.Mutex
	successes []string
	failures  []string
	finals    []string
}

func (h *recordingHooks) OnSuccess(_ context.Context, job Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes = append(h.successes, job.ID)
}

func (h *recordingHooks) OnFailure(_ context.Context, job Job, _ error, final bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, job.ID)
	if final {
		h.finals = append(h.finals, job.ID)
	}
}

func (h *recordingHooks) snapshot() (successes, failures, finals []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.successes...), append([]string(nil), h.failures...), append([]string(nil), h.finals...)
}

func newFastPool(b Backend, hooks Hooks) *Pool {
	return NewPool(b,
		WithPollInterval(5*time.Millisecond),
		WithBackoff(Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond}),
		WithStaleAfter(time.Minute),
		WithHooks(hooks),
	)
}

func runPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func TestPool_RetriesTransientErrors(t *testing.T) {
	b, _, _ := newTestRedisBackend(t)
	b.now = time.Now
	hooks := &recordingHooks{}
	p := newFastPool(b, hooks)

	var calls atomic.Int32
	require.NoError(t, p.Register(QueueConfig{
		Queue:       QueueInbound,
		Concurrency: 2,
		Handler: func(ctx context.Context, job Job) error {
			if calls.Add(1) == 1 {
				return errors.New("store unavailable")
			}
			return nil
		},
	}))

	d := NewDispatcher(b, 3)
	_, _, err := d.Enqueue(context.Background(), QueueInbound, "whatsapp-inbound", Payload{}, EnqueueOptions{JobID: "wa-inbound-1"})
	require.NoError(t, err)

	stop := runPool(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		s, _, _ := hooks.snapshot()
		return len(s) == 1
	}, 3*time.Second, 10*time.Millisecond)

	_, failures, finals := hooks.snapshot()
	assert.Equal(t, []string{"wa-inbound-1"}, failures)
	assert.Empty(t, finals)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPool_ValidationErrorFailsImmediately(t *testing.T) {
	b, _, _ := newTestRedisBackend(t)
	b.now = time.Now
	hooks := &recordingHooks{}
	p := newFastPool(b, hooks)

	var calls atomic.Int32
	require.NoError(t, p.Register(QueueConfig{
		Queue: QueueStatus,
		Handler: func(ctx context.Context, job Job) error {
			calls.Add(1)
			return apperrors.Validation("payload sem entries", nil)
		},
	}))
	_, _, err := NewDispatcher(b, 3).Enqueue(context.Background(), QueueStatus, "whatsapp-status", Payload{}, EnqueueOptions{JobID: "wa-status-1"})
	require.NoError(t, err)

	stop := runPool(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		_, _, finals := hooks.snapshot()
		return len(finals) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPool_ExhaustsAttempts(t *testing.T) {
	b, _, _ := newTestRedisBackend(t)
	b.now = time.Now
	hooks := &recordingHooks{}
	p := newFastPool(b, hooks)

	require.NoError(t, p.Register(QueueConfig{
		Queue: QueueInternal,
		Handler: func(ctx context.Context, job Job) error {
			return errors.New("billing down")
		},
	}))
	_, _, err := NewDispatcher(b, 2).Enqueue(context.Background(), QueueInternal, "dunning", InternalPayload{Job: "dunning"}, EnqueueOptions{})
	require.NoError(t, err)

	stop := runPool(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		_, _, finals := hooks.snapshot()
		return len(finals) == 1
	}, 3*time.Second, 10*time.Millisecond)
	_, failures, _ := hooks.snapshot()
	assert.Len(t, failures, 2)
}

func TestPool_RecoversPanics(t *testing.T) {
	b, _, _ := newTestRedisBackend(t)
	b.now = time.Now
	hooks := &recordingHooks{}
	p := newFastPool(b, hooks)

	require.NoError(t, p.Register(QueueConfig{
		Queue: QueueInbound,
		Handler: func(ctx context.Context, job Job) error {
			panic("nil map")
		},
	}))
	_, _, err := NewDispatcher(b, 1).Enqueue(context.Background(), QueueInbound, "whatsapp-inbound", Payload{}, EnqueueOptions{JobID: "p"})
	require.NoError(t, err)

	stop := runPool(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		_, _, finals := hooks.snapshot()
		return len(finals) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPool_ConcurrencyIsBounded(t *testing.T) {
	b, _, _ := newTestRedisBackend(t)
	b.now = time.Now
	hooks := &recordingHooks{}
	p := newFastPool(b, hooks)

	var running, peak atomic.Int32
	require.NoError(t, p.Register(QueueConfig{
		Queue:       QueueStatus,
		Concurrency: 3,
		Handler: func(ctx context.Context, job Job) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil
		},
	}))
	d := NewDispatcher(b, 1)
	for i := 0; i < 10; i++ {
		_, _, err := d.Enqueue(context.Background(), QueueStatus, "whatsapp-status", Payload{}, EnqueueOptions{})
		require.NoError(t, err)
	}

	stop := runPool(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		s, _, _ := hooks.snapshot()
		return len(s) == 10
	}, 5*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestPool_SQLBackendSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(path))
	require.NoError(t, err)

	b := NewSQLBackend(st)
	ctx := context.Background()
	added, err := b.Add(ctx, Job{ID: "wa-inbound-3", Queue: QueueInbound, Name: "whatsapp-inbound", Payload: []byte(`{}`), MaxAttempts: 3}, 0)
	require.NoError(t, err)
	assert.True(t, added)

	// Claim and crash without acknowledging.
	jobs, err := b.Claim(ctx, QueueInbound, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, st.Close())

	st, err = store.NewSQLiteStore(store.WithSQLiteDSN(path))
	require.NoError(t, err)
	defer st.Close()
	b = NewSQLBackend(st)
	b.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	hooks := &recordingHooks{}
	p := NewPool(b, WithPollInterval(5*time.Millisecond), WithStaleAfter(5*time.Minute), WithHooks(hooks))
	require.NoError(t, p.Register(QueueConfig{
		Queue:   QueueInbound,
		Handler: func(ctx context.Context, job Job) error { return nil },
	}))
	stop := runPool(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		s, _, _ := hooks.snapshot()
		return len(s) == 1
	}, 3*time.Second, 10*time.Millisecond)

	job, err := st.GetJob(ctx, "wa-inbound-3")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, store.JobStatusDone, job.Status)
	assert.Equal(t, 2, job.Attempt)
}

// busyBackend always has more work than the worker can take.
type busyBackend struct {
	seq        atomic.Int64
	recoveries atomic.Int32
}

func (b *busyBackend) Name() string { return "busy" }

func (b *busyBackend) Add(context.Context, Job, time.Duration) (bool, error) { return true, nil }

func (b *busyBackend) Claim(_ context.Context, queue string, limit int) ([]Job, error) {
	jobs := make([]Job, limit)
	for i := range jobs {
		jobs[i] = Job{ID: fmt.Sprintf("busy-%d", b.seq.Add(1)), Queue: queue, Attempt: 1, MaxAttempts: 3}
	}
	return jobs, nil
}

func (b *busyBackend) Ack(context.Context, Job) error                          { return nil }
func (b *busyBackend) Retry(context.Context, Job, time.Duration, string) error { return nil }
func (b *busyBackend) Fail(context.Context, Job, string) error                 { return nil }
func (b *busyBackend) Close() error                                            { return nil }

func (b *busyBackend) RecoverStale(context.Context, string, time.Duration) (int, error) {
	b.recoveries.Add(1)
	return 0, nil
}

func TestPool_RecoversStaleClaimsWhileSaturated(t *testing.T) {
	b := &busyBackend{}
	p := NewPool(b, WithPollInterval(5*time.Millisecond), WithStaleAfter(20*time.Millisecond))
	require.NoError(t, p.Register(QueueConfig{
		Queue:       QueueInbound,
		Concurrency: 2,
		Handler: func(context.Context, Job) error {
			time.Sleep(2 * time.Millisecond)
			return nil
		},
	}))
	stop := runPool(t, p)
	defer stop()

	// one sweep at startup, then more while every claim fills the pool
	assert.Eventually(t, func() bool { return b.recoveries.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Greater(t, b.seq.Load(), int64(2))
}
