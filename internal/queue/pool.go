package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rochaturbo/RochaTurbo/internal/apperrors"
	"github.com/rochaturbo/RochaTurbo/internal/metrics"
)

// Hooks observe the outcome of job attempts.
type Hooks interface {
	// OnSuccess runs after a job is acknowledged.
	OnSuccess(ctx context.Context, job Job)
	// OnFailure runs after a failed attempt. final is set when no attempt remains.
	OnFailure(ctx context.Context, job Job, err error, final bool)
}

// QueueConfig configures the worker of one queue.
type QueueConfig struct {
	Queue       string
	Concurrency int
	// RatePerMinute bounds job starts when positive.
	RatePerMinute int
	Handler       Handler
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPollInterval sets the idle wait between claims.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithBackoff sets the retry delay policy.
func WithBackoff(b Backoff) PoolOption {
	return func(p *Pool) { p.backoff = b }
}

// WithJobTimeout bounds a single handler run.
func WithJobTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.jobTimeout = d }
}

// WithStaleAfter sets how long a claim may be held before it is released to other workers.
func WithStaleAfter(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleAfter = d }
}

// WithHooks installs attempt hooks.
func WithHooks(h Hooks) PoolOption {
	return func(p *Pool) { p.hooks = h }
}

// Pool runs one worker per registered queue against a backend.
type Pool struct {
	backend      Backend
	hooks        Hooks
	pollInterval time.Duration
	backoff      Backoff
	jobTimeout   time.Duration
	staleAfter   time.Duration
	workers      []*worker
}

// NewPool creates a pool on backend.
func NewPool(backend Backend, opts ...PoolOption) *Pool {
	p := &Pool{
		backend:      backend,
		pollInterval: 500 * time.Millisecond,
		backoff:      DefaultBackoff,
		jobTimeout:   2 * time.Minute,
		staleAfter:   5 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds the worker of one queue. It must be called before Run.
func (p *Pool) Register(cfg QueueConfig) error {
	if cfg.Queue == "" || cfg.Handler == nil {
		return fmt.Errorf("queue name and handler are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	w := &worker{
		pool:  p,
		cfg:   cfg,
		slots: make(chan struct{}, cfg.Concurrency),
		freed: make(chan struct{}, 1),
	}
	if cfg.RatePerMinute > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute)
	}
	p.workers = append(p.workers, w)
	slog.Info("Pool Register", "queue", cfg.Queue, "concurrency", cfg.Concurrency, "ratePerMinute", cfg.RatePerMinute)
	return nil
}

// Run recovers stale claims, then processes jobs until ctx is cancelled. In-flight jobs are
// allowed to finish before Run returns.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.run(ctx)
		}(w)
	}
	wg.Wait()
	slog.Info("Pool stopped", "backend", p.backend.Name())
}

type worker struct {
	pool    *Pool
	cfg     QueueConfig
	limiter *rate.Limiter
	slots   chan struct{}
	freed   chan struct{}
	wg      sync.WaitGroup
}

func (w *worker) run(ctx context.Context) {
	queue := w.cfg.Queue
	slog.Info("Worker starting", "queue", queue, "backend", w.pool.backend.Name(), "concurrency", cap(w.slots))
	w.recoverStale(ctx)

	staleTicker := time.NewTicker(w.pool.staleAfter)
	defer staleTicker.Stop()

	for {
		if ctx.Err() != nil {
			break
		}
		// a queue that never idles still releases dead claims
		select {
		case <-staleTicker.C:
			w.recoverStale(ctx)
		default:
		}
		free := cap(w.slots) - len(w.slots)
		claimed := 0
		if free > 0 {
			jobs, err := w.pool.backend.Claim(ctx, queue, free)
			if err != nil && ctx.Err() == nil {
				slog.Error("Worker claim failed", "queue", queue, "error", err)
			}
			for _, job := range jobs {
				w.slots <- struct{}{}
				w.wg.Add(1)
				go w.process(job)
			}
			claimed = len(jobs)
		}
		if claimed > 0 && claimed == free {
			// Saturated or more work waiting; wait for a slot.
			select {
			case <-ctx.Done():
			case <-w.freed:
			case <-time.After(w.pool.pollInterval):
			}
			continue
		}
		if claimed > 0 {
			continue
		}
		select {
		case <-ctx.Done():
		case <-staleTicker.C:
			w.recoverStale(ctx)
		case <-time.After(w.pool.pollInterval):
		}
	}

	w.wg.Wait()
	slog.Info("Worker stopped", "queue", queue)
}

func (w *worker) recoverStale(ctx context.Context) {
	n, err := w.pool.backend.RecoverStale(ctx, w.cfg.Queue, w.pool.staleAfter)
	if err != nil {
		slog.Error("Worker RecoverStale failed", "queue", w.cfg.Queue, "error", err)
		return
	}
	if n > 0 {
		slog.Info("Worker RecoverStale requeued jobs", "queue", w.cfg.Queue, "count", n)
	}
}

// process runs one job detached from the claim loop context so that shutdown lets it finish.
func (w *worker) process(job Job) {
	defer func() {
		<-w.slots
		select {
		case w.freed <- struct{}{}:
		default:
		}
		w.wg.Done()
	}()

	ctx := context.Background()
	queue := w.cfg.Queue
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			slog.Warn("Worker rate limiter wait failed", "queue", queue, "error", err)
		}
	}

	metrics.QueueInflight.WithLabelValues(queue).Inc()
	defer metrics.QueueInflight.WithLabelValues(queue).Dec()

	start := time.Now()
	err := w.invoke(ctx, job)
	metrics.QueueJobDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())

	if err == nil {
		if ackErr := w.pool.backend.Ack(ctx, job); ackErr != nil {
			slog.Error("Worker ack failed", "queue", queue, "job_id", job.ID, "error", ackErr)
		}
		metrics.QueueJobs.WithLabelValues(queue, "success").Inc()
		slog.Debug("Worker job completed", "queue", queue, "job_id", job.ID, "attempt", job.Attempt)
		if w.pool.hooks != nil {
			w.pool.hooks.OnSuccess(ctx, job)
		}
		return
	}

	final := !apperrors.IsRetryable(err) || job.Attempt >= job.MaxAttempts
	if final {
		if failErr := w.pool.backend.Fail(ctx, job, err.Error()); failErr != nil {
			slog.Error("Worker fail failed", "queue", queue, "job_id", job.ID, "error", failErr)
		}
		metrics.QueueJobs.WithLabelValues(queue, "failed").Inc()
		slog.Error("Worker job failed", "queue", queue, "job_id", job.ID, "attempt", job.Attempt,
			"maxAttempts", job.MaxAttempts, "error", err)
	} else {
		delay := w.pool.backoff.Delay(job.Attempt)
		if retryErr := w.pool.backend.Retry(ctx, job, delay, err.Error()); retryErr != nil {
			slog.Error("Worker retry failed", "queue", queue, "job_id", job.ID, "error", retryErr)
		}
		metrics.QueueJobs.WithLabelValues(queue, "retry").Inc()
		slog.Warn("Worker job will retry", "queue", queue, "job_id", job.ID, "attempt", job.Attempt,
			"delay", delay, "error", err)
	}
	if w.pool.hooks != nil {
		w.pool.hooks.OnFailure(ctx, job, err, final)
	}
}

// invoke calls the handler with a timeout and converts panics into errors.
func (w *worker) invoke(ctx context.Context, job Job) (err error) {
	if w.pool.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.pool.jobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Worker handler panicked", "queue", w.cfg.Queue, "job_id", job.ID, "panic", r,
				"stack", string(debug.Stack()))
			err = apperrors.Transient("handler panic", fmt.Errorf("%v", r))
		}
	}()
	err = w.cfg.Handler(ctx, job)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = apperrors.Transient("job timed out", err)
	}
	return err
}
