// Package app is the composition root: it builds every component once from the configuration
// and runs the process roles (HTTP server, queue workers, cron scheduler).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/rochaturbo/RochaTurbo/internal/api"
	"github.com/rochaturbo/RochaTurbo/internal/auth"
	"github.com/rochaturbo/RochaTurbo/internal/collab"
	"github.com/rochaturbo/RochaTurbo/internal/config"
	"github.com/rochaturbo/RochaTurbo/internal/flow"
	"github.com/rochaturbo/RochaTurbo/internal/genai"
	"github.com/rochaturbo/RochaTurbo/internal/httpx"
	"github.com/rochaturbo/RochaTurbo/internal/inbound"
	"github.com/rochaturbo/RochaTurbo/internal/jobs"
	"github.com/rochaturbo/RochaTurbo/internal/lockfile"
	"github.com/rochaturbo/RochaTurbo/internal/messaging"
	"github.com/rochaturbo/RochaTurbo/internal/queue"
	"github.com/rochaturbo/RochaTurbo/internal/recovery"
	"github.com/rochaturbo/RochaTurbo/internal/scheduler"
	"github.com/rochaturbo/RochaTurbo/internal/store"
	"github.com/rochaturbo/RochaTurbo/internal/twiliowhatsapp"
	"github.com/rochaturbo/RochaTurbo/internal/webhook"
)

// Process roles.
const (
	RoleServe     = "serve"
	RoleWorker    = "worker"
	RoleScheduler = "scheduler"
	RoleAll       = "all"
	RoleCLI       = "cli"
)

const (
	// redriveBatch bounds how many ledger rows one re-drive pass reads.
	redriveBatch = 100
	// receivedGrace is how old a received ledger row must be before startup re-drives it.
	receivedGrace = time.Minute
	// staleClaimAge releases queue claims held longer than this by a dead worker.
	staleClaimAge = 5 * time.Minute
	maxBackoff    = 10 * time.Minute
)

// ErrNoQueueBackend is returned by roles that need a queue backend when none is configured.
var ErrNoQueueBackend = errors.New("no queue backend configured (set REDIS_URL or QUEUE_BACKEND=sql)")

// App holds the wired components.
type App struct {
	cfg *config.Config

	Store      store.Store
	Dispatcher *queue.Dispatcher
	Intake     *webhook.Intake
	Engine     *flow.Engine
	Jobs       *jobs.Runner
	Redriver   *recovery.EventRedriver

	lock *lockfile.Lock
}

// OpenStore opens the configured store without building the rest of the application.
func OpenStore(cfg *config.Config) (store.Store, error) {
	if err := cfg.EnsureStateDir(); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// New builds the application for role. Long running roles on a SQLite database hold the
// state directory lock for the life of the process.
func New(ctx context.Context, cfg *config.Config, role string) (_ *App, err error) {
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := cfg.EnsureStateDir(); err != nil {
		return nil, err
	}
	if cfg.SQLite() && role != RoleCLI {
		lock, err := lockfile.AcquireLock(filepath.Dir(cfg.DatabaseDSN), role)
		if err != nil {
			return nil, err
		}
		a.lock = lock
	}

	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = st

	backend, err := buildBackend(ctx, cfg, st)
	if err != nil {
		return nil, err
	}
	a.Dispatcher = queue.NewDispatcher(backend, cfg.Queue.Attempts)

	sender, err := buildSender(cfg)
	if err != nil {
		return nil, err
	}
	answerer, err := buildAnswerer(cfg)
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	reg, err := flow.LoadRegistry()
	if err != nil {
		return nil, fmt.Errorf("load flow definitions: %w", err)
	}
	collabCfg := collab.Config{
		ReportURL:   cfg.Collab.ReportURL,
		ArtifactURL: cfg.Collab.ArtifactURL,
		BillingURL:  cfg.Collab.BillingURL,
		Token:       cfg.Collab.Token,
	}
	caller := httpx.New(httpx.DefaultConfig("collab"))
	a.Engine = flow.NewEngine(reg, st, st,
		collab.NewReportService(collabCfg, caller),
		collab.NewArtifactService(collabCfg, caller),
		flow.Config{
			Enabled:            cfg.Flow.Enabled,
			Location:           loc,
			ForceExistingUsers: cfg.Flow.ForceExistingUsers,
		})

	a.Intake = webhook.NewIntake(st, a.Dispatcher, cfg.WhatsApp.AppSecret)
	messages := inbound.NewMessageProcessor(st, a.Engine, answerer, sender, cfg.SupportPhone)
	if cfg.Auth.Required {
		messages.RequireAuth(auth.NewGate(st, cfg.Auth.Secret))
	}
	a.Intake.Register(webhook.InboundSource, messages)
	a.Intake.Register(webhook.StatusSource, inbound.NewStatusProcessor(st))

	a.Jobs = jobs.NewRunner(st, collab.NewBillingService(collabCfg, caller), cfg.RetentionDays)
	a.Redriver = recovery.NewEventRedriver(st, a.Intake, redriveBatch)

	slog.Info("App New wired components", "role", role, "queue_backend", cfg.Queue.Backend,
		"sender", sender.Name(), "answerer", answerer != nil, "flow_enabled", cfg.Flow.Enabled, "auth_required", cfg.Auth.Required)
	return a, nil
}

func buildBackend(ctx context.Context, cfg *config.Config, st store.Store) (queue.Backend, error) {
	switch cfg.Queue.Backend {
	case config.QueueRedis:
		b, err := queue.NewRedisBackendFromURL(ctx, cfg.Queue.RedisURL, cfg.Queue.Prefix)
		if err != nil {
			return nil, fmt.Errorf("connect redis queue: %w", err)
		}
		return b, nil
	case config.QueueSQL:
		return queue.NewSQLBackend(st), nil
	default:
		slog.Warn("App no queue backend configured, webhooks are processed inline")
		return nil, nil
	}
}

func buildSender(cfg *config.Config) (messaging.Sender, error) {
	if cfg.WhatsApp.Provider == config.ProviderTwilio {
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.Twilio.AccountSID),
			twiliowhatsapp.WithAuthToken(cfg.Twilio.AuthToken),
			twiliowhatsapp.WithFromWhats(cfg.Twilio.FromNumber),
		)
		if err != nil {
			return nil, fmt.Errorf("twilio sender: %w", err)
		}
		return messaging.NewTwilioSender(client), nil
	}
	sender, err := messaging.NewCloudSender(messaging.CloudConfig{
		BaseURL:       cfg.WhatsApp.BaseURL,
		Token:         cfg.WhatsApp.Token,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
	}, httpx.New(httpx.DefaultConfig("whatsapp-cloud")))
	if err != nil {
		return nil, fmt.Errorf("cloud sender: %w", err)
	}
	return sender, nil
}

// buildAnswerer returns nil without an API key; free questions then get the fallback reply.
func buildAnswerer(cfg *config.Config) (inbound.Answerer, error) {
	if cfg.OpenAI.APIKey == "" {
		slog.Info("App no OpenAI key configured, free questions get the fallback reply")
		return nil, nil
	}
	client, err := genai.NewClient(genai.WithAPIKey(cfg.OpenAI.APIKey), genai.WithModel(cfg.OpenAI.Model))
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}
	return client, nil
}

// Server returns the HTTP server over the wired components.
func (a *App) Server() *api.Server {
	return api.NewServer(api.Deps{
		Intake:            a.Intake,
		Dispatcher:        a.Dispatcher,
		Jobs:              a.Jobs,
		Store:             a.Store,
		VerifyToken:       a.cfg.WhatsApp.VerifyToken,
		InternalJobSecret: a.cfg.InternalJobSecret,
	})
}

// Recover releases stale queue claims and re-drives ledger rows stuck in received.
func (a *App) Recover(ctx context.Context) error {
	rm := recovery.NewRecoveryManager()
	if backend := a.Dispatcher.Backend(); backend != nil {
		rm.RegisterRecoverable(recovery.NewStaleJobRecovery(backend, staleClaimAge,
			queue.QueueInbound, queue.QueueStatus, queue.QueueInternal))
	}
	rm.RegisterRecoverable(recovery.NewReceivedEventRecovery(a.Redriver, receivedGrace))
	return rm.RecoverAll(ctx)
}

// Pool builds the worker pool of the three queues.
func (a *App) Pool() (*queue.Pool, error) {
	backend := a.Dispatcher.Backend()
	if backend == nil {
		return nil, ErrNoQueueBackend
	}
	pool := queue.NewPool(backend,
		queue.WithHooks(webhook.NewFailureRecorder(a.Store, a.Store)),
		queue.WithBackoff(queue.Backoff{Base: a.cfg.Queue.Backoff, Max: maxBackoff}),
		queue.WithStaleAfter(staleClaimAge),
	)
	queues := []queue.QueueConfig{
		{Queue: queue.QueueInbound, Concurrency: a.cfg.Queue.InboundConcurrency, Handler: a.Intake.Handler(webhook.InboundSource)},
		{Queue: queue.QueueStatus, Concurrency: a.cfg.Queue.StatusConcurrency, Handler: a.Intake.Handler(webhook.StatusSource)},
		{Queue: queue.QueueInternal, Concurrency: a.cfg.Queue.InternalConcurrency, Handler: a.Jobs.Handler()},
	}
	for _, q := range queues {
		if err := pool.Register(q); err != nil {
			return nil, err
		}
	}
	return pool, nil
}

// Scheduler starts the cron scheduler with the default internal job entries.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	if !a.Dispatcher.Enabled() {
		return nil, ErrNoQueueBackend
	}
	s := scheduler.NewScheduler(a.Dispatcher)
	if err := s.ScheduleInternalJobs(scheduler.DefaultEntries); err != nil {
		s.Stop()
		return nil, err
	}
	return s, nil
}

// RunServer serves HTTP until ctx is cancelled.
func (a *App) RunServer(ctx context.Context) error {
	a.startupRecovery(ctx)
	return a.Server().Run(ctx, a.cfg.HTTPAddr)
}

// RunWorker processes the queues until ctx is cancelled.
func (a *App) RunWorker(ctx context.Context) error {
	pool, err := a.Pool()
	if err != nil {
		return err
	}
	a.startupRecovery(ctx)
	pool.Run(ctx)
	return nil
}

// RunScheduler enqueues the scheduled internal jobs until ctx is cancelled.
func (a *App) RunScheduler(ctx context.Context) error {
	s, err := a.Scheduler()
	if err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// RunAll runs the server and, with a queue backend, the workers and the scheduler in one
// process.
func (a *App) RunAll(ctx context.Context) error {
	a.startupRecovery(ctx)
	if !a.Dispatcher.Enabled() {
		return a.Server().Run(ctx, a.cfg.HTTPAddr)
	}
	pool, err := a.Pool()
	if err != nil {
		return err
	}
	sched, err := a.Scheduler()
	if err != nil {
		return err
	}
	defer sched.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	err = a.Server().Run(ctx, a.cfg.HTTPAddr)
	cancel()
	wg.Wait()
	return err
}

func (a *App) startupRecovery(ctx context.Context) {
	if err := a.Recover(ctx); err != nil {
		slog.Warn("App startup recovery incomplete", "error", err)
	}
}

// Close releases the queue connection, the store and the state lock.
func (a *App) Close() {
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Close(); err != nil {
			slog.Error("App Close dispatcher failed", "error", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			slog.Error("App Close store failed", "error", err)
		}
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			slog.Error("App Close lock release failed", "error", err)
		}
	}
}
