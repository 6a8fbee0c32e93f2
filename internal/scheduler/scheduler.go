// Package scheduler enqueues the internal jobs on a cron schedule.
//
// Schedules are evaluated in UTC. A job fires at most once per minute, and the job id carries
// the minute so that several scheduler replicas enqueue a single job.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rochaturbo/RochaTurbo/internal/jobs"
	"github.com/rochaturbo/RochaTurbo/internal/metrics"
	"github.com/rochaturbo/RochaTurbo/internal/queue"
)

// Entry schedules one internal job.
type Entry struct {
	Job  string
	Spec string
}

// DefaultEntries runs dunning hourly, renewal every 30 minutes and retention daily at 03:00 UTC.
var DefaultEntries = []Entry{
	{Job: jobs.Dunning, Spec: "0 * * * *"},
	{Job: jobs.SubscriptionRenewal, Spec: "*/30 * * * *"},
	{Job: jobs.Retention, Spec: "0 3 * * *"},
}

const enqueueTimeout = 30 * time.Second

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher *queue.Dispatcher
	now        func() time.Time

	mu      sync.Mutex
	lastRun map[string]string
}

// NewScheduler creates and starts a cron scheduler enqueuing on d.
func NewScheduler(d *queue.Dispatcher) *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c, dispatcher: d, now: time.Now, lastRun: make(map[string]string)}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// ScheduleInternalJobs registers entries. Unknown job names are rejected.
func (s *Scheduler) ScheduleInternalJobs(entries []Entry) error {
	for _, e := range entries {
		if !jobs.Valid(e.Job) {
			return fmt.Errorf("unknown job %q", e.Job)
		}
		job := e.Job
		if err := s.AddJob(e.Spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
			defer cancel()
			s.fire(ctx, job)
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", job, err)
		}
		slog.Info("Scheduler scheduled internal job", "job", job, "spec", e.Spec)
	}
	return nil
}

func minuteKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04")
}

// fire enqueues job unless it already fired this minute. It reports whether a job was queued.
func (s *Scheduler) fire(ctx context.Context, job string) bool {
	key := minuteKey(s.now())
	s.mu.Lock()
	if s.lastRun[job] == key {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	ok, res, err := jobs.Enqueue(ctx, s.dispatcher, job, "scheduler", nil, job+":"+key)
	if err != nil {
		slog.Error("Scheduler enqueue failed", "error", err, "job", job)
		return false
	}
	if !ok {
		slog.Warn("Scheduler has no queue backend, job not enqueued", "job", job)
		return false
	}

	s.mu.Lock()
	s.lastRun[job] = key
	s.mu.Unlock()
	if !res.Duplicate {
		metrics.SchedulerEnqueued.WithLabelValues(job).Inc()
	}
	slog.Info("Scheduler queued internal job", "job", job, "job_id", res.JobID, "duplicate", res.Duplicate)
	return true
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
