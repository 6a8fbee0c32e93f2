package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job states kept in the Redis job record.
const (
	redisStateWaiting = "waiting"
	redisStateDelayed = "delayed"
	redisStateActive  = "active"
	redisStateDone    = "done"
	redisStateFailed  = "failed"
)

// RedisBackend implements Backend on Redis lists and sorted sets.
//
// Keys per queue:
//
//	<prefix>:<queue>:job:<id>   JSON job record, created with SETNX (id dedup)
//	<prefix>:<queue>:wait       list of ready job ids (LPUSH / RPOPLPUSH)
//	<prefix>:<queue>:active     list of claimed job ids
//	<prefix>:<queue>:delayed    zset of job ids scored by run time (unix ms)
//	<prefix>:<queue>:failed     zset of failed job ids scored by failure time
//
// Finished job records are kept for CompletedTTL and FailedTTL so that late duplicates of
// the same id are still rejected.
type RedisBackend struct {
	client       *redis.Client
	prefix       string
	CompletedTTL time.Duration
	FailedTTL    time.Duration
	now          func() time.Time
}

type redisJob struct {
	Job
	State     string     `json:"state"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a backend on client. prefix defaults to "rocha-turbo".
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "rocha-turbo"
	}
	return &RedisBackend{
		client:       client,
		prefix:       prefix,
		CompletedTTL: 24 * time.Hour,
		FailedTTL:    7 * 24 * time.Hour,
		now:          time.Now,
	}
}

// NewRedisBackendFromURL parses a redis:// or rediss:// URL and pings the server.
func NewRedisBackendFromURL(ctx context.Context, url, prefix string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Info("RedisBackend connected", "addr", opts.Addr, "db", opts.DB, "prefix", prefix)
	return NewRedisBackend(client, prefix), nil
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) key(queue, part string) string {
	return b.prefix + ":" + queue + ":" + part
}

func (b *RedisBackend) jobKey(queue, id string) string {
	return b.key(queue, "job:"+id)
}

func (b *RedisBackend) Add(ctx context.Context, job Job, delay time.Duration) (bool, error) {
	rec := redisJob{Job: job, State: redisStateWaiting}
	if delay > 0 {
		rec.State = redisStateDelayed
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}
	ok, err := b.client.SetNX(ctx, b.jobKey(job.Queue, job.ID), data, 0).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if delay > 0 {
		runAt := b.now().Add(delay)
		err = b.client.ZAdd(ctx, b.key(job.Queue, "delayed"), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID}).Err()
	} else {
		err = b.client.LPush(ctx, b.key(job.Queue, "wait"), job.ID).Err()
	}
	if err != nil {
		return false, fmt.Errorf("schedule job %s: %w", job.ID, err)
	}
	return true, nil
}

// promote moves due delayed jobs to the wait list.
func (b *RedisBackend) promote(ctx context.Context, queue string) error {
	due, err := b.client.ZRangeByScore(ctx, b.key(queue, "delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(b.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range due {
		removed, err := b.client.ZRem(ctx, b.key(queue, "delayed"), id).Result()
		if err != nil {
			return err
		}
		// Another worker won the race.
		if removed == 0 {
			continue
		}
		if err := b.client.LPush(ctx, b.key(queue, "wait"), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBackend) load(ctx context.Context, queue, id string) (*redisJob, error) {
	data, err := b.client.Get(ctx, b.jobKey(queue, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec redisJob
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &rec, nil
}

func (b *RedisBackend) save(ctx context.Context, rec *redisJob, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return b.client.Set(ctx, b.jobKey(rec.Queue, rec.ID), data, ttl).Err()
}

func (b *RedisBackend) Claim(ctx context.Context, queue string, limit int) ([]Job, error) {
	if err := b.promote(ctx, queue); err != nil {
		return nil, fmt.Errorf("promote delayed jobs: %w", err)
	}
	var jobs []Job
	for len(jobs) < limit {
		id, err := b.client.RPopLPush(ctx, b.key(queue, "wait"), b.key(queue, "active")).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return jobs, err
		}
		rec, err := b.load(ctx, queue, id)
		if err != nil {
			return jobs, err
		}
		if rec == nil {
			slog.Warn("RedisBackend Claim dropped id without record", "queue", queue, "job_id", id)
			b.client.LRem(ctx, b.key(queue, "active"), 1, id)
			continue
		}
		now := b.now().UTC()
		rec.State = redisStateActive
		rec.Attempt++
		rec.ClaimedAt = &now
		if err := b.save(ctx, rec, 0); err != nil {
			return jobs, err
		}
		jobs = append(jobs, rec.Job)
	}
	return jobs, nil
}

// finish removes job from the active list and rewrites its record.
func (b *RedisBackend) finish(ctx context.Context, job Job, state, errMsg string, ttl time.Duration) (*redisJob, error) {
	if err := b.client.LRem(ctx, b.key(job.Queue, "active"), 1, job.ID).Err(); err != nil {
		return nil, err
	}
	rec, err := b.load(ctx, job.Queue, job.ID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &redisJob{Job: job}
	}
	rec.State = state
	rec.ClaimedAt = nil
	if errMsg != "" {
		rec.LastError = errMsg
	}
	if err := b.save(ctx, rec, ttl); err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *RedisBackend) Ack(ctx context.Context, job Job) error {
	_, err := b.finish(ctx, job, redisStateDone, "", b.CompletedTTL)
	return err
}

func (b *RedisBackend) Retry(ctx context.Context, job Job, delay time.Duration, errMsg string) error {
	if _, err := b.finish(ctx, job, redisStateDelayed, errMsg, 0); err != nil {
		return err
	}
	runAt := b.now().Add(delay)
	return b.client.ZAdd(ctx, b.key(job.Queue, "delayed"), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID}).Err()
}

func (b *RedisBackend) Fail(ctx context.Context, job Job, errMsg string) error {
	if _, err := b.finish(ctx, job, redisStateFailed, errMsg, b.FailedTTL); err != nil {
		return err
	}
	return b.client.ZAdd(ctx, b.key(job.Queue, "failed"), redis.Z{Score: float64(b.now().UnixMilli()), Member: job.ID}).Err()
}

func (b *RedisBackend) RecoverStale(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	ids, err := b.client.LRange(ctx, b.key(queue, "active"), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	cutoff := b.now().Add(-olderThan)
	recovered := 0
	for _, id := range ids {
		rec, err := b.load(ctx, queue, id)
		if err != nil {
			return recovered, err
		}
		if rec != nil && rec.ClaimedAt != nil && rec.ClaimedAt.After(cutoff) {
			continue
		}
		removed, err := b.client.LRem(ctx, b.key(queue, "active"), 1, id).Result()
		if err != nil {
			return recovered, err
		}
		if removed == 0 || rec == nil {
			continue
		}
		rec.State = redisStateWaiting
		rec.ClaimedAt = nil
		if err := b.save(ctx, rec, 0); err != nil {
			return recovered, err
		}
		if err := b.client.LPush(ctx, b.key(queue, "wait"), id).Err(); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		slog.Info("RedisBackend RecoverStale requeued jobs", "queue", queue, "count", recovered)
	}
	return recovered, nil
}

// Stats returns the wait, active, delayed and failed lengths of queue.
func (b *RedisBackend) Stats(ctx context.Context, queue string) (map[string]int64, error) {
	pipe := b.client.Pipeline()
	wait := pipe.LLen(ctx, b.key(queue, "wait"))
	active := pipe.LLen(ctx, b.key(queue, "active"))
	delayed := pipe.ZCard(ctx, b.key(queue, "delayed"))
	failed := pipe.ZCard(ctx, b.key(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return map[string]int64{
		"wait":    wait.Val(),
		"active":  active.Val(),
		"delayed": delayed.Val(),
		"failed":  failed.Val(),
	}, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
