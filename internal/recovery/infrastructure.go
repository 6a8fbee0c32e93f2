package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rochaturbo/RochaTurbo/internal/queue"
)

// StaleJobRecovery releases queue jobs whose worker died while holding the claim.
type StaleJobRecovery struct {
	backend   queue.Backend
	queues    []string
	olderThan time.Duration
}

// NewStaleJobRecovery creates a recoverable for queues on backend.
func NewStaleJobRecovery(backend queue.Backend, olderThan time.Duration, queues ...string) *StaleJobRecovery {
	return &StaleJobRecovery{backend: backend, queues: queues, olderThan: olderThan}
}

func (r *StaleJobRecovery) Name() string { return "stale-jobs" }

func (r *StaleJobRecovery) Recover(ctx context.Context) error {
	if r.backend == nil {
		return nil
	}
	var failed int
	for _, q := range r.queues {
		n, err := r.backend.RecoverStale(ctx, q, r.olderThan)
		if err != nil {
			slog.Error("StaleJobRecovery failed", "error", err, "queue", q)
			failed++
			continue
		}
		if n > 0 {
			slog.Info("StaleJobRecovery released stale jobs", "queue", q, "count", n)
		}
	}
	if failed > 0 {
		return fmt.Errorf("stale job recovery failed for %d queues", failed)
	}
	return nil
}
