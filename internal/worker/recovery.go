package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tendant/simple-docworker/internal/logger"
	"github.com/tendant/simple-docworker/internal/metrics"
	"github.com/tendant/simple-docworker/internal/store"
)

// Recovery re-enqueues jobs that stopped making progress: Pending jobs whose
// enqueue was lost and Processing jobs whose worker died mid-attempt.
type Recovery struct {
	store      store.Store
	queue      Queue
	staleAfter time.Duration
	batch      int
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	cron       *cron.Cron
}

func NewRecovery(s store.Store, q Queue, staleAfter time.Duration, batch int, l *slog.Logger, m *metrics.Metrics) *Recovery {
	if l == nil {
		l = slog.Default()
	}
	if batch <= 0 {
		batch = 100
	}
	return &Recovery{
		store:      s,
		queue:      q,
		staleAfter: staleAfter,
		batch:      batch,
		logger:     l.With(logger.Scope("recovery")),
		metrics:    m,
		now:        time.Now,
	}
}

// Sweep runs one pass and returns how many jobs were re-enqueued.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleAfter)
	jobs, err := r.store.ListStale(ctx, cutoff, r.batch)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	n := 0
	for _, job := range jobs {
		// keyed on the last update so a stuck job is not enqueued twice for
		// the same state
		corr := "recover-" + strconv.FormatInt(job.UpdatedAt.UnixNano(), 36)
		if err := r.queue.Enqueue(ctx, job.ID, corr); err != nil {
			r.logger.Warn("re-enqueue stale job failed", "job_id", job.ID, "err", err)
			continue
		}
		r.logger.Info("re-enqueued stale job", "job_id", job.ID, "status", job.Status, "attempts", job.AttemptCount, "updated_at", job.UpdatedAt)
		n++
	}
	r.metrics.Recovered(n)
	return n, nil
}

// Start schedules Sweep with a cron spec such as "@every 5m".
func (r *Recovery) Start(ctx context.Context, schedule string) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(schedule, func() {
		n, err := r.Sweep(ctx)
		if err != nil {
			r.logger.Error("recovery sweep failed", "err", err)
			return
		}
		if n > 0 {
			r.logger.Info("recovery sweep done", "requeued", n)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule recovery %q: %w", schedule, err)
	}
	r.cron.Start()
	r.logger.Info("recovery scheduled", "schedule", schedule, "stale_after", r.staleAfter)
	return nil
}

// Stop waits for a running sweep to finish or ctx to expire.
func (r *Recovery) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
		r.logger.Warn("recovery stop timed out")
	}
}
