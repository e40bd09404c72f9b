// cmd/requeue/main.go
//
// requeue hands stuck jobs back to the task queue. Without -ids it runs one
// recovery sweep over jobs idle longer than -stale-after.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tendant/simple-docworker/internal/app"
	"github.com/tendant/simple-docworker/internal/bus"
	"github.com/tendant/simple-docworker/internal/config"
	"github.com/tendant/simple-docworker/internal/logger"
	"github.com/tendant/simple-docworker/internal/store"
	"github.com/tendant/simple-docworker/internal/worker"
)

type options struct {
	IDs        []string
	StaleAfter time.Duration
	Limit      int
	DryRun     bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal(slog.Default(), "load config", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	opts, err := parseFlags(os.Args[1:], cfg.Worker)
	if err != nil {
		fatal(log, "parse flags", err)
	}
	log.Info("requeue starting", "ids", len(opts.IDs), "stale_after", opts.StaleAfter, "limit", opts.Limit, "dry_run", opts.DryRun, "queue_backend", cfg.Queue.Backend)

	ctx := context.Background()
	jobs, err := app.OpenStore(ctx, cfg.Store)
	if err != nil {
		fatal(log, "open job store", err, "backend", cfg.Store.Backend)
	}
	defer jobs.Close()

	if opts.DryRun {
		stale, err := jobs.ListStale(ctx, time.Now().Add(-opts.StaleAfter), opts.Limit)
		if err != nil {
			fatal(log, "list stale jobs", err)
		}
		for _, j := range stale {
			fmt.Printf("%s\t%s\tattempts=%d\tupdated=%s\n", j.ID, j.Status, j.AttemptCount, j.UpdatedAt.Format(time.RFC3339))
		}
		log.Info("dry run complete", "stale", len(stale))
		return
	}

	queue, closeQueue, err := openQueue(ctx, cfg, log)
	if err != nil {
		fatal(log, "open task queue", err, "backend", cfg.Queue.Backend)
	}
	defer closeQueue()

	if len(opts.IDs) > 0 {
		n := requeueIDs(ctx, jobs, queue, opts.IDs, time.Now(), log)
		log.Info("requeue complete", "requeued", n, "requested", len(opts.IDs))
		return
	}

	n, err := worker.NewRecovery(jobs, queue, opts.StaleAfter, opts.Limit, log, nil).Sweep(ctx)
	if err != nil {
		fatal(log, "recovery sweep", err)
	}
	log.Info("requeue complete", "requeued", n)
}

func parseFlags(args []string, wc config.WorkerConfig) (options, error) {
	fs := flag.NewFlagSet("requeue", flag.ContinueOnError)
	ids := fs.String("ids", "", "Comma separated job ids to requeue")
	staleAfter := fs.Duration("stale-after", wc.StaleAfter, "Requeue non-terminal jobs idle for longer than this")
	limit := fs.Int("limit", wc.RecoveryBatch, "Maximum jobs per sweep")
	dryRun := fs.Bool("dry-run", false, "List stale jobs without enqueueing")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if *limit <= 0 {
		return options{}, fmt.Errorf("limit must be greater than zero (got %d)", *limit)
	}
	if *staleAfter <= 0 {
		return options{}, fmt.Errorf("stale-after must be greater than zero (got %s)", *staleAfter)
	}

	o := options{StaleAfter: *staleAfter, Limit: *limit, DryRun: *dryRun}
	for _, id := range strings.Split(*ids, ",") {
		if id = strings.TrimSpace(id); id != "" {
			o.IDs = append(o.IDs, id)
		}
	}
	return o, nil
}

// requeueIDs enqueues the named jobs, skipping unknown and terminal ones.
func requeueIDs(ctx context.Context, s store.Store, q worker.Queue, ids []string, now time.Time, log *slog.Logger) int {
	corr := "manual-" + strconv.FormatInt(now.Unix(), 36)
	n := 0
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("job not found", "job_id", id)
			continue
		}
		if err != nil {
			log.Error("load job failed", "job_id", id, "err", err)
			continue
		}
		if job.Status.Terminal() {
			log.Info("skipping terminal job", "job_id", id, "status", job.Status)
			continue
		}
		if err := q.Enqueue(ctx, id, corr); err != nil {
			log.Error("enqueue failed", "job_id", id, "err", err)
			continue
		}
		log.Info("requeued", "job_id", id, "status", job.Status, "attempts", job.AttemptCount)
		n++
	}
	return n
}

func openQueue(ctx context.Context, cfg config.Config, log *slog.Logger) (worker.Queue, func(), error) {
	switch cfg.Queue.Backend {
	case config.QueueNATS:
		nc, err := bus.Connect(cfg.Queue.NATSURL, "docworker-requeue", log)
		if err != nil {
			return nil, nil, err
		}
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		if _, err := bus.EnsureStream(ctx, js, app.StreamConfig(cfg)); err != nil {
			nc.Close()
			return nil, nil, err
		}
		return worker.NewJetStreamQueue(js, cfg.Queue.Subject), nc.Close, nil
	case config.QueueAsynq:
		opt, err := asynq.ParseRedisURI(cfg.Queue.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		q := worker.NewAsynqQueue(opt, cfg.Queue.AsynqQueue)
		return q, func() { _ = q.Close() }, nil
	}
	return nil, nil, fmt.Errorf("queue backend %q has no external queue", cfg.Queue.Backend)
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
