// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tendant/simple-docworker/internal/app"
	"github.com/tendant/simple-docworker/internal/bus"
	"github.com/tendant/simple-docworker/internal/config"
	"github.com/tendant/simple-docworker/internal/logger"
	"github.com/tendant/simple-docworker/internal/metrics"
	"github.com/tendant/simple-docworker/internal/notify"
	"github.com/tendant/simple-docworker/internal/worker"
)

// runner is a task transport draining the queue until ctx ends.
type runner interface {
	Run(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal(slog.Default(), "load config", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if cfg.Queue.Backend == config.QueueLocal {
		fatal(log, "unsupported queue backend", errors.New("QUEUE_BACKEND=local runs workers inside cmd/api"))
	}
	log.Info("worker starting",
		"queue_backend", cfg.Queue.Backend,
		"store_backend", cfg.Store.Backend,
		"storage_backend", cfg.Storage.Backend,
		"ai_provider", cfg.AI.Provider,
		"concurrency", cfg.Worker.Concurrency,
		"max_attempts", cfg.Worker.MaxAttempts,
		"attempt_timeout", cfg.Worker.AttemptTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	jobs, err := app.OpenStore(ctx, cfg.Store)
	if err != nil {
		fatal(log, "open job store", err, "backend", cfg.Store.Backend)
	}
	defer jobs.Close()
	log.Info("job store ready", "backend", cfg.Store.Backend)

	files, err := app.OpenStorage(ctx, cfg.Storage)
	if err != nil {
		fatal(log, "open document storage", err, "backend", cfg.Storage.Backend)
	}
	log.Info("document storage ready", "backend", files.Name())

	// notifications always travel over core NATS
	nc, err := bus.Connect(cfg.Queue.NATSURL, "docworker-worker", log)
	if err != nil {
		fatal(log, "connect to NATS", err, "nats_url", cfg.Queue.NATSURL)
	}
	defer nc.Close()
	log.Info("connected to NATS", "nats_url", cfg.Queue.NATSURL)

	publisher := notify.NewChannelPublisher(nc, log, m)
	exec, err := app.NewExecutor(ctx, cfg, jobs, files, publisher, log, m)
	if err != nil {
		fatal(log, "build executor", err, "ai_provider", cfg.AI.Provider)
	}

	var (
		transport runner
		queue     worker.Queue
	)
	switch cfg.Queue.Backend {
	case config.QueueNATS:
		js, err := nc.JetStream()
		if err != nil {
			fatal(log, "open JetStream", err)
		}
		consumer, err := bus.EnsureStream(ctx, js, app.StreamConfig(cfg))
		if err != nil {
			fatal(log, "ensure task stream", err, "stream", cfg.Queue.Stream, "subject", cfg.Queue.Subject)
		}
		queue = worker.NewJetStreamQueue(js, cfg.Queue.Subject)
		transport = worker.NewJetStreamConsumer(consumer, exec, cfg.Worker.Concurrency, cfg.Worker.AttemptTimeout, log)
		log.Info("listening for tasks", "stream", cfg.Queue.Stream, "subject", cfg.Queue.Subject, "durable", cfg.Queue.Durable)
	case config.QueueAsynq:
		opt, err := asynq.ParseRedisURI(cfg.Queue.RedisURL)
		if err != nil {
			fatal(log, "parse QUEUE_REDIS_URL", err)
		}
		aq := worker.NewAsynqQueue(opt, cfg.Queue.AsynqQueue)
		defer aq.Close()
		queue = aq
		transport = worker.NewAsynqServer(opt, aq, exec, cfg.Worker.Concurrency, cfg.Worker.AttemptTimeout, log)
		log.Info("listening for tasks", "asynq_queue", cfg.Queue.AsynqQueue)
	}

	recovery := worker.NewRecovery(jobs, queue, cfg.Worker.StaleAfter, cfg.Worker.RecoveryBatch, log, m)
	if err := recovery.Start(ctx, cfg.Worker.RecoverySchedule); err != nil {
		fatal(log, "start recovery", err)
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "err", err, "addr", cfg.MetricsAddr)
		}
	}()

	if err := transport.Run(ctx); err != nil {
		fatal(log, "run task transport", err)
	}

	log.Info("worker shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	recovery.Stop(shutdownCtx)
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", "err", err)
	}
	log.Info("worker stopped")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
