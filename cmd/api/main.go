// cmd/api/main.go
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

	"github.com/tendant/simple-docworker/internal/api"
	"github.com/tendant/simple-docworker/internal/app"
	"github.com/tendant/simple-docworker/internal/bus"
	"github.com/tendant/simple-docworker/internal/config"
	"github.com/tendant/simple-docworker/internal/logger"
	"github.com/tendant/simple-docworker/internal/metrics"
	"github.com/tendant/simple-docworker/internal/notify"
	"github.com/tendant/simple-docworker/internal/status"
	"github.com/tendant/simple-docworker/internal/store"
	"github.com/tendant/simple-docworker/internal/submit"
	"github.com/tendant/simple-docworker/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal(slog.Default(), "load config", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	log.Info("api starting", "addr", cfg.HTTPAddr, "queue_backend", cfg.Queue.Backend, "store_backend", cfg.Store.Backend, "storage_backend", cfg.Storage.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	jobs, err := app.OpenStore(ctx, cfg.Store)
	if err != nil {
		fatal(log, "open job store", err, "backend", cfg.Store.Backend)
	}
	defer jobs.Close()

	files, err := app.OpenStorage(ctx, cfg.Storage)
	if err != nil {
		fatal(log, "open document storage", err, "backend", cfg.Storage.Backend)
	}

	checks := map[string]api.Check{
		"store": func(ctx context.Context) error {
			_, err := jobs.Get(ctx, "healthz")
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		},
	}

	var (
		watcher   api.Watcher
		publisher notify.Publisher = notify.Discard{}
	)
	nc, err := bus.Connect(cfg.Queue.NATSURL, "docworker-api", log)
	switch {
	case err == nil:
		defer nc.Close()
		watcher = nc
		publisher = notify.NewChannelPublisher(nc, log, m)
		checks["nats"] = func(context.Context) error {
			if !nc.Healthy() {
				return errors.New("disconnected")
			}
			return nil
		}
		log.Info("connected to NATS", "nats_url", cfg.Queue.NATSURL)
	case cfg.Queue.Backend == config.QueueLocal:
		log.Warn("NATS unavailable, notifications disabled", "nats_url", cfg.Queue.NATSURL, "err", err)
	default:
		fatal(log, "connect to NATS", err, "nats_url", cfg.Queue.NATSURL)
	}

	var queue submit.Queue
	switch cfg.Queue.Backend {
	case config.QueueNATS:
		js, err := nc.JetStream()
		if err != nil {
			fatal(log, "open JetStream", err)
		}
		if _, err := bus.EnsureStream(ctx, js, app.StreamConfig(cfg)); err != nil {
			fatal(log, "ensure task stream", err, "stream", cfg.Queue.Stream)
		}
		queue = worker.NewJetStreamQueue(js, cfg.Queue.Subject)
	case config.QueueAsynq:
		opt, err := asynq.ParseRedisURI(cfg.Queue.RedisURL)
		if err != nil {
			fatal(log, "parse QUEUE_REDIS_URL", err)
		}
		aq := worker.NewAsynqQueue(opt, cfg.Queue.AsynqQueue)
		defer aq.Close()
		queue = aq
	case config.QueueLocal:
		exec, err := app.NewExecutor(ctx, cfg, jobs, files, publisher, log, m)
		if err != nil {
			fatal(log, "build executor", err, "ai_provider", cfg.AI.Provider)
		}
		lq := worker.NewLocalQueue(exec, cfg.Worker.Concurrency, cfg.Worker.AttemptTimeout, log)
		go func() { _ = lq.Run(ctx) }()
		recovery := worker.NewRecovery(jobs, lq, cfg.Worker.StaleAfter, cfg.Worker.RecoveryBatch, log, m)
		if err := recovery.Start(ctx, cfg.Worker.RecoverySchedule); err != nil {
			fatal(log, "start recovery", err)
		}
		defer recovery.Stop(context.Background())
		queue = lq
		log.Info("running workers in process", "concurrency", cfg.Worker.Concurrency)
	}

	e := api.New(api.Deps{
		Uploader:       submit.New(jobs, files, queue, log, m),
		Status:         status.NewService(jobs, log, m),
		Jobs:           jobs,
		Files:          files,
		Watcher:        watcher,
		Checks:         checks,
		Metrics:        m.Handler(),
		Logger:         log,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := e.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(log, "http server", err, "addr", cfg.HTTPAddr)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
