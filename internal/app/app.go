// Package app builds the shared dependencies of the binaries from config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-docworker/internal/analyzer"
	"github.com/tendant/simple-docworker/internal/bus"
	"github.com/tendant/simple-docworker/internal/config"
	"github.com/tendant/simple-docworker/internal/extract"
	"github.com/tendant/simple-docworker/internal/metrics"
	"github.com/tendant/simple-docworker/internal/notify"
	"github.com/tendant/simple-docworker/internal/storage"
	"github.com/tendant/simple-docworker/internal/store"
	"github.com/tendant/simple-docworker/internal/worker"
)

// OpenStore opens the configured job store.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.StoreBadger:
		return store.OpenBadger(cfg.BadgerPath)
	case config.StorePostgres:
		return store.OpenPostgres(ctx, store.PostgresConfig{DSN: cfg.DatabaseURL})
	case config.StoreRedis:
		return store.OpenRedis(ctx, cfg.RedisURL, cfg.RedisTTL)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// OpenStorage returns the resolver for uploaded documents.
func OpenStorage(ctx context.Context, cfg config.StorageConfig) (storage.Resolver, error) {
	switch cfg.Backend {
	case config.StorageLocal:
		return storage.NewLocalResolver(cfg.UploadDir)
	case config.StorageS3:
		return storage.NewS3Resolver(ctx, storage.S3Config{
			Endpoint:        cfg.Endpoint,
			AccessKey:       cfg.AccessKey,
			SecretKey:       cfg.SecretKey,
			Region:          cfg.Region,
			Bucket:          cfg.Bucket,
			CacheDir:        cfg.CacheDir,
			DownloadTimeout: cfg.DownloadTimeout,
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func ExtractConfig(cfg config.OCRConfig) extract.Config {
	return extract.Config{
		Pdftotext: cfg.Pdftotext,
		Pdftoppm:  cfg.Pdftoppm,
		Tesseract: cfg.Tesseract,
		Lang:      cfg.Lang,
		DPI:       cfg.DPI,
		MaxPages:  cfg.MaxPages,
	}
}

func RetryPolicy(cfg config.WorkerConfig) worker.RetryPolicy {
	return worker.RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.BaseDelay,
		RateLimitDelay: cfg.RateLimitDelay,
	}
}

// NewExecutor wires extraction, the configured provider and the retry policy
// into a worker executor.
func NewExecutor(ctx context.Context, cfg config.Config, s store.Store, r storage.Resolver, pub notify.Publisher, l *slog.Logger, m *metrics.Metrics) (*worker.Executor, error) {
	ext := extract.New(ExtractConfig(cfg.OCR), l)
	a, err := analyzer.New(ctx, cfg.AI, ext, l)
	if err != nil {
		return nil, err
	}
	return worker.NewExecutor(s, r, a, pub,
		worker.WithPolicy(RetryPolicy(cfg.Worker)),
		worker.WithLogger(l),
		worker.WithMetrics(m),
	), nil
}

// StreamConfig keeps AckWait above the attempt timeout so a running attempt
// is never redelivered.
func StreamConfig(cfg config.Config) bus.StreamConfig {
	return bus.StreamConfig{
		Stream:  cfg.Queue.Stream,
		Subject: cfg.Queue.Subject,
		Durable: cfg.Queue.Durable,
		AckWait: cfg.Worker.AttemptTimeout + time.Minute,
	}
}
