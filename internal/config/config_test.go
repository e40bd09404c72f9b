package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Queue.NATSURL)
	assert.Equal(t, QueueNATS, cfg.Queue.Backend)
	assert.Equal(t, "docworker.tasks", cfg.Queue.Subject)
	assert.Equal(t, StoreBadger, cfg.Store.Backend)
	assert.Equal(t, StorageLocal, cfg.Storage.Backend)
	assert.Equal(t, ProviderGemini, cfg.AI.Provider)
	assert.Equal(t, "gemini-2.0-flash", cfg.AI.GeminiModel)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Worker.BaseDelay)
	assert.Equal(t, 120*time.Second, cfg.Worker.RateLimitDelay)
	assert.Equal(t, 2*time.Minute, cfg.Storage.DownloadTimeout)
	assert.Equal(t, 50, cfg.AI.MinTextLength)
	assert.Equal(t, 8000, cfg.AI.MaxPromptChars)
}

func TestParseNormalizesBackends(t *testing.T) {
	t.Setenv("AI_PROVIDER", " Ollama ")
	t.Setenv("STORE_BACKEND", "REDIS")
	t.Setenv("QUEUE_BACKEND", "Local")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, cfg.AI.Provider)
	assert.Equal(t, StoreRedis, cfg.Store.Backend)
	assert.Equal(t, QueueLocal, cfg.Queue.Backend)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"non numeric concurrency", map[string]string{"WORKER_CONCURRENCY": "many"}},
		{"zero concurrency", map[string]string{"WORKER_CONCURRENCY": "0"}},
		{"negative attempts", map[string]string{"MAX_ATTEMPTS": "-1"}},
		{"unknown provider", map[string]string{"AI_PROVIDER": "openai"}},
		{"unknown store", map[string]string{"STORE_BACKEND": "sqlite"}},
		{"unknown queue", map[string]string{"QUEUE_BACKEND": "kafka"}},
		{"postgres without url", map[string]string{"STORE_BACKEND": "postgres"}},
		{"s3 without credentials", map[string]string{"STORAGE_BACKEND": "s3"}},
		{"zero timeout", map[string]string{"ATTEMPT_TIMEOUT": "0s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Parse()
			assert.Error(t, err)
		})
	}
}

func TestParseS3Configured(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("STORAGE_ENDPOINT", "http://minio:9000")
	t.Setenv("STORAGE_ACCESS_KEY", "minio")
	t.Setenv("STORAGE_SECRET_KEY", "minio123")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, "documents", cfg.Storage.Bucket)
	assert.Equal(t, "us-east-1", cfg.Storage.Region)
}
