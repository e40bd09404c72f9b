// Package config loads process configuration from the environment, with an
// optional .env file applied first.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreBadger   = "badger"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	StorageLocal = "local"
	StorageS3    = "s3"

	QueueNATS  = "nats"
	QueueAsynq = "asynq"
	// QueueLocal runs the workers inside the API process.
	QueueLocal = "local"

	ProviderGemini = "gemini"
	ProviderClaude = "claude"
	ProviderOllama = "ollama"
)

type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	Queue   QueueConfig
	Worker  WorkerConfig
	Store   StoreConfig
	Storage StorageConfig
	AI      AIConfig
	OCR     OCRConfig
}

// QueueConfig selects the task transport. Notifications always go over NATS.
type QueueConfig struct {
	Backend    string `env:"QUEUE_BACKEND" envDefault:"nats"`
	NATSURL    string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	Stream     string `env:"TASK_STREAM" envDefault:"DOCWORKER_TASKS"`
	Subject    string `env:"TASK_SUBJECT" envDefault:"docworker.tasks"`
	Durable    string `env:"WORKER_DURABLE" envDefault:"docworker"`
	RedisURL   string `env:"QUEUE_REDIS_URL" envDefault:"redis://127.0.0.1:6379/0"`
	AsynqQueue string `env:"ASYNQ_QUEUE" envDefault:"documents"`
}

type WorkerConfig struct {
	Concurrency      int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	AttemptTimeout   time.Duration `env:"ATTEMPT_TIMEOUT" envDefault:"10m"`
	MaxAttempts      int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay        time.Duration `env:"RETRY_BASE_DELAY" envDefault:"60s"`
	RateLimitDelay   time.Duration `env:"RATE_LIMIT_DELAY" envDefault:"120s"`
	StaleAfter       time.Duration `env:"STALE_AFTER" envDefault:"30m"`
	RecoverySchedule string        `env:"RECOVERY_SCHEDULE" envDefault:"@every 5m"`
	RecoveryBatch    int           `env:"RECOVERY_BATCH" envDefault:"100"`
}

type StoreConfig struct {
	Backend     string        `env:"STORE_BACKEND" envDefault:"badger"`
	BadgerPath  string        `env:"BADGER_PATH" envDefault:"./data/jobs"`
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"STORE_REDIS_URL" envDefault:"redis://127.0.0.1:6379/1"`
	RedisTTL    time.Duration `env:"STORE_REDIS_TTL" envDefault:"168h"`
}

type StorageConfig struct {
	Backend         string        `env:"STORAGE_BACKEND" envDefault:"local"`
	UploadDir       string        `env:"UPLOAD_DIR" envDefault:"./data/uploads"`
	CacheDir        string        `env:"CACHE_DIR" envDefault:"./data/cache"`
	DownloadTimeout time.Duration `env:"STORAGE_DOWNLOAD_TIMEOUT" envDefault:"2m"`
	Endpoint        string        `env:"STORAGE_ENDPOINT"`
	AccessKey       string        `env:"STORAGE_ACCESS_KEY"`
	SecretKey       string        `env:"STORAGE_SECRET_KEY"`
	Region          string        `env:"STORAGE_REGION" envDefault:"us-east-1"`
	Bucket          string        `env:"STORAGE_BUCKET" envDefault:"documents"`
	MaxUploadBytes  int64         `env:"MAX_UPLOAD_BYTES" envDefault:"52428800"`
}

type AIConfig struct {
	Provider          string `env:"AI_PROVIDER" envDefault:"gemini"`
	GeminiAPIKey      string `env:"GEMINI_API_KEY"`
	GeminiModel       string `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	AnthropicAPIKey   string `env:"ANTHROPIC_API_KEY"`
	ClaudeModel       string `env:"CLAUDE_MODEL" envDefault:"claude-3-5-haiku-latest"`
	ClaudeMaxTokens   int    `env:"CLAUDE_MAX_TOKENS" envDefault:"1024"`
	OllamaBaseURL     string `env:"OLLAMA_BASE_URL" envDefault:"http://localhost:11434"`
	OllamaModel       string `env:"OLLAMA_MODEL" envDefault:"llama3.2"`
	RequestsPerMinute int    `env:"AI_REQUESTS_PER_MINUTE" envDefault:"15"`
	MinTextLength     int    `env:"MIN_TEXT_LENGTH" envDefault:"50"`
	MaxPromptChars    int    `env:"MAX_PROMPT_CHARS" envDefault:"8000"`
}

type OCRConfig struct {
	Pdftotext string `env:"PDFTOTEXT_BIN" envDefault:"pdftotext"`
	Pdftoppm  string `env:"PDFTOPPM_BIN" envDefault:"pdftoppm"`
	Tesseract string `env:"TESSERACT_BIN" envDefault:"tesseract"`
	Lang      string `env:"OCR_LANG" envDefault:"eng"`
	DPI       int    `env:"OCR_DPI" envDefault:"300"`
	MaxPages  int    `env:"OCR_MAX_PAGES" envDefault:"0"`
}

// Load reads .env (if present) and the environment, then validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the environment without touching .env files.
func Parse() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.AI.Provider = strings.ToLower(strings.TrimSpace(c.AI.Provider))
}

func (c Config) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"WORKER_CONCURRENCY", c.Worker.Concurrency},
		{"MAX_ATTEMPTS", c.Worker.MaxAttempts},
		{"RECOVERY_BATCH", c.Worker.RecoveryBatch},
		{"AI_REQUESTS_PER_MINUTE", c.AI.RequestsPerMinute},
		{"MIN_TEXT_LENGTH", c.AI.MinTextLength},
		{"MAX_PROMPT_CHARS", c.AI.MaxPromptChars},
		{"OCR_DPI", c.OCR.DPI},
	}
	for _, check := range checks {
		if err := positive(check.name, check.value); err != nil {
			return err
		}
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"ATTEMPT_TIMEOUT", c.Worker.AttemptTimeout},
		{"RETRY_BASE_DELAY", c.Worker.BaseDelay},
		{"RATE_LIMIT_DELAY", c.Worker.RateLimitDelay},
		{"STALE_AFTER", c.Worker.StaleAfter},
		{"STORAGE_DOWNLOAD_TIMEOUT", c.Storage.DownloadTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be greater than zero (got %s)", d.name, d.value)
		}
	}

	if err := oneOf("QUEUE_BACKEND", c.Queue.Backend, QueueNATS, QueueAsynq, QueueLocal); err != nil {
		return err
	}
	if err := oneOf("STORE_BACKEND", c.Store.Backend, StoreBadger, StorePostgres, StoreRedis); err != nil {
		return err
	}
	if err := oneOf("STORAGE_BACKEND", c.Storage.Backend, StorageLocal, StorageS3); err != nil {
		return err
	}
	if err := oneOf("AI_PROVIDER", c.AI.Provider, ProviderGemini, ProviderClaude, ProviderOllama); err != nil {
		return err
	}

	if c.Store.Backend == StorePostgres && c.Store.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=%s", StorePostgres)
	}
	if c.Storage.Backend == StorageS3 && (c.Storage.Endpoint == "" || c.Storage.AccessKey == "" || c.Storage.SecretKey == "") {
		return fmt.Errorf("STORAGE_ENDPOINT, STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY are required when STORAGE_BACKEND=%s", StorageS3)
	}
	return nil
}

func positive(name string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return nil
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (expected one of: %s)", name, value, strings.Join(allowed, ", "))
}
