// Package analyzer turns a local document into raw text plus an AI summary.
//
// Text extraction is shared; the summarizing backend (Gemini, Claude or a
// local Ollama model) is chosen once at construction.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/tendant/simple-docworker/internal/config"
	"github.com/tendant/simple-docworker/internal/extract"
	"github.com/tendant/simple-docworker/internal/failure"
	"github.com/tendant/simple-docworker/pkg/schema"
)

const summaryPrompt = "Analyze this document and provide a professional 4-bullet point summary."

// Report is everything an analysis produces for one document.
type Report struct {
	RawText  string
	Analysis schema.Analysis
}

type Analyzer interface {
	Process(ctx context.Context, path, contentType string) (Report, error)
	Name() string
}

// TextExtractor is satisfied by *extract.Extractor.
type TextExtractor interface {
	Extract(ctx context.Context, path, contentType string) (extract.Result, error)
}

// Document is what a Summarizer gets to work with. Text is always populated;
// file-based backends may prefer Path.
type Document struct {
	Path        string
	ContentType string
	Text        string
}

// Summarizer is a single call to an AI backend. Errors are returned raw;
// classification happens in the analyzer.
type Summarizer interface {
	Name() string
	Summarize(ctx context.Context, doc Document) (string, error)
}

type Options struct {
	// MinTextLength is the least amount of trimmed text worth summarizing.
	MinTextLength int
	// RequestsPerMinute spaces outbound calls; zero disables the limiter.
	RequestsPerMinute int
	Retry             RetryConfig
	Logger            *slog.Logger
}

// DocumentAnalyzer extracts text and summarizes it with one backend.
type DocumentAnalyzer struct {
	extractor  TextExtractor
	summarizer Summarizer
	limiter    *rate.Limiter
	minText    int
	retry      RetryConfig
	sleep      func(context.Context, time.Duration) error
	logger     *slog.Logger
}

func NewDocumentAnalyzer(ext TextExtractor, s Summarizer, opts Options) *DocumentAnalyzer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MinTextLength <= 0 {
		opts.MinTextLength = 50
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryConfig()
	}
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}
	return &DocumentAnalyzer{
		extractor:  ext,
		summarizer: s,
		limiter:    rate.NewLimiter(limit, 1),
		minText:    opts.MinTextLength,
		retry:      opts.Retry,
		sleep:      sleepCtx,
		logger:     opts.Logger.With("provider", s.Name()),
	}
}

func (a *DocumentAnalyzer) Name() string { return a.summarizer.Name() }

func (a *DocumentAnalyzer) Process(ctx context.Context, path, contentType string) (Report, error) {
	res, err := a.extractor.Extract(ctx, path, contentType)
	if err != nil {
		var fe *failure.Error
		if errors.As(err, &fe) || failure.Interrupted(err) {
			return Report{}, err
		}
		return Report{}, failure.Processing(err, "extract text")
	}
	for _, w := range res.Warnings {
		a.logger.Warn("extraction warning", "path", path, "warning", w)
	}

	text := res.Text
	if n := len(strings.TrimSpace(text)); n < a.minText {
		return Report{}, failure.Processing(nil, "document text extraction failed or document is too short (%d chars)", n)
	}

	a.logger.Info("summarizing document",
		"path", path,
		"format", res.Format,
		"method", res.Method,
		"pages", res.Pages,
		"chars", len(text),
	)
	summary, err := a.summarize(ctx, Document{Path: path, ContentType: contentType, Text: text})
	if err != nil {
		return Report{}, err
	}
	return Report{RawText: text, Analysis: BuildAnalysis(text, summary, a.summarizer.Name())}, nil
}

// summarize calls the backend, retrying rate-limit responses with capped
// exponential backoff. A budget exhausted on rate limits surfaces as
// RateLimited. Unusable replies are already ProcessingErrors; transport and
// provider faults pass through unclassified.
func (a *DocumentAnalyzer) summarize(ctx context.Context, doc Document) (string, error) {
	var lastErr error
	for attempt := 0; attempt < a.retry.MaxAttempts; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("wait for rate limiter: %w", err)
		}

		summary, err := a.summarizer.Summarize(ctx, doc)
		if err == nil {
			return strings.TrimSpace(summary), nil
		}
		if failure.Interrupted(err) && ctx.Err() != nil {
			return "", err
		}
		if !IsRateLimit(err) {
			if failure.Is(err, failure.KindProcessing) {
				return "", err
			}
			return "", fmt.Errorf("%s summarize: %w", a.summarizer.Name(), err)
		}

		lastErr = err
		if attempt == a.retry.MaxAttempts-1 {
			break
		}
		wait := a.retry.Backoff(attempt, ExtractRetryDelay(err))
		a.logger.Warn("provider rate limited, backing off",
			"attempt", attempt+1,
			"max_attempts", a.retry.MaxAttempts,
			"backoff", wait,
		)
		if err := a.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
	return "", failure.RateLimited(lastErr, "%s rate limit persisted after %d attempts", a.summarizer.Name(), a.retry.MaxAttempts)
}

// BuildAnalysis derives the uniform analysis fields from the raw text.
func BuildAnalysis(rawText, summary, provider string) schema.Analysis {
	return schema.Analysis{
		Summary:                 summary,
		WordCount:               len(strings.Fields(rawText)),
		ContainsEmail:           strings.Contains(rawText, "@"),
		ContainsMonetaryMention: containsAny(rawText, "$", "USD", "NGN", "€"),
		ProviderID:              provider,
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// New builds the analyzer for the configured provider.
func New(ctx context.Context, cfg config.AIConfig, ext TextExtractor, logger *slog.Logger) (*DocumentAnalyzer, error) {
	var (
		s   Summarizer
		err error
	)
	switch cfg.Provider {
	case config.ProviderGemini:
		s, err = NewGeminiSummarizer(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case config.ProviderClaude:
		s = NewClaudeSummarizer(cfg.AnthropicAPIKey, cfg.ClaudeModel, cfg.ClaudeMaxTokens, cfg.MaxPromptChars)
	case config.ProviderOllama:
		s = NewOllamaSummarizer(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.MaxPromptChars)
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s summarizer: %w", cfg.Provider, err)
	}
	return NewDocumentAnalyzer(ext, s, Options{
		MinTextLength:     cfg.MinTextLength,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Logger:            logger,
	}), nil
}

// truncateText caps the prompt payload for text-based backends at max
// characters.
func truncateText(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "...(truncated)"
}

func textPrompt(text string) string {
	return summaryPrompt + "\n\nDocument content:\n" + text + "\n\nProvide ONLY the 4 bullet points, nothing else."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
