package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-docworker/internal/analyzer"
	"github.com/tendant/simple-docworker/internal/extract"
	"github.com/tendant/simple-docworker/internal/failure"
	"github.com/tendant/simple-docworker/internal/process"
	"github.com/tendant/simple-docworker/internal/store"
	"github.com/tendant/simple-docworker/pkg/schema"
)

type fakeResolver struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeResolver) Resolve(_ context.Context, job *process.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "/cache/" + job.ID + "/" + job.FileName, nil
}

type fakeAnalyzer struct {
	mu     sync.Mutex
	report analyzer.Report
	err    error
	calls  int
}

func (f *fakeAnalyzer) Name() string { return "fake" }

func (f *fakeAnalyzer) Process(context.Context, string, string) (analyzer.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.report, f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []schema.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, taskID string, n schema.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n.TaskID = taskID
	p.events = append(p.events, n)
}

func (p *recordingPublisher) statuses() []schema.NotificationStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schema.NotificationStatus, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Status)
	}
	return out
}

// failingStore wraps a store and fails selected operations.
type failingStore struct {
	store.Store
	failGet    bool
	failUpdate int
	updates    int
}

func (s *failingStore) Get(ctx context.Context, id string) (*process.Job, error) {
	if s.failGet {
		return nil, errors.New("connection reset")
	}
	return s.Store.Get(ctx, id)
}

func (s *failingStore) Update(ctx context.Context, id string, fn store.Mutation) (*process.Job, bool, error) {
	s.updates++
	if s.updates == s.failUpdate {
		return nil, false, errors.New("connection reset")
	}
	return s.Store.Update(ctx, id, fn)
}

type harness struct {
	store     store.Store
	resolver  *fakeResolver
	analyzer  *fakeAnalyzer
	publisher *recordingPublisher
	exec      *Executor
	clock     time.Time
}

var sampleAnalysis = schema.Analysis{
	Summary:                 "- one\n- two\n- three\n- four",
	WordCount:               42,
	ContainsEmail:           true,
	ContainsMonetaryMention: true,
	ProviderID:              "fake",
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{
		store:     s,
		resolver:  &fakeResolver{},
		analyzer:  &fakeAnalyzer{report: analyzer.Report{RawText: "raw text", Analysis: sampleAnalysis}},
		publisher: &recordingPublisher{},
		clock:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.build(h.store)
	return h
}

func (h *harness) build(s store.Store) {
	h.exec = NewExecutor(s, h.resolver, h.analyzer, h.publisher,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return h.clock }),
	)
}

func (h *harness) submit(t *testing.T, id string) {
	t.Helper()
	job := process.NewJob(id, id+"/report.pdf", process.Metadata{FileName: "report.pdf", ContentType: "application/pdf"}, h.clock)
	require.NoError(t, h.store.Create(context.Background(), job))
}

func (h *harness) job(t *testing.T, id string) *process.Job {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "doc-1")

	out := h.exec.Execute(context.Background(), "doc-1")
	assert.Equal(t, ActionAck, out.Action)
	assert.False(t, out.Duplicate)
	assert.Equal(t, 1, out.Attempt)

	j := h.job(t, "doc-1")
	assert.Equal(t, process.StatusCompleted, j.Status)
	assert.Equal(t, 1, j.AttemptCount)
	assert.Equal(t, "raw text", j.RawText)
	assert.Equal(t, "/cache/doc-1/report.pdf", j.LocalPath)
	require.NotNil(t, j.Result)
	assert.Equal(t, sampleAnalysis, *j.Result)
	require.NotNil(t, j.CompletedAt)

	require.Len(t, h.publisher.events, 1)
	ev := h.publisher.events[0]
	assert.Equal(t, schema.NotificationCompleted, ev.Status)
	assert.Equal(t, "doc-1", ev.TaskID)
	require.NotNil(t, ev.Analysis)
	assert.Equal(t, sampleAnalysis, *ev.Analysis)
}

func TestExecuteUnknownJobIsDropped(t *testing.T) {
	h := newHarness(t)
	out := h.exec.Execute(context.Background(), "missing")
	assert.Equal(t, ActionDrop, out.Action)
	assert.Equal(t, failure.KindNotFound, out.Kind)
	assert.Empty(t, h.publisher.events)
	assert.Zero(t, h.resolver.calls)
}

func TestExecuteAlwaysRateLimited(t *testing.T) {
	h := newHarness(t)
	h.analyzer.err = failure.RateLimited(errors.New("429"), "gemini rate limit persisted")
	h.submit(t, "doc-rl")

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		out := h.exec.Execute(context.Background(), "doc-rl")
		if out.Action == ActionRetry {
			delays = append(delays, out.Delay)
			assert.Equal(t, failure.KindRateLimited, out.Kind)
			assert.True(t, h.job(t, "doc-rl").RetryScheduled())
			h.clock = h.clock.Add(out.Delay)
			continue
		}
		assert.Equal(t, ActionAck, out.Action)
		assert.Equal(t, 3, out.Attempt)
	}

	assert.Equal(t, []time.Duration{120 * time.Second, 120 * time.Second}, delays)
	j := h.job(t, "doc-rl")
	assert.Equal(t, process.StatusFailed, j.Status)
	assert.Equal(t, 3, j.AttemptCount)
	assert.Nil(t, j.Result)
	assert.Equal(t, 3, h.analyzer.calls)
	assert.Equal(t, []schema.NotificationStatus{
		schema.NotificationRetrying,
		schema.NotificationRetrying,
		schema.NotificationFailed,
	}, h.publisher.statuses())
}

func TestExecuteGenericFailureBacksOffExponentially(t *testing.T) {
	h := newHarness(t)
	h.analyzer.err = errors.New("unexpected EOF")
	h.submit(t, "doc-gen")

	first := h.exec.Execute(context.Background(), "doc-gen")
	second := h.exec.Execute(context.Background(), "doc-gen")
	third := h.exec.Execute(context.Background(), "doc-gen")

	assert.Equal(t, 60*time.Second, first.Delay)
	assert.Equal(t, 120*time.Second, second.Delay)
	assert.Equal(t, ActionAck, third.Action)
	assert.Equal(t, failure.KindGeneric, third.Kind)
	assert.Equal(t, process.StatusFailed, h.job(t, "doc-gen").Status)
}

func TestExecuteShortDocumentFails(t *testing.T) {
	h := newHarness(t)
	// a real analyzer over a 10 character document
	summarizer := &countingSummarizer{}
	a := analyzer.NewDocumentAnalyzer(staticExtractor("0123456789"), summarizer, analyzer.Options{})
	h.exec = NewExecutor(h.store, h.resolver, a, h.publisher,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return h.clock }),
	)
	h.submit(t, "doc-short")

	var last Outcome
	for i := 0; i < 3; i++ {
		last = h.exec.Execute(context.Background(), "doc-short")
		assert.Equal(t, failure.KindProcessing, last.Kind)
	}
	assert.Equal(t, ActionAck, last.Action)

	j := h.job(t, "doc-short")
	assert.Equal(t, process.StatusFailed, j.Status)
	assert.Contains(t, j.LastError, "too short")
	assert.Zero(t, summarizer.calls)
	statuses := h.publisher.statuses()
	assert.Equal(t, schema.NotificationFailed, statuses[len(statuses)-1])
}

func TestExecuteInvalidFormatFailsImmediately(t *testing.T) {
	h := newHarness(t)
	h.analyzer.err = failure.Invalid(nil, "unsupported format .doc")
	h.submit(t, "doc-inv")

	out := h.exec.Execute(context.Background(), "doc-inv")
	assert.Equal(t, ActionAck, out.Action)
	assert.Equal(t, failure.KindInvalid, out.Kind)
	assert.Equal(t, process.StatusFailed, h.job(t, "doc-inv").Status)
	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, schema.FailureTypeValidation, h.publisher.events[0].FailureType)
}

func TestExecuteStorageFailsOnceThenCompletes(t *testing.T) {
	h := newHarness(t)
	h.resolver.errs = []error{errors.New("minio: connection refused")}
	h.submit(t, "doc-st")

	out := h.exec.Execute(context.Background(), "doc-st")
	assert.Equal(t, ActionRetry, out.Action)
	assert.Equal(t, failure.KindStorageUnavailable, out.Kind)
	assert.Equal(t, 60*time.Second, out.Delay)

	h.clock = h.clock.Add(out.Delay)
	out = h.exec.Execute(context.Background(), "doc-st")
	assert.Equal(t, ActionAck, out.Action)
	assert.Equal(t, 2, out.Attempt)

	j := h.job(t, "doc-st")
	assert.Equal(t, process.StatusCompleted, j.Status)
	assert.Equal(t, 2, j.AttemptCount)
	assert.Nil(t, j.NextAttemptAt)

	completed := 0
	for _, ev := range h.publisher.events {
		if ev.Status == schema.NotificationCompleted {
			completed++
			require.NotNil(t, ev.Analysis)
		}
	}
	assert.Equal(t, 1, completed)
}

func TestExecuteDuplicateDeliveryOfCompletedJob(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "doc-dup")
	require.Equal(t, ActionAck, h.exec.Execute(context.Background(), "doc-dup").Action)
	before := h.job(t, "doc-dup")
	events := len(h.publisher.events)

	h.clock = h.clock.Add(time.Hour)
	out := h.exec.Execute(context.Background(), "doc-dup")
	assert.Equal(t, ActionAck, out.Action)
	assert.True(t, out.Duplicate)

	assert.Equal(t, before, h.job(t, "doc-dup"))
	assert.Len(t, h.publisher.events, events)
	assert.Equal(t, 1, h.analyzer.calls)
}

func TestExecuteConcurrentDeliveriesCompleteOnce(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "doc-race")

	// duplicates share the attempt budget, so stay within it
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.exec.Execute(context.Background(), "doc-race")
		}()
	}
	wg.Wait()

	assert.Equal(t, process.StatusCompleted, h.job(t, "doc-race").Status)
	completed := 0
	for _, s := range h.publisher.statuses() {
		if s == schema.NotificationCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestExecuteStoreOutages(t *testing.T) {
	t.Run("load", func(t *testing.T) {
		h := newHarness(t)
		h.submit(t, "doc-o1")
		h.build(&failingStore{Store: h.store, failGet: true})

		out := h.exec.Execute(context.Background(), "doc-o1")
		assert.Equal(t, ActionRetry, out.Action)
		assert.Equal(t, process.StatusPending, h.job(t, "doc-o1").Status)
		assert.Empty(t, h.publisher.events)
	})

	t.Run("complete", func(t *testing.T) {
		h := newHarness(t)
		h.submit(t, "doc-o2")
		// update #1 begins the attempt, #2 is the completion write
		h.build(&failingStore{Store: h.store, failUpdate: 2})

		out := h.exec.Execute(context.Background(), "doc-o2")
		assert.Equal(t, ActionRetry, out.Action)
		assert.Equal(t, failure.KindGeneric, out.Kind)
		j := h.job(t, "doc-o2")
		assert.Equal(t, process.StatusProcessing, j.Status)
		assert.Nil(t, j.Result)
		assert.Equal(t, []schema.NotificationStatus{schema.NotificationRetrying}, h.publisher.statuses())
	})

	t.Run("budget spent after failed fail write", func(t *testing.T) {
		h := newHarness(t)
		h.analyzer.err = failure.Invalid(nil, "bad file")
		h.submit(t, "doc-o3")
		h.build(&failingStore{Store: h.store, failUpdate: 2})

		out := h.exec.Execute(context.Background(), "doc-o3")
		assert.Equal(t, ActionRetry, out.Action)
		assert.Equal(t, process.StatusProcessing, h.job(t, "doc-o3").Status)

		h.build(h.store)
		h.exec.policy.MaxAttempts = 1
		out = h.exec.Execute(context.Background(), "doc-o3")
		assert.Equal(t, ActionAck, out.Action)
		assert.Equal(t, process.StatusFailed, h.job(t, "doc-o3").Status)
		assert.Equal(t, 1, h.analyzer.calls)
	})
}

// ctxAnalyzer blocks on the attempt context, optionally cancelling it first.
type ctxAnalyzer struct {
	cancel context.CancelFunc
}

func (a ctxAnalyzer) Name() string { return "ctx" }

func (a ctxAnalyzer) Process(ctx context.Context, _, _ string) (analyzer.Report, error) {
	if a.cancel != nil {
		a.cancel()
	}
	<-ctx.Done()
	return analyzer.Report{}, fmt.Errorf("gemini generate: %w", ctx.Err())
}

func TestExecuteInterruptedAttempt(t *testing.T) {
	t.Run("shutdown redelivers quietly", func(t *testing.T) {
		h := newHarness(t)
		h.submit(t, "doc-int")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		h.exec.analyzer = ctxAnalyzer{cancel: cancel}

		out := h.exec.Execute(ctx, "doc-int")
		assert.Equal(t, ActionRetry, out.Action)
		assert.Equal(t, 60*time.Second, out.Delay)
		assert.ErrorIs(t, out.Err, context.Canceled)
		assert.Empty(t, h.publisher.events)

		j := h.job(t, "doc-int")
		assert.Equal(t, process.StatusProcessing, j.Status)
		assert.False(t, j.RetryScheduled())
		assert.Equal(t, 1, j.AttemptCount)
	})

	t.Run("attempt deadline is a failure", func(t *testing.T) {
		h := newHarness(t)
		h.submit(t, "doc-slow")
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		h.exec.analyzer = ctxAnalyzer{}

		out := h.exec.Execute(ctx, "doc-slow")
		assert.Equal(t, ActionRetry, out.Action)
		assert.Equal(t, failure.KindGeneric, out.Kind)
		assert.Equal(t, []schema.NotificationStatus{schema.NotificationRetrying}, h.publisher.statuses())
		assert.True(t, h.job(t, "doc-slow").RetryScheduled())
	})
}

func TestRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 120*time.Second, p.Delay(failure.KindRateLimited, 1))
	assert.Equal(t, 120*time.Second, p.Delay(failure.KindRateLimited, 2))
	assert.Equal(t, 60*time.Second, p.Delay(failure.KindGeneric, 1))
	assert.Equal(t, 120*time.Second, p.Delay(failure.KindProcessing, 2))
	assert.Equal(t, 240*time.Second, p.Delay(failure.KindStorageUnavailable, 3))
	assert.Equal(t, 60*time.Second, p.Delay(failure.KindGeneric, 0))

	assert.True(t, p.ShouldRetry(failure.KindGeneric, 2))
	assert.False(t, p.ShouldRetry(failure.KindGeneric, 3))
	assert.False(t, p.ShouldRetry(failure.KindNotFound, 1))
	assert.False(t, p.ShouldRetry(failure.KindInvalid, 1))
}

type countingSummarizer struct{ calls int }

func (c *countingSummarizer) Name() string { return "counting" }

func (c *countingSummarizer) Summarize(context.Context, analyzer.Document) (string, error) {
	c.calls++
	return "summary", nil
}

type staticExtractor string

func (s staticExtractor) Extract(context.Context, string, string) (extract.Result, error) {
	return extract.Result{Text: string(s), Format: extract.FormatText}, nil
}
