// Package worker runs processing attempts for queued document jobs and adapts
// that to the task transports.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-docworker/internal/analyzer"
	"github.com/tendant/simple-docworker/internal/failure"
	"github.com/tendant/simple-docworker/internal/logger"
	"github.com/tendant/simple-docworker/internal/metrics"
	"github.com/tendant/simple-docworker/internal/notify"
	"github.com/tendant/simple-docworker/internal/process"
	"github.com/tendant/simple-docworker/internal/store"
)

// Action tells the transport what to do with the delivery.
type Action int

const (
	// ActionAck removes the delivery; the job is finished or was already.
	ActionAck Action = iota
	// ActionRetry redelivers the same job id after Outcome.Delay.
	ActionRetry
	// ActionDrop discards a delivery that can never succeed.
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	case ActionDrop:
		return "drop"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

type Outcome struct {
	Action    Action
	Delay     time.Duration
	Kind      failure.Kind
	Attempt   int
	Duplicate bool
	Err       error
}

// Runner executes one attempt for a job id. *Executor is the implementation;
// transports depend on this so they can be tested alone.
type Runner interface {
	Execute(ctx context.Context, jobID string) Outcome
}

// Resolver is satisfied by storage.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, job *process.Job) (string, error)
}

// persistTimeout bounds the status write made after an attempt failed, which
// may run after the attempt context already expired.
const persistTimeout = 15 * time.Second

type Executor struct {
	store     store.Store
	resolver  Resolver
	analyzer  analyzer.Analyzer
	publisher notify.Publisher
	policy    RetryPolicy
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type ExecutorOption func(*Executor)

func WithPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

func NewExecutor(s store.Store, r Resolver, a analyzer.Analyzer, p notify.Publisher, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:     s,
		resolver:  r,
		analyzer:  a,
		publisher: p,
		policy:    DefaultRetryPolicy(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logger.Scope("executor"))
	return e
}

// Execute runs one attempt and never returns an error: every failure is
// classified, persisted and turned into an Outcome for the transport.
func (e *Executor) Execute(ctx context.Context, jobID string) Outcome {
	start := e.now()
	jobLogger := e.logger.With("job_id", jobID)

	job, err := e.store.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		jobLogger.Warn("job not found, dropping delivery")
		return e.finish(start, Outcome{Action: ActionDrop, Kind: failure.KindNotFound, Err: err})
	}
	if err != nil {
		// Nothing can be recorded while the store is down; redeliver without
		// spending an attempt.
		jobLogger.Error("load job failed", "err", err)
		return e.finish(start, Outcome{Action: ActionRetry, Delay: e.policy.BaseDelay, Kind: failure.KindGeneric, Err: err})
	}
	if job.Status.Terminal() {
		jobLogger.Info("job already finished, skipping duplicate delivery", "status", job.Status)
		return e.finish(start, Outcome{Action: ActionAck, Duplicate: true})
	}

	job, applied, err := e.store.Update(ctx, jobID, store.BeginAttempt("", e.now()))
	if err != nil {
		jobLogger.Error("begin attempt failed", "err", err)
		return e.finish(start, Outcome{Action: ActionRetry, Delay: e.policy.BaseDelay, Kind: failure.KindGeneric, Err: err})
	}
	if !applied {
		jobLogger.Info("job finished concurrently, skipping", "status", job.Status)
		return e.finish(start, Outcome{Action: ActionAck, Duplicate: true})
	}
	attempt := job.AttemptCount
	jobLogger = jobLogger.With("attempt", attempt)

	if attempt > e.policy.MaxAttempts {
		// A redelivery after the final attempt, e.g. a crashed worker or a
		// failed status write. The budget is spent.
		cause := job.LastError
		if cause == "" {
			cause = "attempt budget exhausted"
		}
		return e.fail(ctx, jobLogger, start, jobID, attempt, failure.KindGeneric, errors.New(cause))
	}
	jobLogger.Info("processing job", "source", job.SourceRef, "content_type", job.ContentType)

	path, err := e.resolver.Resolve(ctx, job)
	if err != nil {
		if failure.Classify(err) != failure.KindStorageUnavailable {
			err = failure.StorageUnavailable(err, "resolve %s", job.SourceRef)
		}
		return e.handleFailure(ctx, jobLogger, start, jobID, attempt, err)
	}

	report, err := e.analyzer.Process(ctx, path, job.ContentType)
	if err != nil {
		return e.handleFailure(ctx, jobLogger, start, jobID, attempt, err)
	}

	done, applied, err := e.store.Update(ctx, jobID, store.Complete(path, report.RawText, report.Analysis, e.now()))
	if err != nil {
		return e.handleFailure(ctx, jobLogger, start, jobID, attempt, fmt.Errorf("persist result: %w", err))
	}
	if !applied {
		jobLogger.Info("job finished concurrently, result discarded", "status", done.Status)
		return e.finish(start, Outcome{Action: ActionAck, Duplicate: true, Attempt: attempt})
	}

	e.publisher.Publish(ctx, jobID, notify.Completed(report.Analysis))
	jobLogger.Info("job completed",
		"words", report.Analysis.WordCount,
		"provider", report.Analysis.ProviderID,
		"duration_ms", e.now().Sub(start).Milliseconds(),
	)
	return e.finish(start, Outcome{Action: ActionAck, Attempt: attempt})
}

func (e *Executor) handleFailure(ctx context.Context, jobLogger *slog.Logger, start time.Time, jobID string, attempt int, cause error) Outcome {
	if errors.Is(ctx.Err(), context.Canceled) && failure.Interrupted(cause) {
		// Shutdown, not a job failure. The job stays Processing and the
		// delivery comes back; an attempt deadline is still a failure.
		jobLogger.Warn("attempt interrupted, redelivering", "err", cause)
		return e.finish(start, Outcome{Action: ActionRetry, Delay: e.policy.BaseDelay, Kind: failure.KindGeneric, Attempt: attempt, Err: cause})
	}

	kind := failure.Classify(cause)
	if !e.policy.ShouldRetry(kind, attempt) {
		return e.fail(ctx, jobLogger, start, jobID, attempt, kind, cause)
	}

	delay := e.policy.Delay(kind, attempt)
	now := e.now()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	_, applied, err := e.store.Update(pctx, jobID, store.ScheduleRetry(cause.Error(), now.Add(delay), now))
	if err != nil {
		jobLogger.Error("record retry failed", "err", err)
	} else if !applied {
		return e.finish(start, Outcome{Action: ActionAck, Duplicate: true, Attempt: attempt})
	}

	jobLogger.Warn("attempt failed, retry scheduled", "kind", kind, "delay", delay, "err", cause)
	e.publisher.Publish(pctx, jobID, notify.Retrying(cause.Error(), delay))
	return e.finish(start, Outcome{Action: ActionRetry, Delay: delay, Kind: kind, Attempt: attempt, Err: cause})
}

func (e *Executor) fail(ctx context.Context, jobLogger *slog.Logger, start time.Time, jobID string, attempt int, kind failure.Kind, cause error) Outcome {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	_, applied, err := e.store.Update(pctx, jobID, store.Fail(cause.Error(), e.now()))
	if err != nil {
		// Leave the job in Processing; the redelivery hits the budget guard.
		jobLogger.Error("record failure failed", "err", err)
		return e.finish(start, Outcome{Action: ActionRetry, Delay: e.policy.BaseDelay, Kind: kind, Attempt: attempt, Err: cause})
	}
	if !applied {
		return e.finish(start, Outcome{Action: ActionAck, Duplicate: true, Attempt: attempt})
	}

	jobLogger.Error("job failed", "kind", kind, "err", cause)
	e.publisher.Publish(pctx, jobID, notify.Failed(cause.Error(), kind.FailureType()))
	return e.finish(start, Outcome{Action: ActionAck, Kind: kind, Attempt: attempt, Err: cause})
}

func (e *Executor) finish(start time.Time, out Outcome) Outcome {
	label := out.Action.String()
	switch {
	case out.Duplicate:
		label = "duplicate"
	case out.Action == ActionAck && out.Err != nil:
		label = "failed"
	case out.Action == ActionAck:
		label = "completed"
	}
	e.metrics.ObserveAttempt(label, string(out.Kind), e.now().Sub(start))
	return out
}
