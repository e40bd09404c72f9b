// Package status answers polling reads of job state.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tendant/simple-docworker/internal/logger"
	"github.com/tendant/simple-docworker/internal/metrics"
	"github.com/tendant/simple-docworker/internal/process"
	"github.com/tendant/simple-docworker/internal/store"
	"github.com/tendant/simple-docworker/pkg/schema"
)

const unavailableMessage = "task status unavailable"

// Reader is the read half of store.Store.
type Reader interface {
	Get(ctx context.Context, id string) (*process.Job, error)
}

type Service struct {
	store   Reader
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewService(r Reader, l *slog.Logger, m *metrics.Metrics) *Service {
	if l == nil {
		l = slog.Default()
	}
	return &Service{store: r, logger: l.With(logger.Scope("status")), metrics: m}
}

// Query never fails: unknown ids and backend errors come back as UNKNOWN.
func (s *Service) Query(ctx context.Context, id string) (snap schema.StatusSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("status query panicked", "job_id", id, "panic", fmt.Sprint(r))
			snap = Unknown(id)
		}
		s.metrics.StatusQuery(string(snap.Status))
	}()

	job, err := s.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("status lookup failed", "job_id", id, "err", err)
		}
		return Unknown(id)
	}
	return Snapshot(job)
}

// Document returns the persisted record for id.
func (s *Service) Document(ctx context.Context, id string) (schema.DocumentView, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return schema.DocumentView{}, err
	}
	return job.View(), nil
}

func Unknown(id string) schema.StatusSnapshot {
	return schema.StatusSnapshot{TaskID: id, Status: schema.TaskUnknown, Message: unavailableMessage}
}

// Snapshot maps a job record onto the external status vocabulary.
func Snapshot(job *process.Job) schema.StatusSnapshot {
	snap := schema.StatusSnapshot{TaskID: job.ID, Attempts: job.AttemptCount}
	switch job.Status {
	case process.StatusPending:
		snap.Status = schema.TaskPending
	case process.StatusProcessing:
		snap.Status = schema.TaskStarted
		if job.RetryScheduled() {
			snap.Status = schema.TaskRetry
			snap.Error = job.LastError
		}
	case process.StatusCompleted:
		snap.Status = schema.TaskSuccess
		if job.Result != nil {
			r := *job.Result
			snap.Result = &r
		}
	case process.StatusFailed:
		snap.Status = schema.TaskFailure
		snap.Error = job.LastError
	default:
		return Unknown(job.ID)
	}
	snap.IsCompleted = snap.Status == schema.TaskSuccess
	snap.IsFailed = snap.Status == schema.TaskFailure
	snap.IsPending = !snap.IsCompleted && !snap.IsFailed
	return snap
}
