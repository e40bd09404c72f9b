// Package store persists job records. Every implementation applies mutations
// atomically and refuses to change a job once it is terminal.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tendant/simple-docworker/internal/process"
	"github.com/tendant/simple-docworker/pkg/schema"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
)

// Mutation edits a job in place. Returning process.ErrTerminal leaves the
// stored record untouched and reports applied=false.
type Mutation func(*process.Job) error

type Store interface {
	Create(ctx context.Context, job *process.Job) error
	Get(ctx context.Context, id string) (*process.Job, error)
	// Update loads the job, applies fn and commits in one transaction. It
	// returns the record as stored after the call.
	Update(ctx context.Context, id string, fn Mutation) (*process.Job, bool, error)
	// ListStale returns non-terminal jobs last touched before the cutoff.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*process.Job, error)
	Close() error
}

// apply runs fn on a copy so a rejected mutation cannot leak partial edits
// into the record handed back to the caller.
func apply(job *process.Job, fn Mutation) (bool, error) {
	next := job.Clone()
	err := fn(next)
	if errors.Is(err, process.ErrTerminal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	*job = *next
	return true, nil
}

// stale reports whether a non-terminal job should be handed back to the queue.
// Jobs waiting on a scheduled retry are left alone until that time has passed
// the cutoff as well.
func stale(job *process.Job, before time.Time) bool {
	if job.Status.Terminal() || !job.UpdatedAt.Before(before) {
		return false
	}
	return job.NextAttemptAt == nil || job.NextAttemptAt.Before(before)
}

// BeginAttempt, Complete, ScheduleRetry and Fail are the transitions the
// worker performs; they wrap the job methods as mutations.

func BeginAttempt(localPath string, now time.Time) Mutation {
	return func(j *process.Job) error { return j.BeginAttempt(localPath, now) }
}

func Complete(localPath, rawText string, a schema.Analysis, now time.Time) Mutation {
	return func(j *process.Job) error { return j.Complete(localPath, rawText, a, now) }
}

func ScheduleRetry(reason string, at, now time.Time) Mutation {
	return func(j *process.Job) error { return j.ScheduleRetry(reason, at, now) }
}

func Fail(reason string, now time.Time) Mutation {
	return func(j *process.Job) error { return j.Fail(reason, now) }
}
