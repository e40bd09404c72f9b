// internal/process/job.go
package process

import (
	"errors"
	"fmt"
	"time"

	"github.com/tendant/simple-docworker/pkg/schema"
)

// Status represents the lifecycle state of a document job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

var (
	// ErrTerminal is returned when a mutation targets a job that already finished.
	ErrTerminal = errors.New("job is terminal")
	// ErrInvalidTransition is returned for moves the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition encodes Pending -> Processing -> {Completed, Failed}, with
// Processing re-entered on every retry.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Metadata is supplied by the submitter when a job is created.
type Metadata struct {
	FileName    string
	ContentType string
	OwnerID     string
	URL         string
}

// Job is the persisted record for one uploaded document.
type Job struct {
	ID            string
	SourceRef     string
	FileName      string
	ContentType   string
	OwnerID       string
	URL           string
	LocalPath     string
	Status        Status
	AttemptCount  int
	RawText       string
	Result        *schema.Analysis
	LastError     string
	NextAttemptAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

func NewJob(id, sourceRef string, meta Metadata, now time.Time) *Job {
	now = now.UTC()
	return &Job{
		ID:          id,
		SourceRef:   sourceRef,
		FileName:    meta.FileName,
		ContentType: meta.ContentType,
		OwnerID:     meta.OwnerID,
		URL:         meta.URL,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (j *Job) transition(to Status) error {
	if j.Status.Terminal() {
		return ErrTerminal
	}
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	return nil
}

// BeginAttempt moves the job into Processing and counts the attempt.
func (j *Job) BeginAttempt(localPath string, now time.Time) error {
	if err := j.transition(StatusProcessing); err != nil {
		return err
	}
	j.AttemptCount++
	j.NextAttemptAt = nil
	if localPath != "" {
		j.LocalPath = localPath
	}
	j.UpdatedAt = now.UTC()
	return nil
}

// Complete records the extracted text and analysis together with the status.
func (j *Job) Complete(localPath, rawText string, analysis schema.Analysis, now time.Time) error {
	if err := j.transition(StatusCompleted); err != nil {
		return err
	}
	now = now.UTC()
	a := analysis
	j.Result = &a
	j.RawText = rawText
	if localPath != "" {
		j.LocalPath = localPath
	}
	j.LastError = ""
	j.NextAttemptAt = nil
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

// ScheduleRetry keeps the job in Processing and records when it runs again.
func (j *Job) ScheduleRetry(reason string, at time.Time, now time.Time) error {
	if err := j.transition(StatusProcessing); err != nil {
		return err
	}
	at = at.UTC()
	j.LastError = reason
	j.NextAttemptAt = &at
	j.UpdatedAt = now.UTC()
	return nil
}

// Fail moves the job to Failed. A failed job never carries a result.
func (j *Job) Fail(reason string, now time.Time) error {
	if err := j.transition(StatusFailed); err != nil {
		return err
	}
	now = now.UTC()
	j.Result = nil
	j.LastError = reason
	j.NextAttemptAt = nil
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

// RetryScheduled reports whether the job is waiting for another attempt.
func (j *Job) RetryScheduled() bool {
	return j.Status == StatusProcessing && j.NextAttemptAt != nil
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.NextAttemptAt != nil {
		t := *j.NextAttemptAt
		c.NextAttemptAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// View converts the record to its client representation.
func (j *Job) View() schema.DocumentView {
	return schema.DocumentView{
		ID:          j.ID,
		FileName:    j.FileName,
		ContentType: j.ContentType,
		Status:      string(j.Status),
		URL:         j.URL,
		LocalPath:   j.LocalPath,
		RawText:     j.RawText,
		Analysis:    j.Result,
		CreatedAt:   j.CreatedAt.Unix(),
		OwnerID:     j.OwnerID,
	}
}
