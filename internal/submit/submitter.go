// Package submit creates job records and hands them to the task queue.
package submit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/tendant/simple-docworker/internal/logger"
	"github.com/tendant/simple-docworker/internal/metrics"
	"github.com/tendant/simple-docworker/internal/process"
	"github.com/tendant/simple-docworker/internal/storage"
	"github.com/tendant/simple-docworker/internal/store"
)

// ErrNotQueued means the job was created but the enqueue failed. The job stays
// Pending and the recovery sweep dispatches it later.
var ErrNotQueued = errors.New("job created but not queued")

// Queue is the dispatch half of the worker transport.
type Queue interface {
	Enqueue(ctx context.Context, jobID, correlationID string) error
}

// Upload is a document received at the boundary.
type Upload struct {
	FileName    string
	ContentType string
	OwnerID     string
	Body        io.Reader
}

type Submitter struct {
	store   store.Store
	storage storage.Resolver
	queue   Queue
	logger  *slog.Logger
	metrics *metrics.Metrics
	newID   func() string
	now     func() time.Time
}

func New(s store.Store, r storage.Resolver, q Queue, l *slog.Logger, m *metrics.Metrics) *Submitter {
	if l == nil {
		l = slog.Default()
	}
	return &Submitter{
		store:   s,
		storage: r,
		queue:   q,
		logger:  l.With(logger.Scope("submit")),
		metrics: m,
		newID:   func() string { return uuid.NewString() },
		now:     time.Now,
	}
}

// FileURL is the download path exposed for a stored document.
func FileURL(id string) string {
	return "/api/v1/files/" + id
}

// Create persists a Pending job for content already stored at sourceRef.
func (s *Submitter) Create(ctx context.Context, sourceRef string, meta process.Metadata) (string, error) {
	return s.create(ctx, s.newID(), sourceRef, meta)
}

func (s *Submitter) create(ctx context.Context, id, sourceRef string, meta process.Metadata) (string, error) {
	if sourceRef == "" {
		return "", errors.New("source reference is required")
	}
	if meta.URL == "" {
		meta.URL = FileURL(id)
	}
	if err := s.store.Create(ctx, process.NewJob(id, sourceRef, meta, s.now())); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

// Enqueue dispatches an existing job. The job id doubles as correlation id so
// a repeated submit of the same job collapses to one message.
func (s *Submitter) Enqueue(ctx context.Context, jobID string) error {
	if err := s.queue.Enqueue(ctx, jobID, ""); err != nil {
		return fmt.Errorf("%w: %w", ErrNotQueued, err)
	}
	return nil
}

// Submit is Create followed by Enqueue. On ErrNotQueued the returned id is
// still valid.
func (s *Submitter) Submit(ctx context.Context, sourceRef string, meta process.Metadata) (string, error) {
	id, err := s.Create(ctx, sourceRef, meta)
	if err != nil {
		return "", err
	}
	return id, s.dispatch(ctx, id)
}

// Upload stores the bytes under a fresh job id, then creates and enqueues the
// job. The content type is sniffed when the client sent none.
func (s *Submitter) Upload(ctx context.Context, u Upload) (*process.Job, error) {
	id := s.newID()
	name := storage.SanitizeFileName(u.FileName)

	body, contentType, err := sniff(u.Body, u.ContentType)
	if err != nil {
		return nil, err
	}

	ref, err := s.storage.Put(ctx, id, name, body, contentType)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	s.logger.Info("stored upload", "job_id", id, "file_name", name, "content_type", contentType, "backend", s.storage.Name())

	meta := process.Metadata{FileName: name, ContentType: contentType, OwnerID: u.OwnerID}
	if _, err := s.create(ctx, id, ref, meta); err != nil {
		return nil, err
	}
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	return job, s.dispatch(ctx, id)
}

func (s *Submitter) dispatch(ctx context.Context, id string) error {
	if err := s.Enqueue(ctx, id); err != nil {
		s.logger.Warn("job left pending", "job_id", id, "err", err)
		return err
	}
	s.metrics.Submitted()
	s.logger.Info("job submitted", "job_id", id)
	return nil
}

func sniff(r io.Reader, declared string) (io.Reader, string, error) {
	if declared != "" && declared != "application/octet-stream" {
		return r, declared, nil
	}
	head := make([]byte, 3072)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	mt := mimetype.Detect(head)
	return io.MultiReader(bytes.NewReader(head), r), mt.String(), nil
}
