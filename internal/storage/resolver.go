// Package storage stores uploaded documents and materializes them as local
// files for the worker.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tendant/simple-docworker/internal/failure"
	"github.com/tendant/simple-docworker/internal/process"
)

// Resolver turns a job's source reference into a readable local path.
// Resolving the same job twice yields the same path.
type Resolver interface {
	Resolve(ctx context.Context, job *process.Job) (string, error)
	// Put stores an upload under the job id and returns its source reference.
	Put(ctx context.Context, jobID, fileName string, r io.Reader, contentType string) (string, error)
	Open(ctx context.Context, sourceRef string) (io.ReadCloser, error)
	Name() string
}

// SanitizeFileName keeps only the base name and replaces spaces.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(name)
	if base == "." || base == "/" || base == "" {
		return "document"
	}
	return strings.ReplaceAll(base, " ", "_")
}

// cache materializes remote objects under dir/<job id>/<file name>.
type cache struct {
	dir     string
	timeout time.Duration
}

func (c cache) path(job *process.Job) string {
	name := job.FileName
	if name == "" {
		name = filepath.Base(job.SourceRef)
	}
	return filepath.Join(c.dir, job.ID, SanitizeFileName(name))
}

// materialize returns the cached copy if present, otherwise downloads it with
// its own deadline and renames it into place.
func (c cache) materialize(ctx context.Context, job *process.Job, open func(ctx context.Context) (io.ReadCloser, error)) (string, error) {
	dst := c.path(job)
	if info, err := os.Stat(dst); err == nil && info.Mode().IsRegular() {
		return dst, nil
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	reader, err := open(ctx)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	temp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(temp, reader); err != nil {
		temp.Close()
		os.Remove(temp.Name())
		return "", fmt.Errorf("copy content to disk: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(temp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(temp.Name(), dst); err != nil {
		os.Remove(temp.Name())
		return "", fmt.Errorf("move into cache: %w", err)
	}
	return dst, nil
}

func unavailable(err error, job *process.Job) error {
	return failure.StorageUnavailable(err, "resolve %s for job %s", job.SourceRef, job.ID)
}
