package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tendant/simple-docworker/internal/process"
)

// LocalResolver keeps uploads on the local filesystem. Source references are
// paths relative to the upload directory.
type LocalResolver struct {
	root string
}

func NewLocalResolver(root string) (*LocalResolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("ensure upload dir: %w", err)
	}
	return &LocalResolver{root: abs}, nil
}

func (r *LocalResolver) Name() string { return "local" }

func (r *LocalResolver) Resolve(ctx context.Context, job *process.Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", unavailable(err, job)
	}
	path, err := r.path(job.SourceRef)
	if err != nil {
		return "", unavailable(err, job)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", unavailable(err, job)
	}
	if !info.Mode().IsRegular() {
		return "", unavailable(fmt.Errorf("%s is not a regular file", path), job)
	}
	return path, nil
}

func (r *LocalResolver) Put(_ context.Context, jobID, fileName string, src io.Reader, _ string) (string, error) {
	ref := filepath.ToSlash(filepath.Join(jobID, SanitizeFileName(fileName)))
	dst, err := r.path(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(dst)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("close upload: %w", err)
	}
	return ref, nil
}

func (r *LocalResolver) Open(_ context.Context, sourceRef string) (io.ReadCloser, error) {
	path, err := r.path(sourceRef)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// path maps a reference into the upload directory and rejects escapes.
func (r *LocalResolver) path(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty source reference")
	}
	p := filepath.Clean(filepath.Join(r.root, filepath.FromSlash(ref)))
	if p != r.root && !strings.HasPrefix(p, r.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("source reference %q escapes upload dir", ref)
	}
	return p, nil
}
