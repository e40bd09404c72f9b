package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-docworker/internal/process"
	"github.com/tendant/simple-docworker/pkg/schema"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS document_jobs (
	id              TEXT PRIMARY KEY,
	source_ref      TEXT NOT NULL,
	file_name       TEXT NOT NULL DEFAULT '',
	content_type    TEXT NOT NULL DEFAULT '',
	owner_id        TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL DEFAULT '',
	local_path      TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	raw_text        TEXT NOT NULL DEFAULT '',
	analysis        JSONB,
	last_error      TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS document_jobs_active_idx
	ON document_jobs (updated_at) WHERE status IN ('PENDING', 'PROCESSING');
`

const jobColumns = `id, source_ref, file_name, content_type, owner_id, url, local_path, status,
	attempt_count, raw_text, analysis, last_error, next_attempt_at, created_at, updated_at, completed_at`

type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	DialTimeout     time.Duration
}

// PostgresStore keeps jobs in a document_jobs table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "simple-docworker"

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate document_jobs: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Create(ctx context.Context, job *process.Job) error {
	analysis, err := marshalAnalysis(job.Result)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO document_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13, $14, $15, $16)`,
		job.ID, job.SourceRef, job.FileName, job.ContentType, job.OwnerID, job.URL, job.LocalPath,
		string(job.Status), job.AttemptCount, job.RawText, analysis, job.LastError,
		job.NextAttemptAt, job.CreatedAt, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*process.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM document_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Update locks the row, applies fn and writes it back. The write itself is
// conditional on the row still being non-terminal.
func (s *PostgresStore) Update(ctx context.Context, id string, fn Mutation) (*process.Job, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM document_jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("lock job: %w", err)
	}

	applied, err := apply(job, fn)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		return job, false, nil
	}

	analysis, err := marshalAnalysis(job.Result)
	if err != nil {
		return nil, false, err
	}
	tag, err := tx.Exec(ctx, `UPDATE document_jobs SET
			local_path = $2, status = $3, attempt_count = $4, raw_text = $5, analysis = $6::jsonb,
			last_error = $7, next_attempt_at = $8, updated_at = $9, completed_at = $10
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`,
		job.ID, job.LocalPath, string(job.Status), job.AttemptCount, job.RawText, analysis,
		job.LastError, job.NextAttemptAt, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		return nil, false, fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.currentAfterNoop(ctx, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return job, true, nil
}

func (s *PostgresStore) currentAfterNoop(ctx context.Context, id string) (*process.Job, bool, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return job, false, nil
}

func (s *PostgresStore) ListStale(ctx context.Context, before time.Time, limit int) ([]*process.Job, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM document_jobs
		WHERE status IN ('PENDING', 'PROCESSING')
		  AND updated_at < $1
		  AND (next_attempt_at IS NULL OR next_attempt_at < $1)
		ORDER BY updated_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*process.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanJob(row pgx.Row) (*process.Job, error) {
	var (
		job      process.Job
		status   string
		analysis []byte
	)
	err := row.Scan(&job.ID, &job.SourceRef, &job.FileName, &job.ContentType, &job.OwnerID, &job.URL,
		&job.LocalPath, &status, &job.AttemptCount, &job.RawText, &analysis, &job.LastError,
		&job.NextAttemptAt, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt)
	if err != nil {
		return nil, err
	}
	job.Status = process.Status(status)
	if len(analysis) > 0 {
		var a schema.Analysis
		if err := json.Unmarshal(analysis, &a); err != nil {
			return nil, fmt.Errorf("decode analysis: %w", err)
		}
		job.Result = &a
	}
	return &job, nil
}

func marshalAnalysis(a *schema.Analysis) (*string, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode analysis: %w", err)
	}
	s := string(b)
	return &s, nil
}
