package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/tendant/simple-docworker/internal/process"
)

const badgerConflictRetries = 5

// BadgerStore keeps jobs in an embedded Badger database.
type BadgerStore struct {
	db *badgerhold.Store
}

// OpenBadger opens (or creates) the database at path. An empty path keeps
// everything in memory.
func OpenBadger(path string) (*BadgerStore, error) {
	options := badgerhold.DefaultOptions
	options.Logger = nil
	if path == "" {
		options.InMemory = true
		options.Dir = ""
		options.ValueDir = ""
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		options.Dir = path
		options.ValueDir = path
	}

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Create(_ context.Context, job *process.Job) error {
	if err := s.db.Insert(job.ID, job); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return ErrExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *BadgerStore) Get(_ context.Context, id string) (*process.Job, error) {
	var job process.Job
	if err := s.db.Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

func (s *BadgerStore) Update(ctx context.Context, id string, fn Mutation) (*process.Job, bool, error) {
	for i := 0; ; i++ {
		job, applied, err := s.update(id, fn)
		if errors.Is(err, badger.ErrConflict) && i < badgerConflictRetries {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			continue
		}
		return job, applied, err
	}
}

func (s *BadgerStore) update(id string, fn Mutation) (*process.Job, bool, error) {
	var (
		job     process.Job
		applied bool
	)
	err := s.db.Badger().Update(func(tx *badger.Txn) error {
		job = process.Job{}
		if err := s.db.TxGet(tx, id, &job); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		var err error
		applied, err = apply(&job, fn)
		if err != nil || !applied {
			return err
		}
		return s.db.TxUpdate(tx, id, &job)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, badger.ErrConflict) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("update job: %w", err)
	}
	return &job, applied, nil
}

func (s *BadgerStore) ListStale(_ context.Context, before time.Time, limit int) ([]*process.Job, error) {
	var jobs []process.Job
	query := badgerhold.Where("Status").In(process.StatusPending, process.StatusProcessing).
		And("UpdatedAt").Lt(before).
		SortBy("UpdatedAt")
	if err := s.db.Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("find stale jobs: %w", err)
	}

	out := make([]*process.Job, 0, len(jobs))
	for i := range jobs {
		if !stale(&jobs[i], before) {
			continue
		}
		out = append(out, &jobs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *BadgerStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
