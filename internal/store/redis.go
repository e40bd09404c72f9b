package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tendant/simple-docworker/internal/process"
)

const (
	redisJobPrefix = "docworker:job:"
	redisActiveKey = "docworker:jobs:active"
	redisTxRetries = 10
)

// RedisStore keeps each job as a JSON value and indexes non-terminal jobs in a
// sorted set scored by last update time.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func OpenRedis(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(rdb, ttl), nil
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Create(ctx context.Context, job *process.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(job.ID), payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if !ok {
		return ErrExists
	}
	if err := s.rdb.ZAdd(ctx, redisActiveKey, redis.Z{Score: score(job.UpdatedAt), Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("index job: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*process.Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job process.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// Update uses WATCH so a concurrent writer aborts the transaction, which is
// then retried against the fresh value.
func (s *RedisStore) Update(ctx context.Context, id string, fn Mutation) (*process.Job, bool, error) {
	key := jobKey(id)
	for i := 0; i < redisTxRetries; i++ {
		var (
			job     process.Job
			applied bool
		)
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return err
			}
			job = process.Job{}
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("decode job: %w", err)
			}
			applied, err = apply(&job, fn)
			if err != nil || !applied {
				return err
			}
			payload, err := json.Marshal(&job)
			if err != nil {
				return fmt.Errorf("encode job: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				if job.Status.Terminal() {
					pipe.ZRem(ctx, redisActiveKey, job.ID)
				} else {
					pipe.ZAdd(ctx, redisActiveKey, redis.Z{Score: score(job.UpdatedAt), Member: job.ID})
				}
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, false, err
			}
			return nil, false, fmt.Errorf("update job: %w", err)
		}
		return &job, applied, nil
	}
	return nil, false, fmt.Errorf("update job %s: too much contention", id)
}

func (s *RedisStore) ListStale(ctx context.Context, before time.Time, limit int) ([]*process.Job, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, redisActiveKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range active jobs: %w", err)
	}

	var jobs []*process.Job
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// expired underneath the index
			_ = s.rdb.ZRem(ctx, redisActiveKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if !stale(job, before) {
			continue
		}
		jobs = append(jobs, job)
		if limit > 0 && len(jobs) == limit {
			break
		}
	}
	return jobs, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func jobKey(id string) string {
	return redisJobPrefix + id
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
