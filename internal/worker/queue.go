package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-docworker/internal/logger"
	"github.com/tendant/simple-docworker/pkg/schema"
)

// Queue hands a job id to some worker. Delivery is at least once;
// correlationID only distinguishes deliberate re-enqueues from duplicates.
type Queue interface {
	Enqueue(ctx context.Context, jobID, correlationID string) error
}

func encodeTask(jobID, correlationID string, now time.Time) ([]byte, error) {
	return json.Marshal(schema.TaskMessage{
		TaskID:        jobID,
		CorrelationID: correlationID,
		EnqueuedAt:    now.Unix(),
	})
}

func decodeTask(data []byte) (schema.TaskMessage, error) {
	var msg schema.TaskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode task: %w", err)
	}
	if msg.TaskID == "" {
		return msg, errors.New("task message without task_id")
	}
	return msg, nil
}

func dedupeID(jobID, correlationID string) string {
	if correlationID == "" {
		return jobID
	}
	return jobID + ":" + correlationID
}

var ErrQueueClosed = errors.New("queue closed")

// LocalQueue runs jobs in-process. Retries are re-queued with a timer, so
// pending retries are lost on shutdown; the recovery sweep picks them up.
type LocalQueue struct {
	runner  Runner
	workers int
	timeout time.Duration
	logger  *slog.Logger

	jobs   chan string
	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
	wg     sync.WaitGroup
}

func NewLocalQueue(r Runner, workers int, attemptTimeout time.Duration, l *slog.Logger) *LocalQueue {
	if workers <= 0 {
		workers = 1
	}
	if l == nil {
		l = slog.Default()
	}
	return &LocalQueue{
		runner:  r,
		workers: workers,
		timeout: attemptTimeout,
		logger:  l.With(logger.Scope("local-queue")),
		jobs:    make(chan string, 256),
		timers:  make(map[*time.Timer]struct{}),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, jobID, _ string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is cancelled and in-flight
// attempts have returned.
func (q *LocalQueue) Run(ctx context.Context) error {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-q.jobs:
					q.handle(ctx, id)
				}
			}
		}()
	}
	<-ctx.Done()

	q.mu.Lock()
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

func (q *LocalQueue) handle(ctx context.Context, jobID string) {
	actx := ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	out := q.runner.Execute(actx, jobID)
	if out.Action != ActionRetry {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(out.Delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		if err := q.Enqueue(context.Background(), jobID, ""); err != nil {
			q.logger.Warn("requeue after delay failed", "job_id", jobID, "err", err)
		}
	})
	q.timers[t] = struct{}{}
}
