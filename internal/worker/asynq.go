package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/tendant/simple-docworker/internal/logger"
)

const TaskTypeDocument = "document:process"

// taskClient is the part of *asynq.Client the queue uses.
type taskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// AsynqQueue enqueues task messages on a Redis-backed asynq queue.
type AsynqQueue struct {
	client taskClient
	queue  string
	now    func() time.Time
}

func NewAsynqQueue(opt asynq.RedisConnOpt, queue string) *AsynqQueue {
	return &AsynqQueue{client: asynq.NewClient(opt), queue: queue, now: time.Now}
}

// Enqueue ignores task id conflicts: the same job and correlation id is
// already queued.
func (q *AsynqQueue) Enqueue(ctx context.Context, jobID, correlationID string) error {
	err := q.enqueue(ctx, jobID, correlationID, 0)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// enqueueAfter schedules a retry; asynq has no redelivery-with-delay, so a
// fresh task carrying the same job id is scheduled instead. Each retry gets
// its own task id since the task that asks for it is still retained under
// the previous one.
func (q *AsynqQueue) enqueueAfter(ctx context.Context, jobID string, attempt int, delay time.Duration) error {
	corr := "retry-" + strconv.Itoa(attempt) + "-" + uuid.NewString()
	return q.enqueue(ctx, jobID, corr, delay)
}

func (q *AsynqQueue) enqueue(ctx context.Context, jobID, correlationID string, delay time.Duration) error {
	data, err := encodeTask(jobID, correlationID, q.now())
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.Queue(q.queue),
		asynq.TaskID(dedupeID(jobID, correlationID)),
		// job-level retries are decided by the executor
		asynq.MaxRetry(0),
		asynq.Retention(24 * time.Hour),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeDocument, data), opts...)
	if err != nil {
		return fmt.Errorf("asynq enqueue %s: %w", jobID, err)
	}
	return nil
}

func (q *AsynqQueue) Close() error { return q.client.Close() }

// AsynqServer runs queued tasks through a Runner.
type AsynqServer struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	queue   *AsynqQueue
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger
}

func NewAsynqServer(opt asynq.RedisConnOpt, q *AsynqQueue, r Runner, concurrency int, attemptTimeout time.Duration, l *slog.Logger) *AsynqServer {
	if l == nil {
		l = slog.Default()
	}
	s := &AsynqServer{
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{q.queue: 1},
		}),
		mux:     asynq.NewServeMux(),
		queue:   q,
		runner:  r,
		timeout: attemptTimeout,
		logger:  l.With(logger.Scope("asynq-server")),
	}
	s.mux.HandleFunc(TaskTypeDocument, s.handleTask)
	return s
}

// Run processes tasks until ctx is cancelled.
func (s *AsynqServer) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}

func (s *AsynqServer) handleTask(ctx context.Context, t *asynq.Task) error {
	task, err := decodeTask(t.Payload())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	actx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	out := s.runner.Execute(actx, task.TaskID)
	if out.Action != ActionRetry {
		return nil
	}
	if err := s.queue.enqueueAfter(context.WithoutCancel(ctx), task.TaskID, out.Attempt, out.Delay); err != nil {
		s.logger.Error("schedule retry failed", "job_id", task.TaskID, "err", err)
		return err
	}
	return nil
}
