package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tendant/simple-docworker/internal/bus"
	"github.com/tendant/simple-docworker/internal/logger"
)

// JetStreamQueue publishes task messages onto the work-queue stream.
type JetStreamQueue struct {
	js      jetstream.JetStream
	subject string
	now     func() time.Time
}

func NewJetStreamQueue(js jetstream.JetStream, subject string) *JetStreamQueue {
	return &JetStreamQueue{js: js, subject: subject, now: time.Now}
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, jobID, correlationID string) error {
	data, err := encodeTask(jobID, correlationID, q.now())
	if err != nil {
		return err
	}
	return bus.PublishMsg(ctx, q.js, q.subject, dedupeID(jobID, correlationID), data)
}

// Delivery is the part of jetstream.Msg the consumer needs.
type Delivery interface {
	Data() []byte
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// JetStreamConsumer pulls task messages and runs them through a Runner.
// A retry is a NAK with delay, so the stream redelivers the same message.
type JetStreamConsumer struct {
	consumer    jetstream.Consumer
	runner      Runner
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
}

func NewJetStreamConsumer(c jetstream.Consumer, r Runner, concurrency int, attemptTimeout time.Duration, l *slog.Logger) *JetStreamConsumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	if l == nil {
		l = slog.Default()
	}
	return &JetStreamConsumer{
		consumer:    c,
		runner:      r,
		concurrency: concurrency,
		timeout:     attemptTimeout,
		logger:      l.With(logger.Scope("jetstream-consumer")),
	}
}

// Run consumes until ctx is cancelled, then waits for running attempts.
func (c *JetStreamConsumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	sem := make(chan struct{}, c.concurrency)

	cc, err := c.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			_ = msg.Nak()
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c.Handle(ctx, msg)
		}()
	}, jetstream.PullMaxMessages(c.concurrency))
	if err != nil {
		return err
	}

	<-ctx.Done()
	cc.Stop()
	wg.Wait()
	return nil
}

// Handle runs one delivery and settles it according to the outcome.
func (c *JetStreamConsumer) Handle(ctx context.Context, msg Delivery) {
	task, err := decodeTask(msg.Data())
	if err != nil {
		c.logger.Error("malformed task message, terminating", "err", err)
		_ = msg.Term()
		return
	}

	actx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out := c.runner.Execute(actx, task.TaskID)

	switch out.Action {
	case ActionRetry:
		err = msg.NakWithDelay(out.Delay)
	case ActionDrop:
		err = msg.Term()
	default:
		err = msg.Ack()
	}
	if err != nil {
		c.logger.Warn("settle delivery failed", "job_id", task.TaskID, "action", out.Action, "err", err)
	}
}
