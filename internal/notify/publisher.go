// Package notify pushes per-task completion events to subscribers.
//
// Delivery is best effort: events are not stored, acknowledged or replayed,
// and a subscriber that connects late simply misses them.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/tendant/simple-docworker/internal/metrics"
	"github.com/tendant/simple-docworker/pkg/schema"
)

type Publisher interface {
	Publish(ctx context.Context, taskID string, n schema.Notification)
}

// Sender is the raw transport, e.g. *bus.Client.
type Sender interface {
	PublishJSON(subject string, v any) error
}

// ChannelPublisher sends each notification on the task's own channel.
type ChannelPublisher struct {
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewChannelPublisher(sender Sender, logger *slog.Logger, m *metrics.Metrics) *ChannelPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelPublisher{sender: sender, logger: logger, metrics: m, now: time.Now}
}

// Publish never fails toward the caller; transport errors are logged.
func (p *ChannelPublisher) Publish(_ context.Context, taskID string, n schema.Notification) {
	n.TaskID = taskID
	if n.HappenedAt == 0 {
		n.HappenedAt = p.now().Unix()
	}
	subject := schema.ChannelName(taskID)
	err := p.sender.PublishJSON(subject, n)
	p.metrics.Notification(string(n.Status), err)
	if err != nil {
		p.logger.Error("publish notification failed", "subject", subject, "status", n.Status, "err", err)
		return
	}
	p.logger.Debug("notification published", "subject", subject, "status", n.Status)
}

// Completed, Failed and Retrying build the three notification shapes.

func Completed(a schema.Analysis) schema.Notification {
	return schema.Notification{Status: schema.NotificationCompleted, Analysis: &a}
}

func Failed(reason string, ft schema.FailureType) schema.Notification {
	return schema.Notification{
		Status:      schema.NotificationFailed,
		Error:       reason,
		Message:     "document processing failed",
		FailureType: ft,
	}
}

func Retrying(reason string, delay time.Duration) schema.Notification {
	return schema.Notification{
		Status:      schema.NotificationRetrying,
		Error:       reason,
		Message:     "retrying in " + delay.String(),
		FailureType: schema.FailureTypeRetryable,
	}
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Publish(context.Context, string, schema.Notification) {}
