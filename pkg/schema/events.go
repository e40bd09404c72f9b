// pkg/schema/events.go
package schema

import "fmt"

// NotificationStatus is the status carried by a pushed notification.
type NotificationStatus string

const (
	NotificationCompleted NotificationStatus = "COMPLETED"
	NotificationFailed    NotificationStatus = "FAILED"
	NotificationRetrying  NotificationStatus = "RETRYING"
)

// TaskStatus is the external status vocabulary returned by status queries.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskStarted TaskStatus = "STARTED"
	TaskRetry   TaskStatus = "RETRY"
	TaskSuccess TaskStatus = "SUCCESS"
	TaskFailure TaskStatus = "FAILURE"
	TaskUnknown TaskStatus = "UNKNOWN"
)

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
)

// Analysis is the uniform result produced by every analyzer strategy.
type Analysis struct {
	Summary                 string `json:"summary"`
	WordCount               int    `json:"word_count"`
	ContainsEmail           bool   `json:"contains_email"`
	ContainsMonetaryMention bool   `json:"contains_monetary_mention"`
	ProviderID              string `json:"provider_id"`
}

// Notification is published on the per-task channel.
type Notification struct {
	TaskID      string             `json:"task_id"`
	Status      NotificationStatus `json:"status"`
	Analysis    *Analysis          `json:"analysis,omitempty"`
	Error       string             `json:"error,omitempty"`
	Message     string             `json:"message,omitempty"`
	FailureType FailureType        `json:"failure_type,omitempty"`
	HappenedAt  int64              `json:"happened_at"`
}

// TaskMessage is the body enqueued on the work queue.
type TaskMessage struct {
	TaskID        string `json:"task_id"`
	CorrelationID string `json:"correlation_id"`
	EnqueuedAt    int64  `json:"enqueued_at"`
}

// StatusSnapshot answers a status query. It is always well formed.
type StatusSnapshot struct {
	TaskID      string     `json:"task_id"`
	Status      TaskStatus `json:"status"`
	IsCompleted bool       `json:"is_completed"`
	IsFailed    bool       `json:"is_failed"`
	IsPending   bool       `json:"is_pending"`
	Result      *Analysis  `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Message     string     `json:"message,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
}

// DocumentView is the persisted document record exposed to clients.
type DocumentView struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Status      string    `json:"status"`
	URL         string    `json:"url,omitempty"`
	LocalPath   string    `json:"local_path,omitempty"`
	RawText     string    `json:"raw_text,omitempty"`
	Analysis    *Analysis `json:"analysis,omitempty"`
	CreatedAt   int64     `json:"created_at"`
	OwnerID     string    `json:"owner_id,omitempty"`
}

// UploadAccepted is returned when a document has been stored and queued.
type UploadAccepted struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	URL    string     `json:"url,omitempty"`
}

// ChannelName returns the pub/sub subject for a task's notifications.
func ChannelName(taskID string) string {
	return fmt.Sprintf("notifications_%s", taskID)
}
