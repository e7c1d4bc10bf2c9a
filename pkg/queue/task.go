package queue

import (
	"time"

	"github.com/google/uuid"
)

// DefaultQueueName is used when neither the caller nor a route names a queue.
const DefaultQueueName = "default"

// MaxErrorLength caps the error text stored with a failed task.
const MaxErrorLength = 1000

// Kind records how a task came to exist.
type Kind string

const (
	KindOneTime  Kind = "one-time"
	KindPeriodic Kind = "periodic"
)

// Status is the lifecycle position of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Priority orders ready tasks within a queue, higher first. Valid values are 0-100.
type Priority int8

const (
	PriorityLow     Priority = 25
	PriorityDefault Priority = 50
	PriorityHigh    Priority = 75
)

func (p Priority) valid() bool {
	return p >= 0 && p <= 100
}

// Task is one unit of queued work. Payload is opaque to the queue.
type Task struct {
	ID          uuid.UUID
	Queue       string
	Kind        Kind
	TaskName    string
	Payload     []byte
	Status      Status
	Priority    Priority
	RetryCount  int8
	MaxRetries  int8
	ScheduledAt time.Time
	LockedUntil *time.Time
	LockedBy    *uuid.UUID
	ProcessedAt *time.Time
	Error       *string
	CreatedAt   time.Time
}

// IsReady reports whether a pending task may be claimed at now.
func (t *Task) IsReady(now time.Time) bool {
	if t.Status != StatusPending || t.ScheduledAt.After(now) {
		return false
	}
	return t.LockedUntil == nil || !t.LockedUntil.After(now)
}

// DeadLetter is a task that exhausted its retries or had no handler,
// kept for manual inspection.
type DeadLetter struct {
	ID         uuid.UUID
	TaskID     uuid.UUID
	Queue      string
	Kind       Kind
	TaskName   string
	Payload    []byte
	Priority   Priority
	Error      string
	RetryCount int8
	FailedAt   time.Time
}

func truncateError(s string) string {
	if len(s) <= MaxErrorLength {
		return s
	}
	return s[:MaxErrorLength]
}
