package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueuerRepository defines the interface for task creation
type EnqueuerRepository interface {
	CreateTask(ctx context.Context, task *Task) error
}

// EnqueuerOption configures an Enqueuer.
type EnqueuerOption func(*Enqueuer)

// WithDefaultQueue sets the queue for task names without a route.
func WithDefaultQueue(queue string) EnqueuerOption {
	return func(e *Enqueuer) {
		if queue != "" {
			e.defaultQueue = queue
		}
	}
}

// WithRoute sends every task named taskName to queue. Each delivery channel
// gets its own queue, and so its own worker pool, this way.
func WithRoute(taskName, queue string) EnqueuerOption {
	return func(e *Enqueuer) {
		if taskName != "" && queue != "" {
			e.routes[taskName] = queue
		}
	}
}

// WithMaxRetries sets how many times a failing task is retried by the queue
// before it goes to the dead letter queue. Default 3, capped at 10.
func WithMaxRetries(n int8) EnqueuerOption {
	return func(e *Enqueuer) {
		if n > 0 && n <= 10 {
			e.maxRetries = n
		}
	}
}

// Enqueuer creates one-time tasks.
type Enqueuer struct {
	repo         EnqueuerRepository
	defaultQueue string
	routes       map[string]string
	maxRetries   int8
	now          func() time.Time
}

// NewEnqueuer creates a new Enqueuer
func NewEnqueuer(repo EnqueuerRepository, opts ...EnqueuerOption) (*Enqueuer, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	e := &Enqueuer{
		repo:         repo,
		defaultQueue: DefaultQueueName,
		routes:       make(map[string]string),
		maxRetries:   3,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EnqueueTask adds an already encoded payload under taskName, on the queue the
// name is routed to. A nil notBefore makes the task ready immediately.
// The returned string is the task id.
func (e *Enqueuer) EnqueueTask(ctx context.Context, taskName string, payload []byte, notBefore *time.Time) (string, error) {
	if taskName == "" {
		return "", ErrTaskNameEmpty
	}

	now := e.now()
	task := &Task{
		ID:          uuid.New(),
		Queue:       e.queueFor(taskName),
		Kind:        KindOneTime,
		TaskName:    taskName,
		Payload:     payload,
		Status:      StatusPending,
		Priority:    PriorityDefault,
		MaxRetries:  e.maxRetries,
		ScheduledAt: now,
		CreatedAt:   now,
	}
	if notBefore != nil {
		task.ScheduledAt = *notBefore
	}

	if err := e.repo.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to create task %q in queue %q: %w", task.TaskName, task.Queue, err)
	}
	return task.ID.String(), nil
}

func (e *Enqueuer) queueFor(taskName string) string {
	if q, ok := e.routes[taskName]; ok {
		return q
	}
	return e.defaultQueue
}
