// Package pgqueue stores queue tasks in PostgreSQL.
//
// Storage implements queue.EnqueuerRepository, queue.WorkerRepository and
// queue.SchedulerRepository on the queue_tasks and queue_tasks_dlq tables.
// Workers claim with FOR UPDATE SKIP LOCKED, so any number of processes may
// share a queue. A processing task whose lock expired is claimable again,
// which returns the work of crashed workers without a separate reaper.
package pgqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/notifykit/pkg/pg"
	"github.com/dmitrymomot/notifykit/pkg/queue"
)

const taskColumns = `id, queue, task_type, task_name, payload, status, priority, retry_count,
	max_retries, scheduled_at, locked_until, locked_by, processed_at, error, created_at`

// Storage is a PostgreSQL task store.
type Storage struct {
	db           pg.DB
	retryBackoff time.Duration
}

var (
	_ queue.EnqueuerRepository  = (*Storage)(nil)
	_ queue.WorkerRepository    = (*Storage)(nil)
	_ queue.SchedulerRepository = (*Storage)(nil)
)

// Option configures a Storage.
type Option func(*Storage)

// WithRetryBackoff sets the linear backoff step applied between queue-level retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Storage) {
		if d >= 0 {
			s.retryBackoff = d
		}
	}
}

// New creates a Storage over db.
func New(db pg.DB, opts ...Option) *Storage {
	s := &Storage{db: db, retryBackoff: 30 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTask implements EnqueuerRepository and SchedulerRepository.
func (s *Storage) CreateTask(ctx context.Context, task *queue.Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO queue_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		task.ID, task.Queue, string(task.Kind), task.TaskName, task.Payload, string(task.Status),
		int16(task.Priority), int16(task.RetryCount), int16(task.MaxRetries), task.ScheduledAt,
		task.LockedUntil, task.LockedBy, task.ProcessedAt, task.Error, task.CreatedAt,
	)
	if pg.IsDuplicateKeyError(err) {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetPendingTaskByName implements SchedulerRepository.
func (s *Storage) GetPendingTaskByName(ctx context.Context, taskName string) (*queue.Task, error) {
	task, err := scanTask(s.db.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM queue_tasks
		WHERE task_name = $1 AND status = 'pending'
		ORDER BY scheduled_at
		LIMIT 1`, taskName))
	if pg.IsNotFoundError(err) {
		return nil, queue.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending task: %w", err)
	}
	return task, nil
}

// ClaimTask implements WorkerRepository.
// Highest priority wins; within a priority the earliest scheduled task goes first.
func (s *Storage) ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*queue.Task, error) {
	task, err := scanTask(s.db.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM queue_tasks
			WHERE queue = ANY($1)
			  AND scheduled_at <= now()
			  AND (
				(status = 'pending' AND (locked_until IS NULL OR locked_until <= now()))
				OR (status = 'processing' AND locked_until < now())
			  )
			ORDER BY priority DESC, scheduled_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_tasks t
		SET status = 'processing',
		    locked_until = now() + make_interval(secs => $3),
		    locked_by = $2
		FROM next
		WHERE t.id = next.id
		RETURNING `+prefixedTaskColumns,
		queues, workerID, lockDuration.Seconds(),
	))
	if pg.IsNotFoundError(err) {
		return nil, queue.ErrNoTaskToClaim
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

// CompleteTask implements WorkerRepository.
func (s *Storage) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE queue_tasks
		SET status = 'completed', processed_at = now(), locked_until = NULL, locked_by = NULL
		WHERE id = $1 AND status = 'processing'`, taskID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, taskID)
	}
	return nil
}

// FailTask implements WorkerRepository. Tasks with retries left go back to
// pending with a linear backoff; the rest are marked failed.
func (s *Storage) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE queue_tasks
		SET retry_count = retry_count + 1,
		    error = left($2, $3),
		    locked_until = NULL,
		    locked_by = NULL,
		    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
		    scheduled_at = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at
		        ELSE now() + make_interval(secs => (retry_count + 1) * $4::double precision) END
		WHERE id = $1 AND status = 'processing'`,
		taskID, errorMsg, queue.MaxErrorLength, s.retryBackoff.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, taskID)
	}
	return nil
}

// MoveToDLQ implements WorkerRepository.
func (s *Storage) MoveToDLQ(ctx context.Context, taskID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		WITH moved AS (
			DELETE FROM queue_tasks WHERE id = $1
			RETURNING id, queue, task_type, task_name, payload, priority, error, retry_count
		)
		INSERT INTO queue_tasks_dlq
			(id, task_id, queue, task_type, task_name, payload, priority, error, retry_count, failed_at, created_at)
		SELECT $2, id, queue, task_type, task_name, payload, priority, coalesce(error, ''), retry_count, now(), now()
		FROM moved`,
		taskID, uuid.New(),
	)
	if err != nil {
		return fmt.Errorf("move task to dead letter queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", queue.ErrTaskNotFound, taskID)
	}
	return nil
}

// PurgeCompleted deletes tasks completed before t and returns how many were removed.
func (s *Storage) PurgeCompleted(ctx context.Context, t time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM queue_tasks WHERE status = 'completed' AND processed_at < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("purge completed tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// missing explains why a guarded update touched no row.
func (s *Storage) missing(ctx context.Context, taskID uuid.UUID) error {
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM queue_tasks WHERE id = $1)`, taskID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("lookup task %s: %w", taskID, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", queue.ErrTaskNotFound, taskID)
	}
	return fmt.Errorf("%w: %s", queue.ErrTaskNotProcessing, taskID)
}

const prefixedTaskColumns = `t.id, t.queue, t.task_type, t.task_name, t.payload, t.status, t.priority,
	t.retry_count, t.max_retries, t.scheduled_at, t.locked_until, t.locked_by, t.processed_at,
	t.error, t.created_at`

func scanTask(row pgx.Row) (*queue.Task, error) {
	var (
		task       queue.Task
		kind       string
		status     string
		priority   int16
		retryCount int16
		maxRetries int16
	)
	err := row.Scan(&task.ID, &task.Queue, &kind, &task.TaskName, &task.Payload, &status,
		&priority, &retryCount, &maxRetries, &task.ScheduledAt, &task.LockedUntil, &task.LockedBy,
		&task.ProcessedAt, &task.Error, &task.CreatedAt)
	if err != nil {
		return nil, err
	}
	task.Kind = queue.Kind(kind)
	task.Status = queue.Status(status)
	task.Priority = queue.Priority(priority)
	task.RetryCount = int8(retryCount)
	task.MaxRetries = int8(maxRetries)
	return &task, nil
}
