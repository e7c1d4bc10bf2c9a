package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	_ EnqueuerRepository  = (*MemoryStorage)(nil)
	_ WorkerRepository    = (*MemoryStorage)(nil)
	_ SchedulerRepository = (*MemoryStorage)(nil)
)

// MemoryStorage implements all queue repository interfaces for tests and single-process deployments.
type MemoryStorage struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*Task
	dlq   map[uuid.UUID]*DeadLetter

	byStatus map[Status][]uuid.UUID

	retryBackoff time.Duration
	lockTicker   *time.Ticker
	done         chan struct{}
	closeOnce    sync.Once
}

// MemoryStorageOption configures a MemoryStorage.
type MemoryStorageOption func(*MemoryStorage)

// WithRetryBackoff sets the linear backoff step applied between queue-level retries.
func WithRetryBackoff(d time.Duration) MemoryStorageOption {
	return func(ms *MemoryStorage) {
		if d >= 0 {
			ms.retryBackoff = d
		}
	}
}

// NewMemoryStorage creates a new in-memory storage and starts its lock expiration loop.
// Call Close to stop it.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	ms := &MemoryStorage{
		tasks:        make(map[uuid.UUID]*Task),
		dlq:          make(map[uuid.UUID]*DeadLetter),
		byStatus:     make(map[Status][]uuid.UUID),
		retryBackoff: 30 * time.Second,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ms)
	}

	ms.lockTicker = time.NewTicker(time.Second)
	go ms.lockExpirationManager()

	return ms
}

// Close stops the background goroutines
func (ms *MemoryStorage) Close() error {
	ms.closeOnce.Do(func() {
		close(ms.done)
		ms.lockTicker.Stop()
	})
	return nil
}

// CreateTask implements EnqueuerRepository and SchedulerRepository
func (ms *MemoryStorage) CreateTask(_ context.Context, task *Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}

	taskCopy := *task
	ms.tasks[task.ID] = &taskCopy
	ms.byStatus[task.Status] = append(ms.byStatus[task.Status], task.ID)

	return nil
}

// GetPendingTaskByName implements SchedulerRepository
func (ms *MemoryStorage) GetPendingTaskByName(_ context.Context, taskName string) (*Task, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	for _, id := range ms.byStatus[StatusPending] {
		if task := ms.tasks[id]; task.TaskName == taskName {
			taskCopy := *task
			return &taskCopy, nil
		}
	}
	return nil, ErrTaskNotFound
}

// ClaimTask implements WorkerRepository.
// Highest priority wins; within a priority the earliest scheduled task goes first.
func (ms *MemoryStorage) ClaimTask(_ context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	var best *Task

	for _, taskID := range ms.byStatus[StatusPending] {
		task := ms.tasks[taskID]
		if !slices.Contains(queues, task.Queue) || !task.IsReady(now) {
			continue
		}
		if best == nil ||
			task.Priority > best.Priority ||
			(task.Priority == best.Priority && task.ScheduledAt.Before(best.ScheduledAt)) {
			best = task
		}
	}

	if best == nil {
		return nil, ErrNoTaskToClaim
	}

	lockUntil := now.Add(lockDuration)
	best.Status = StatusProcessing
	best.LockedUntil = &lockUntil
	best.LockedBy = &workerID
	ms.moveStatus(best.ID, StatusPending, StatusProcessing)

	taskCopy := *best
	return &taskCopy, nil
}

// CompleteTask implements WorkerRepository
func (ms *MemoryStorage) CompleteTask(_ context.Context, taskID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, err := ms.processingTask(taskID)
	if err != nil {
		return err
	}

	now := time.Now()
	task.Status = StatusCompleted
	task.ProcessedAt = &now
	task.LockedUntil = nil
	task.LockedBy = nil
	ms.moveStatus(taskID, StatusProcessing, StatusCompleted)

	return nil
}

// FailTask implements WorkerRepository. Tasks with retries left go back to
// pending with a linear backoff; the rest are marked failed.
func (ms *MemoryStorage) FailTask(_ context.Context, taskID uuid.UUID, errorMsg string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, err := ms.processingTask(taskID)
	if err != nil {
		return err
	}

	errorMsg = truncateError(errorMsg)
	task.RetryCount++
	task.Error = &errorMsg
	task.LockedUntil = nil
	task.LockedBy = nil

	if task.RetryCount >= task.MaxRetries {
		task.Status = StatusFailed
		ms.moveStatus(taskID, StatusProcessing, StatusFailed)
		return nil
	}

	task.Status = StatusPending
	task.ScheduledAt = time.Now().Add(time.Duration(task.RetryCount) * ms.retryBackoff)
	ms.moveStatus(taskID, StatusProcessing, StatusPending)

	return nil
}

// MoveToDLQ implements WorkerRepository
func (ms *MemoryStorage) MoveToDLQ(_ context.Context, taskID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	entry := &DeadLetter{
		ID:         uuid.New(),
		TaskID:     task.ID,
		Queue:      task.Queue,
		Kind:       task.Kind,
		TaskName:   task.TaskName,
		Payload:    task.Payload,
		Priority:   task.Priority,
		RetryCount: task.RetryCount,
		FailedAt:   time.Now(),
	}
	if task.Error != nil {
		entry.Error = *task.Error
	}
	ms.dlq[entry.ID] = entry

	ms.removeFromStatusIndex(taskID, task.Status)
	delete(ms.tasks, taskID)

	return nil
}

// GetTask returns a copy of the task with the given id.
func (ms *MemoryStorage) GetTask(_ context.Context, taskID uuid.UUID) (*Task, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	task, ok := ms.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	taskCopy := *task
	return &taskCopy, nil
}

// Count returns the number of tasks in the given status across all queues.
func (ms *MemoryStorage) Count(status Status) int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.byStatus[status])
}

// DeadLetters returns copies of every task in the dead letter queue.
func (ms *MemoryStorage) DeadLetters() []DeadLetter {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]DeadLetter, 0, len(ms.dlq))
	for _, entry := range ms.dlq {
		out = append(out, *entry)
	}
	return out
}

func (ms *MemoryStorage) processingTask(taskID uuid.UUID) (*Task, error) {
	task, exists := ms.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != StatusProcessing {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotProcessing, taskID)
	}
	return task, nil
}

func (ms *MemoryStorage) moveStatus(taskID uuid.UUID, from, to Status) {
	ms.removeFromStatusIndex(taskID, from)
	ms.byStatus[to] = append(ms.byStatus[to], taskID)
}

func (ms *MemoryStorage) removeFromStatusIndex(taskID uuid.UUID, status Status) {
	ms.byStatus[status] = slices.DeleteFunc(ms.byStatus[status], func(id uuid.UUID) bool {
		return id == taskID
	})
}

// lockExpirationManager returns tasks held by crashed or stuck workers to pending
// once their lock expires. The retry count is left untouched.
func (ms *MemoryStorage) lockExpirationManager() {
	for {
		select {
		case <-ms.lockTicker.C:
			ms.expireLocks(time.Now())
		case <-ms.done:
			return
		}
	}
}

func (ms *MemoryStorage) expireLocks(now time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, taskID := range slices.Clone(ms.byStatus[StatusProcessing]) {
		task := ms.tasks[taskID]
		if task.LockedUntil != nil && task.LockedUntil.Before(now) {
			task.Status = StatusPending
			task.LockedUntil = nil
			task.LockedBy = nil
			ms.moveStatus(taskID, StatusProcessing, StatusPending)
		}
	}
}
