package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// SchedulerRepository defines the interface for scheduler operations
type SchedulerRepository interface {
	// CreateTask creates a new task in the storage
	CreateTask(ctx context.Context, task *Task) error

	// GetPendingTaskByName returns the pending task with the given name, or ErrTaskNotFound
	GetPendingTaskByName(ctx context.Context, taskName string) (*Task, error)
}

// Periodic describes a task the Scheduler creates each time Schedule comes due.
// Zero Queue, Priority and MaxRetries fall back to DefaultQueueName,
// PriorityDefault and 3.
type Periodic struct {
	Name       string
	Schedule   Schedule
	Queue      string
	Priority   Priority
	MaxRetries int8
}

// Scheduler turns periodic task definitions into queue tasks as they come due.
// At most one pending instance of each periodic task exists at a time.
type Scheduler struct {
	repo     SchedulerRepository
	tasks    map[string]*scheduledTask
	mu       sync.RWMutex
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

type scheduledTask struct {
	Periodic
	lastScheduledAt *time.Time
}

// NewScheduler creates a scheduler that checks for due tasks every
// checkInterval, 30s when not positive. A nil log uses slog.Default.
func NewScheduler(repo SchedulerRepository, checkInterval time.Duration, log *slog.Logger) (*Scheduler, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	return &Scheduler{
		repo:     repo,
		tasks:    make(map[string]*scheduledTask),
		interval: checkInterval,
		logger:   log,
		now:      time.Now,
	}, nil
}

// AddTask registers p. Names are unique per scheduler.
func (s *Scheduler) AddTask(p Periodic) error {
	switch {
	case p.Name == "":
		return ErrTaskNameEmpty
	case p.Schedule == nil:
		return ErrInvalidSchedule
	case !p.Priority.valid():
		return ErrInvalidPriority
	}
	if p.Queue == "" {
		p.Queue = DefaultQueueName
	}
	if p.Priority == 0 {
		p.Priority = PriorityDefault
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[p.Name]; exists {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyRegistered, p.Name)
	}
	s.tasks[p.Name] = &scheduledTask{Periodic: p}

	s.logger.Info("registered periodic task",
		logger.TaskName(p.Name),
		slog.String("queue", p.Queue),
		slog.String("schedule", p.Schedule.String()))

	return nil
}

// Start checks for due tasks immediately and then on every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.RLock()
	taskCount := len(s.tasks)
	s.mu.RUnlock()

	if taskCount == 0 {
		return ErrSchedulerNotConfigured
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.CheckTasks(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.CheckTasks(ctx)
		}
	}
}

// Run returns a function suitable for errgroup. Cancellation is not reported as an error.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		if err := s.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

// CheckTasks creates a queue task for every periodic task that is due.
func (s *Scheduler) CheckTasks(ctx context.Context) {
	s.mu.RLock()
	tasks := make([]*scheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.mu.RUnlock()

	now := s.now()
	for _, task := range tasks {
		if err := s.scheduleTaskIfNeeded(ctx, task, now); err != nil {
			s.logger.LogAttrs(ctx, slog.LevelError, "failed to schedule task",
				logger.TaskName(task.Name),
				logger.Error(err))
		}
	}
}

func (s *Scheduler) scheduleTaskIfNeeded(ctx context.Context, task *scheduledTask, now time.Time) error {
	s.mu.RLock()
	last := task.lastScheduledAt
	s.mu.RUnlock()

	var nextRun time.Time
	if last == nil {
		nextRun = task.Schedule.Next(now)
	} else {
		nextRun = task.Schedule.Next(*last)
		if nextRun.After(now) {
			return nil
		}
	}

	existing, err := s.repo.GetPendingTaskByName(ctx, task.Name)
	switch {
	case err == nil && existing != nil:
		s.setLastScheduled(task.Name, existing.ScheduledAt)
		return nil
	case err != nil && !errors.Is(err, ErrTaskNotFound):
		return fmt.Errorf("failed to look up pending task: %w", err)
	}

	if err := s.repo.CreateTask(ctx, &Task{
		ID:          uuid.New(),
		Queue:       task.Queue,
		Kind:        KindPeriodic,
		TaskName:    task.Name,
		Status:      StatusPending,
		Priority:    task.Priority,
		MaxRetries:  task.MaxRetries,
		ScheduledAt: nextRun,
		CreatedAt:   now,
	}); err != nil {
		return fmt.Errorf("failed to create periodic task: %w", err)
	}

	s.setLastScheduled(task.Name, nextRun)
	s.logger.Debug("created periodic task",
		logger.TaskName(task.Name),
		slog.Time("scheduled_for", nextRun))

	return nil
}

func (s *Scheduler) setLastScheduled(taskName string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[taskName]; ok {
		t.lastScheduledAt = &at
	}
}
