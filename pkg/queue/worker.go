package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// WorkerRepository is the storage a Worker claims from and reports to.
type WorkerRepository interface {
	// ClaimTask locks the next ready task in queues for lockDuration, or
	// returns ErrNoTaskToClaim.
	ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error)
	CompleteTask(ctx context.Context, taskID uuid.UUID) error
	// FailTask records errorMsg and either reschedules the task or marks it failed.
	FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error
	MoveToDLQ(ctx context.Context, taskID uuid.UUID) error
}

// WorkerConfig sizes a Worker. Zero fields fall back to one slot, a 1s poll
// and a 2m lock; a zero RatePerSecond leaves the worker unlimited.
type WorkerConfig struct {
	Queues        []string
	PollInterval  time.Duration
	LockTimeout   time.Duration // also bounds a single handler run
	Concurrency   int
	RatePerSecond float64
	RateBurst     int
	Logger        *slog.Logger
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if len(c.Queues) == 0 {
		c.Queues = []string{DefaultQueueName}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 2 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.RateBurst < 1 {
		c.RateBurst = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker claims tasks from its queues and runs the matching handlers.
type Worker struct {
	repo     WorkerRepository
	handlers map[string]Handler
	queues   []string
	workerID uuid.UUID
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopMu   sync.Mutex // guards stopping against wg.Add

	pullInterval time.Duration
	lockTimeout  time.Duration
	limiter      *rate.Limiter
	logger       *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
}

// NewWorker creates a worker. Register handlers before Start.
func NewWorker(repo WorkerRepository, cfg WorkerConfig) (*Worker, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	cfg = cfg.withDefaults()

	w := &Worker{
		repo:         repo,
		handlers:     make(map[string]Handler),
		queues:       cfg.Queues,
		workerID:     uuid.New(),
		sem:          make(chan struct{}, cfg.Concurrency),
		pullInterval: cfg.PollInterval,
		lockTimeout:  cfg.LockTimeout,
	}
	w.logger = cfg.Logger.With(slog.String("worker_id", w.workerID.String()))
	if cfg.RatePerSecond > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
	}
	return w, nil
}

// Register adds handlers keyed by their Name. Names must be unique per worker.
func (w *Worker) Register(handlers ...Handler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, h := range handlers {
		if h.Name == "" || h.Run == nil {
			return ErrInvalidHandler
		}
		if _, exists := w.handlers[h.Name]; exists {
			return fmt.Errorf("%w: %s", ErrTaskAlreadyRegistered, h.Name)
		}
		w.handlers[h.Name] = h
	}
	return nil
}

// Start begins processing tasks in the background
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return ErrWorkerAlreadyStarted
	}
	if len(w.handlers) == 0 {
		w.mu.Unlock()
		return ErrNoHandlers
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.stopping.Store(false)
	go w.run()

	w.logger.Info("worker started",
		slog.Any("queues", w.queues),
		slog.Int("max_concurrent", cap(w.sem)))

	return nil
}

// Stop cancels polling and waits for in-flight tasks to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return ErrWorkerNotStarted
	}

	w.stopMu.Lock()
	w.stopping.Store(true)
	w.stopMu.Unlock()

	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()

	w.logger.Info("worker stopping, waiting for active tasks to complete")
	w.wg.Wait()
	w.logger.Info("worker stopped")

	return nil
}

// Run starts the worker and returns a function suitable for errgroup
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return w.Stop()
	}
}

func (w *Worker) run() {
	ticker := time.NewTicker(w.pullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			select {
			case w.sem <- struct{}{}:
				// Stop must not race with wg.Add.
				w.stopMu.Lock()
				if w.stopping.Load() {
					w.stopMu.Unlock()
					<-w.sem
					return
				}
				w.wg.Add(1)
				w.stopMu.Unlock()

				go func() {
					defer w.wg.Done()
					defer func() { <-w.sem }()
					w.drain()
				}()
			default:
				w.logger.Debug("all worker slots busy, skipping tick")
			}
		}
	}
}

// drain keeps claiming tasks until the queues are empty or the worker stops,
// so one tick can clear a backlog instead of a single task.
func (w *Worker) drain() {
	for w.ctx.Err() == nil {
		if w.limiter != nil {
			if err := w.limiter.Wait(w.ctx); err != nil {
				return
			}
		}

		claimed, err := w.pullAndProcess()
		if err != nil && !errors.Is(err, ErrHandlerNotFound) {
			w.logger.LogAttrs(w.ctx, slog.LevelError, "failed to process task",
				logger.Error(err))
		}
		if !claimed || err != nil {
			return
		}
	}
}

func (w *Worker) pullAndProcess() (bool, error) {
	task, err := w.repo.ClaimTask(w.ctx, w.workerID, w.queues, w.lockTimeout)
	if err != nil {
		if errors.Is(err, ErrNoTaskToClaim) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	w.logger.Debug("claimed task",
		slog.String("task_id", task.ID.String()),
		logger.TaskName(task.TaskName),
		slog.String("queue", task.Queue))

	return true, w.processTask(task)
}

func (w *Worker) processTask(task *Task) (retErr error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in handler: %v", r)
			w.logger.Error("handler panicked",
				slog.String("task_id", task.ID.String()),
				logger.TaskName(task.TaskName),
				slog.Any("panic", r))
			_ = w.handleTaskFailure(task, retErr, time.Since(start))
		}
	}()

	w.mu.RLock()
	handler, ok := w.handlers[task.TaskName]
	w.mu.RUnlock()

	if !ok {
		return w.handleMissingHandler(task)
	}

	// Detached from the worker context so shutdown lets running tasks finish.
	ctx, cancel := context.WithTimeout(context.Background(), w.lockTimeout)
	defer cancel()

	if err := handler.Run(ctx, task.Payload); err != nil {
		return w.handleTaskFailure(task, err, time.Since(start))
	}
	return w.handleTaskSuccess(task, time.Since(start))
}

// handleMissingHandler sends the task straight to the DLQ; retrying cannot help.
func (w *Worker) handleMissingHandler(task *Task) error {
	w.logger.Error("no handler registered for task type",
		slog.String("task_id", task.ID.String()),
		logger.TaskName(task.TaskName))

	if err := w.repo.FailTask(w.ctx, task.ID, "no handler registered for task type: "+task.TaskName); err != nil {
		return fmt.Errorf("failed to mark task %s as failed: %w", task.ID, err)
	}
	if err := w.repo.MoveToDLQ(w.ctx, task.ID); err != nil {
		return fmt.Errorf("failed to move task %s to DLQ: %w", task.ID, err)
	}
	return ErrHandlerNotFound
}

// handleTaskFailure records the error. FailTask decides whether the task is retried;
// once RetryCount reaches MaxRetries the task goes to the DLQ.
func (w *Worker) handleTaskFailure(task *Task, execErr error, duration time.Duration) error {
	w.logger.LogAttrs(context.Background(), slog.LevelWarn, "task failed",
		slog.String("task_id", task.ID.String()),
		logger.TaskName(task.TaskName),
		slog.Int("retry_count", int(task.RetryCount)),
		slog.Int("max_retries", int(task.MaxRetries)),
		logger.Duration(duration),
		logger.Error(execErr))

	if err := w.repo.FailTask(w.ctx, task.ID, execErr.Error()); err != nil {
		return fmt.Errorf("failed to update task %s status to failed: %w", task.ID, err)
	}

	if task.RetryCount+1 >= task.MaxRetries {
		if err := w.repo.MoveToDLQ(w.ctx, task.ID); err != nil {
			return fmt.Errorf("failed to move task %s to DLQ after max retries: %w", task.ID, err)
		}
		w.logger.Warn("task moved to dead letter queue",
			slog.String("task_id", task.ID.String()),
			logger.TaskName(task.TaskName))
	}

	return nil
}

func (w *Worker) handleTaskSuccess(task *Task, duration time.Duration) error {
	if err := w.repo.CompleteTask(w.ctx, task.ID); err != nil {
		return fmt.Errorf("failed to mark task %s as completed: %w", task.ID, err)
	}

	w.logger.Debug("task completed",
		slog.String("task_id", task.ID.String()),
		logger.TaskName(task.TaskName),
		slog.String("queue", task.Queue),
		logger.Duration(duration))

	return nil
}
