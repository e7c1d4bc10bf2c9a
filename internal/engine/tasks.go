package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/notifications"
	"github.com/dmitrymomot/notifykit/pkg/queue"
)

// buildWorkers creates one worker pool per channel queue plus one for the
// maintenance queue.
func (e *Engine) buildWorkers() error {
	for _, ch := range notifications.Channels() {
		p := e.cfg.Channels.pool(ch)
		cfg := e.cfg.Queue.Worker(notifications.QueueName(ch))
		cfg.Concurrency = p.concurrency
		cfg.RatePerSecond, cfg.RateBurst = p.rate, p.burst
		cfg.Logger = e.named("worker").With(logger.Channel(string(ch)))

		w, err := queue.NewWorker(e.backends.Tasks, cfg)
		if err != nil {
			return fmt.Errorf("create %s worker: %w", ch, err)
		}
		if err := w.Register(e.deliveryHandler(ch)); err != nil {
			return fmt.Errorf("register %s handler: %w", ch, err)
		}
		e.workers = append(e.workers, w)
	}

	cfg := e.cfg.Queue.Worker(MaintenanceQueue)
	cfg.Logger = e.named("worker").With(slog.String("queue", MaintenanceQueue))
	w, err := queue.NewWorker(e.backends.Tasks, cfg)
	if err != nil {
		return fmt.Errorf("create maintenance worker: %w", err)
	}
	if err := w.Register(
		queue.PeriodicHandler(notifications.TaskRetrySweep, e.sweep),
		queue.PeriodicHandler(notifications.TaskDigestDaily, e.digests(notifications.FrequencyDaily)),
		queue.PeriodicHandler(notifications.TaskDigestWeekly, e.digests(notifications.FrequencyWeekly)),
		queue.PeriodicHandler(notifications.TaskCleanup, e.cleanup),
	); err != nil {
		return fmt.Errorf("register maintenance handlers: %w", err)
	}
	e.workers = append(e.workers, w)
	return nil
}

func (e *Engine) buildScheduler() error {
	n := e.cfg.Notify

	daily, err := queue.Cron(n.DailyDigestCron)
	if err != nil {
		return errors.Join(ErrInvalidConfig, fmt.Errorf("daily digest schedule: %w", err))
	}
	weekly, err := queue.Cron(n.WeeklyDigestCron)
	if err != nil {
		return errors.Join(ErrInvalidConfig, fmt.Errorf("weekly digest schedule: %w", err))
	}
	cleanup, err := queue.Cron(n.CleanupCron)
	if err != nil {
		return errors.Join(ErrInvalidConfig, fmt.Errorf("cleanup schedule: %w", err))
	}

	s, err := queue.NewScheduler(e.backends.Tasks, e.cfg.Queue.CheckInterval, e.named("scheduler"))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	for _, p := range []queue.Periodic{
		{Name: notifications.TaskRetrySweep, Schedule: queue.Every(time.Minute), Priority: queue.PriorityHigh},
		{Name: notifications.TaskDigestDaily, Schedule: daily},
		{Name: notifications.TaskDigestWeekly, Schedule: weekly},
		{Name: notifications.TaskCleanup, Schedule: cleanup, Priority: queue.PriorityLow},
	} {
		p.Queue = MaintenanceQueue
		if err := s.AddTask(p); err != nil {
			return fmt.Errorf("schedule %s: %w", p.Name, err)
		}
	}
	e.scheduler = s
	return nil
}

// deliveryHandler attempts the delivery named by the task. Delivery
// failures are recorded on the record, so only store errors fail the task.
func (e *Engine) deliveryHandler(ch notifications.Channel) queue.Handler {
	return queue.JSONHandler(notifications.TaskName(ch), func(ctx context.Context, t notifications.DeliveryTask) error {
		d, err := e.manager.Process(ctx, t.DeliveryID)
		switch {
		case errors.Is(err, notifications.ErrNotFound):
			e.log.LogAttrs(ctx, slog.LevelWarn, "delivery task for unknown record dropped",
				logger.DeliveryID(t.DeliveryID),
				logger.Channel(string(ch)),
			)
			return nil
		case err != nil:
			return fmt.Errorf("process delivery %s: %w", t.DeliveryID, err)
		}

		e.log.LogAttrs(ctx, slog.LevelDebug, "delivery task processed",
			logger.DeliveryID(d.ID),
			logger.State(string(d.State)),
			logger.Attempt(d.Attempts),
		)
		return nil
	})
}

// sweep and cleanup leave result logging to the RetryScheduler.
func (e *Engine) sweep(ctx context.Context) error {
	_, err := e.retry.Sweep(ctx, e.now())
	return err
}

func (e *Engine) digests(freq notifications.Frequency) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := e.digest.RunDigests(ctx, freq, e.now())
		e.log.LogAttrs(ctx, slog.LevelInfo, "digest run finished",
			slog.String("frequency", string(freq)),
			slog.Int("sent", n),
			logger.Error(err),
		)
		return err
	}
}

func (e *Engine) cleanup(ctx context.Context) error {
	now := e.now()
	_, err := e.retry.Cleanup(ctx, now)

	p, ok := e.backends.Tasks.(completedPurger)
	if !ok {
		return err
	}
	purged, purgeErr := p.PurgeCompleted(ctx, now.Add(-e.cfg.Notify.Retention))
	if purgeErr != nil {
		return errors.Join(err, fmt.Errorf("purge completed tasks: %w", purgeErr))
	}
	e.log.LogAttrs(ctx, slog.LevelInfo, "completed tasks purged",
		logger.TaskName(notifications.TaskCleanup),
		slog.Int("tasks", purged),
	)
	return err
}
