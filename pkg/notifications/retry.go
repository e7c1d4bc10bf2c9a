package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// Pruner is implemented by suppression indexes that keep expired entries around.
type Pruner interface {
	Prune(now time.Time) int
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	// Released are pending records whose NextAttemptAt passed (backoff or quiet hours).
	Released int
	// Requeued are unscheduled pending records whose original enqueue was lost.
	Requeued int
	// Recovered are records abandoned in sending.
	Recovered int
	// Expired are pending records skipped because their intent expired.
	Expired int
}

// CleanupResult counts what a retention run removed.
type CleanupResult struct {
	Deliveries  int
	InboxItems  int
	Suppression int
}

// RetryScheduler is the clock-driven half of the retry loop: it hands due
// pending records back to the channel queues and repairs records a crash left behind.
type RetryScheduler struct {
	manager    *Manager
	storage    Storage
	queue      TaskQueue
	index      SuppressionIndex
	lease      time.Duration
	staleAfter time.Duration
	retention  time.Duration
	batchSize  int
	metrics    *Metrics
	logger     *slog.Logger
}

// RetryOption configures a RetryScheduler.
type RetryOption func(*RetryScheduler)

// WithEnqueueLease sets how long an unscheduled pending record may wait for
// its worker before it is enqueued again.
func WithEnqueueLease(d time.Duration) RetryOption {
	return func(s *RetryScheduler) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithStaleSendingAfter sets how long a record may stay in sending before it
// is treated as abandoned. Keep it above the attempt timeout.
func WithStaleSendingAfter(d time.Duration) RetryOption {
	return func(s *RetryScheduler) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithRetention sets how long terminal records and read inbox items are kept.
func WithRetention(d time.Duration) RetryOption {
	return func(s *RetryScheduler) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithSweepBatchSize bounds how many records each sweep step loads.
func WithSweepBatchSize(n int) RetryOption {
	return func(s *RetryScheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithSuppressionIndex lets Cleanup prune an index implementing Pruner.
func WithSuppressionIndex(idx SuppressionIndex) RetryOption {
	return func(s *RetryScheduler) {
		s.index = idx
	}
}

// WithRetryMetrics records sweep results.
func WithRetryMetrics(m *Metrics) RetryOption {
	return func(s *RetryScheduler) {
		s.metrics = m
	}
}

// WithRetryLogger sets the logger for the RetryScheduler.
func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(s *RetryScheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewRetryScheduler creates a scheduler over manager's storage.
func NewRetryScheduler(manager *Manager, queue TaskQueue, opts ...RetryOption) (*RetryScheduler, error) {
	if manager == nil {
		return nil, ErrMissingStorage
	}
	if queue == nil {
		return nil, ErrMissingQueue
	}

	s := &RetryScheduler{
		manager:    manager,
		storage:    manager.Storage(),
		queue:      queue,
		lease:      10 * time.Minute,
		staleAfter: 5 * time.Minute,
		retention:  DefaultRetention,
		batchSize:  500,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sweep re-enqueues pending records due at now, re-enqueues pending records
// whose enqueue was lost, and fails attempts abandoned in sending. Deferred and
// backed-off records are treated alike: only NextAttemptAt matters.
func (s *RetryScheduler) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var (
		res  SweepResult
		errs []error
	)

	released, err := s.releaseDue(ctx, now, &res.Expired)
	res.Released = released
	errs = append(errs, err)

	requeued, err := s.requeueOrphans(ctx, now, &res.Expired)
	res.Requeued = requeued
	errs = append(errs, err)

	recovered, err := s.recoverStale(ctx, now)
	res.Recovered = recovered
	errs = append(errs, err)

	s.metrics.observeReleased("due", res.Released)
	s.metrics.observeReleased("orphan", res.Requeued)
	s.metrics.observeReleased("stale", res.Recovered)

	if res != (SweepResult{}) {
		s.logger.LogAttrs(ctx, slog.LevelInfo, "retry sweep finished",
			slog.Int("released", res.Released),
			slog.Int("requeued", res.Requeued),
			slog.Int("recovered", res.Recovered),
			slog.Int("expired", res.Expired),
		)
	}
	return res, errors.Join(errs...)
}

func (s *RetryScheduler) releaseDue(ctx context.Context, now time.Time, expired *int) (int, error) {
	due, err := s.storage.ListDeliveries(ctx, DeliveryFilter{
		States: []State{StatePending},
		DueAt:  &now,
		Limit:  s.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list due deliveries: %w", err)
	}

	n := 0
	var errs []error
	for _, d := range due {
		if d.Expired(now) {
			errs = append(errs, s.expire(ctx, d, now, expired))
			continue
		}
		// Clear the schedule first: if the enqueue below is lost, the record
		// is an unscheduled orphan and requeueOrphans picks it up.
		d.NextAttemptAt = nil
		d.UpdatedAt = now
		d, err := s.storage.UpdateDelivery(ctx, d)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.enqueue(ctx, d); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (s *RetryScheduler) requeueOrphans(ctx context.Context, now time.Time, expired *int) (int, error) {
	before := now.Add(-s.lease)
	orphans, err := s.storage.ListDeliveries(ctx, DeliveryFilter{
		States:        []State{StatePending},
		Unscheduled:   true,
		UpdatedBefore: &before,
		Limit:         s.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list orphaned deliveries: %w", err)
	}

	n := 0
	var errs []error
	for _, d := range orphans {
		if d.Expired(now) {
			errs = append(errs, s.expire(ctx, d, now, expired))
			continue
		}
		// Touch the record so the next sweep does not enqueue it again.
		d.UpdatedAt = now
		d, err := s.storage.UpdateDelivery(ctx, d)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.enqueue(ctx, d); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (s *RetryScheduler) recoverStale(ctx context.Context, now time.Time) (int, error) {
	before := now.Add(-s.staleAfter)
	stale, err := s.storage.ListDeliveries(ctx, DeliveryFilter{
		States:        []State{StateSending},
		UpdatedBefore: &before,
		Limit:         s.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale deliveries: %w", err)
	}

	n := 0
	var errs []error
	for _, d := range stale {
		_, err := s.manager.Recover(ctx, d, now)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (s *RetryScheduler) expire(ctx context.Context, d Delivery, now time.Time, n *int) error {
	_, err := s.manager.Expire(ctx, d, now)
	switch {
	case errors.Is(err, ErrConflict):
		return nil
	case err != nil:
		return fmt.Errorf("expire delivery %s: %w", d.ID, err)
	}
	*n++
	return nil
}

func (s *RetryScheduler) enqueue(ctx context.Context, d Delivery) error {
	if _, err := enqueueDelivery(ctx, s.queue, d); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelError, "failed to enqueue delivery",
			logger.DeliveryID(d.ID),
			logger.Channel(string(d.Channel)),
			logger.Error(err),
		)
		return fmt.Errorf("enqueue delivery %s: %w", d.ID, err)
	}
	return nil
}

// Cleanup deletes terminal deliveries and read inbox items older than the
// retention period and prunes expired suppression entries.
func (s *RetryScheduler) Cleanup(ctx context.Context, now time.Time) (CleanupResult, error) {
	var res CleanupResult
	before := now.Add(-s.retention)

	n, err := s.storage.DeleteTerminalBefore(ctx, before)
	if err != nil {
		return res, fmt.Errorf("delete terminal deliveries: %w", err)
	}
	res.Deliveries = n

	n, err = s.storage.DeleteReadInboxBefore(ctx, before)
	if err != nil {
		return res, fmt.Errorf("delete read inbox items: %w", err)
	}
	res.InboxItems = n

	if p, ok := s.index.(Pruner); ok {
		res.Suppression = p.Prune(now)
	}

	s.logger.LogAttrs(ctx, slog.LevelInfo, "retention cleanup finished",
		slog.Int("deliveries", res.Deliveries),
		slog.Int("inbox_items", res.InboxItems),
		slog.Int("suppression_entries", res.Suppression),
	)
	return res, nil
}
