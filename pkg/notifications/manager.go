package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/statemachine"
)

// Delivery lifecycle events.
const (
	EventStart   Event = "start"
	EventSucceed Event = "succeed"
	EventFail    Event = "fail"
	EventResolve Event = "resolve"
	EventSkip    Event = "skip"
)

// Event drives a delivery between states.
type Event string

// Name implements statemachine.Event.
func (e Event) Name() string { return string(e) }

// transition carries one step's inputs and, after the step, the persisted record.
type transition struct {
	delivery  Delivery
	now       time.Time
	result    Result
	err       error
	permanent bool
	reason    SkipReason
	persist   bool
}

// Manager owns the delivery state machine and its persistence.
//
//	pending -start-> sending -succeed-> sent
//	                 sending -fail-> failed -resolve-> pending   (attempts left, transient)
//	                                        -resolve-> exhausted (otherwise)
//	pending -skip-> skipped
//
// Every transition is written with an optimistic version check before the
// next step runs, so a record is never attempted twice concurrently.
type Manager struct {
	storage        Storage
	senders        map[Channel]Sender
	machine        *statemachine.Table
	backoff        Backoff
	attemptTimeout time.Duration
	metrics        *Metrics
	logger         *slog.Logger
	now            func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger for the Manager.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSender registers the sender for a channel.
func WithSender(ch Channel, s Sender) ManagerOption {
	return func(m *Manager) {
		if s != nil {
			m.senders[ch] = s
		}
	}
}

// WithBackoff overrides the retry backoff.
func WithBackoff(b Backoff) ManagerOption {
	return func(m *Manager) {
		m.backoff = b
	}
}

// WithAttemptTimeout bounds a single attempt. Zero disables the bound.
func WithAttemptTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.attemptTimeout = d
	}
}

// WithManagerMetrics records attempt outcomes.
func WithManagerMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithManagerClock replaces time.Now.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a Manager over storage.
func NewManager(storage Storage, opts ...ManagerOption) (*Manager, error) {
	if storage == nil {
		return nil, ErrMissingStorage
	}

	m := &Manager{
		storage:        storage,
		senders:        make(map[Channel]Sender),
		backoff:        DefaultBackoff(),
		attemptTimeout: DefaultAttemptTimeout,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	machine, err := statemachine.New([]statemachine.Transition{
		{From: StatePending, To: StateSending, Event: EventStart, Actions: []statemachine.Action{m.startAttempt, m.save}},
		{From: StateSending, To: StateSent, Event: EventSucceed, Actions: []statemachine.Action{m.markSent, m.save}},
		{From: StateSending, To: StateFailed, Event: EventFail, Actions: []statemachine.Action{m.markFailed, m.save}},
		{From: StateFailed, To: StatePending, Event: EventResolve, Guards: []statemachine.Guard{retryable}, Actions: []statemachine.Action{m.scheduleRetry, m.save}},
		{From: StateFailed, To: StateExhausted, Event: EventResolve, Actions: []statemachine.Action{m.markExhausted, m.save}},
		{From: StatePending, To: StateSkipped, Event: EventSkip, Actions: []statemachine.Action{m.markSkipped, m.save}},
	}, StateSent, StateExhausted, StateSkipped)
	if err != nil {
		return nil, err
	}
	m.machine = machine

	return m, nil
}

// Storage returns the underlying record store.
func (m *Manager) Storage() Storage {
	return m.storage
}

// Get returns a delivery by ID.
func (m *Manager) Get(ctx context.Context, id string) (Delivery, error) {
	return m.storage.GetDelivery(ctx, id)
}

// Process runs one attempt for the delivery and persists the outcome. It is the
// entry point of channel workers and is safe under at-least-once redelivery:
// terminal, in-flight and not-yet-due records are left untouched.
// Only store failures are returned; delivery failures are recorded on the record.
func (m *Manager) Process(ctx context.Context, id string) (Delivery, error) {
	d, err := m.storage.GetDelivery(ctx, id)
	if err != nil {
		return Delivery{}, err
	}

	now := m.now()
	switch {
	case d.State.IsTerminal(), d.State == StateSending:
		m.logger.LogAttrs(ctx, slog.LevelDebug, "delivery not processable, skipping",
			logger.DeliveryID(d.ID),
			logger.State(string(d.State)),
		)
		return d, nil
	case d.State == StateFailed:
		// Crashed between recording the failure and resolving it.
		return m.resolve(ctx, d, now, false)
	case d.Expired(now):
		return m.Expire(ctx, d, now)
	case !d.Due(now):
		m.logger.LogAttrs(ctx, slog.LevelDebug, "delivery not due yet",
			logger.DeliveryID(d.ID),
			logger.NextAttemptAt(d.NextAttemptAt),
		)
		return d, nil
	}

	d, err = m.fire(ctx, d, EventStart, &transition{now: now, persist: true})
	if errors.Is(err, ErrConflict) {
		// Another worker claimed it first.
		return m.storage.GetDelivery(ctx, id)
	}
	if err != nil {
		return d, err
	}

	res, attemptErr := m.attempt(ctx, d)
	m.metrics.observeAttempt(d.Channel, res)

	if res.Outcome == Delivered && attemptErr == nil {
		d, err = m.fire(ctx, d, EventSucceed, &transition{now: m.now(), result: res, persist: true})
		if err != nil {
			return d, err
		}
		m.logger.LogAttrs(ctx, slog.LevelInfo, "delivery sent",
			logger.DeliveryID(d.ID),
			logger.Channel(string(d.Channel)),
			logger.RecipientID(d.RecipientID),
			logger.Attempt(d.Attempts),
			logger.Duration(res.Duration),
		)
		return d, nil
	}

	if attemptErr == nil {
		attemptErr = fmt.Errorf("attempt reported %s", res.Outcome)
	}
	permanent := res.Outcome == PermanentFailure
	d, err = m.fire(ctx, d, EventFail, &transition{now: m.now(), result: res, err: attemptErr, permanent: permanent, persist: true})
	if err != nil {
		return d, err
	}
	return m.resolve(ctx, d, m.now(), permanent)
}

// Recover fails an attempt abandoned in sending (worker crash) and resolves it
// like any transient failure.
func (m *Manager) Recover(ctx context.Context, d Delivery, now time.Time) (Delivery, error) {
	d, err := m.fire(ctx, d, EventFail, &transition{now: now, err: errors.New("attempt abandoned"), persist: true})
	if err != nil {
		return d, err
	}
	return m.resolve(ctx, d, now, false)
}

// Skip moves a pending delivery to skipped. Records in any other state are rejected.
func (m *Manager) Skip(ctx context.Context, id string, reason SkipReason) (Delivery, error) {
	d, err := m.storage.GetDelivery(ctx, id)
	if err != nil {
		return Delivery{}, err
	}
	return m.fire(ctx, d, EventSkip, &transition{now: m.now(), reason: reason, persist: true})
}

// Expire skips a pending record whose intent is no longer relevant.
func (m *Manager) Expire(ctx context.Context, d Delivery, now time.Time) (Delivery, error) {
	d, err := m.fire(ctx, d, EventSkip, &transition{now: now, reason: SkipExpired, persist: true})
	if err != nil {
		return d, err
	}
	m.metrics.observeSkipped(d.Channel, SkipExpired)
	m.logger.LogAttrs(ctx, slog.LevelInfo, "delivery expired before it was sent",
		logger.DeliveryID(d.ID),
		logger.Channel(string(d.Channel)),
		logger.RecipientID(d.RecipientID),
		logger.Attempt(d.Attempts),
	)
	return d, nil
}

// skipped stamps a new, not yet stored record as skipped. The dispatcher
// inserts the result directly so a skipped decision is a single write.
func (m *Manager) skipped(ctx context.Context, d Delivery, reason SkipReason, now time.Time) (Delivery, error) {
	return m.fire(ctx, d, EventSkip, &transition{now: now, reason: reason})
}

func (m *Manager) resolve(ctx context.Context, d Delivery, now time.Time, permanent bool) (Delivery, error) {
	d, err := m.fire(ctx, d, EventResolve, &transition{now: now, permanent: permanent, persist: true})
	if err != nil {
		return d, err
	}

	level := slog.LevelWarn
	msg := "delivery attempt failed, retry scheduled"
	if d.State == StateExhausted {
		level = slog.LevelError
		msg = "delivery exhausted"
	}
	m.logger.LogAttrs(ctx, level, msg,
		logger.DeliveryID(d.ID),
		logger.Channel(string(d.Channel)),
		logger.RecipientID(d.RecipientID),
		logger.Attempt(d.Attempts),
		logger.NextAttemptAt(d.NextAttemptAt),
		logger.Reason(d.LastError),
	)
	return d, nil
}

func (m *Manager) attempt(ctx context.Context, d Delivery) (Result, error) {
	sender, ok := m.senders[d.Channel]
	if !ok {
		return Result{Outcome: PermanentFailure}, fmt.Errorf("%w: %s", ErrNoSender, d.Channel)
	}

	// Once sending, an attempt is not cancelled with its caller; it ends on
	// completion or the attempt timeout, which counts as a transient failure.
	actx := context.WithoutCancel(ctx)
	if m.attemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, m.attemptTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := sender.Attempt(actx, d)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	res.Response = Excerpt(res.Response)
	return res, err
}

func (m *Manager) fire(ctx context.Context, d Delivery, event Event, t *transition) (Delivery, error) {
	t.delivery = d
	if _, err := m.machine.Fire(ctx, d.State, event, t); err != nil {
		switch {
		case errors.Is(err, statemachine.ErrTerminalState):
			return d, fmt.Errorf("%w: %s %s on %s", ErrTerminal, d.ID, d.State, event)
		case errors.Is(err, statemachine.ErrNoTransition), errors.Is(err, statemachine.ErrRejected):
			return d, fmt.Errorf("%w: %s on %s", ErrInvalidEvent, event, d.State)
		default:
			return d, err
		}
	}
	return t.delivery, nil
}

func retryable(_ context.Context, _ statemachine.State, _ statemachine.Event, data any) bool {
	t := data.(*transition)
	return !t.permanent && t.delivery.Attempts < t.delivery.MaxAttempts
}

func (m *Manager) startAttempt(_ context.Context, _, to statemachine.State, _ statemachine.Event, data any) error {
	t := data.(*transition)
	t.delivery.State = to.(State)
	t.delivery.Attempts++
	t.delivery.NextAttemptAt = nil
	t.delivery.UpdatedAt = t.now
	return nil
}

func (m *Manager) markSent(_ context.Context, _, to statemachine.State, _ statemachine.Event, data any) error {
	t := data.(*transition)
	t.delivery.State = to.(State)
	t.delivery.LastError = ""
	t.delivery.LastStatusCode = t.result.StatusCode
	t.delivery.LastResponse = t.result.Response
	t.delivery.LastDuration = t.result.Duration
	t.delivery.UpdatedAt = t.now
	t.delivery.TerminalAt = &t.now
	return nil
}

func (m *Manager) markFailed(_ context.Context, _, to statemachine.State, _ statemachine.Event, data any) error {
	t := data.(*transition)
	t.delivery.State = to.(State)
	if t.err != nil {
		t.delivery.LastError = Excerpt(t.err.Error())
	}
	t.delivery.LastStatusCode = t.result.StatusCode
	t.delivery.LastResponse = t.result.Response
	t.delivery.LastDuration = t.result.Duration
	t.delivery.UpdatedAt = t.now
	return nil
}

func (m *Manager) scheduleRetry(_ context.Context, _, to statemachine.State, _ statemachine.Event, data any) error {
	t := data.(*transition)
	// Attempts already counts the failed attempt, so the first retry waits Base.
	next := m.backoff.Next(t.now, t.delivery.Attempts-1)
	t.delivery.State = to.(State)
	t.delivery.NextAttemptAt = &next
	t.delivery.UpdatedAt = t.now
	return nil
}

func (m *Manager) markExhausted(_ context.Context, _, to statemachine.State, _ statemachine.Event, data any) error {
	t := data.(*transition)
	t.delivery.State = to.(State)
	t.delivery.NextAttemptAt = nil
	t.delivery.UpdatedAt = t.now
	t.delivery.TerminalAt = &t.now
	return nil
}

func (m *Manager) markSkipped(_ context.Context, _, to statemachine.State, _ statemachine.Event, data any) error {
	t := data.(*transition)
	t.delivery.State = to.(State)
	t.delivery.SkipReason = t.reason
	t.delivery.NextAttemptAt = nil
	t.delivery.UpdatedAt = t.now
	t.delivery.TerminalAt = &t.now
	return nil
}

func (m *Manager) save(ctx context.Context, _, _ statemachine.State, _ statemachine.Event, data any) error {
	t := data.(*transition)
	if !t.persist {
		return nil
	}
	saved, err := m.storage.UpdateDelivery(ctx, t.delivery)
	if err != nil {
		return err
	}
	t.delivery = saved
	return nil
}
