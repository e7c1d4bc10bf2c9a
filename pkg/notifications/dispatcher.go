package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dmitrymomot/notifykit/pkg/logger"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Dispatcher fans an intent out into per-recipient, per-channel deliveries.
// It runs in the caller and only decides and persists; attempts happen on the
// channel queues.
type Dispatcher struct {
	manager     *Manager
	storage     Storage
	index       SuppressionIndex
	queue       TaskQueue
	window      time.Duration
	maxAttempts map[Channel]int
	skipAudit   bool
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSuppressionWindow sets how long an emitted dedup key suppresses others.
func WithSuppressionWindow(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d >= 0 {
			disp.window = d
		}
	}
}

// WithMaxAttempts sets the attempt budget of new deliveries on ch.
func WithMaxAttempts(ch Channel, n int) DispatcherOption {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.maxAttempts[ch] = n
		}
	}
}

// WithSkipAudit controls whether gated recipients leave skipped records.
// Enabled by default.
func WithSkipAudit(enabled bool) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.skipAudit = enabled
	}
}

// WithDispatcherMetrics records fan-out decisions.
func WithDispatcherMetrics(m *Metrics) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.metrics = m
	}
}

// WithDispatcherLogger sets the logger for the Dispatcher.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(disp *Dispatcher) {
		if l != nil {
			disp.logger = l
		}
	}
}

// WithDispatcherClock replaces time.Now.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(disp *Dispatcher) {
		if now != nil {
			disp.now = now
		}
	}
}

// NewDispatcher creates a Dispatcher that persists through manager's storage.
func NewDispatcher(manager *Manager, index SuppressionIndex, queue TaskQueue, opts ...DispatcherOption) (*Dispatcher, error) {
	if manager == nil {
		return nil, ErrMissingStorage
	}
	if index == nil {
		return nil, ErrMissingIndex
	}
	if queue == nil {
		return nil, ErrMissingQueue
	}

	d := &Dispatcher{
		manager:     manager,
		storage:     manager.Storage(),
		index:       index,
		queue:       queue,
		window:      DefaultSuppressionWindow,
		maxAttempts: make(map[Channel]int),
		skipAudit:   true,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch records the intent and creates deliveries for each recipient.
// Dispatching the same intent again returns the existing records instead of
// creating new ones, so the caller may redeliver it after a failure.
// One recipient's failure does not stop the others; all failures are joined
// into the returned error.
func (d *Dispatcher) Dispatch(ctx context.Context, intent Intent, recipients []string) ([]Delivery, error) {
	now := d.now()

	intent = d.normalize(intent, now)
	if err := validate.Struct(intent); err != nil {
		return nil, errors.Join(ErrInvalidIntent, err)
	}

	intent, err := d.storage.SaveIntent(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("save intent: %w", err)
	}

	var (
		out  []Delivery
		errs []error
		seen = make(map[string]struct{}, len(recipients))
	)
	for _, recipientID := range recipients {
		if _, dup := seen[recipientID]; dup || recipientID == "" {
			continue
		}
		seen[recipientID] = struct{}{}

		ds, err := d.dispatchRecipient(ctx, intent, recipientID, now)
		out = append(out, ds...)
		if err != nil {
			d.logger.LogAttrs(ctx, slog.LevelError, "failed to dispatch to recipient",
				logger.IntentID(intent.ID),
				logger.RecipientID(recipientID),
				logger.Error(err),
			)
			errs = append(errs, fmt.Errorf("recipient %s: %w", recipientID, err))
		}
	}

	return out, errors.Join(errs...)
}

func (d *Dispatcher) normalize(intent Intent, now time.Time) Intent {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	if intent.DedupKey == "" {
		resource := intent.SourceRef
		if resource == "" {
			resource = intent.ID
		}
		intent.DedupKey = DedupKey(intent.Category, intent.Severity, resource)
	}
	return intent
}

func (d *Dispatcher) dispatchRecipient(ctx context.Context, intent Intent, recipientID string, now time.Time) ([]Delivery, error) {
	prefs, err := d.storage.GetPreferences(ctx, recipientID)
	switch {
	case errors.Is(err, ErrNotFound):
		prefs = DefaultPreferences(recipientID)
	case err != nil:
		return nil, fmt.Errorf("load preferences: %w", err)
	}

	channels := prefs.EnabledChannels()
	if len(channels) == 0 {
		return nil, nil
	}

	reason := prefs.gate(intent)
	if intent.Expired(now) {
		reason = SkipExpired
	}
	if reason != "" {
		d.logger.LogAttrs(ctx, slog.LevelDebug, "recipient gated",
			logger.IntentID(intent.ID),
			logger.RecipientID(recipientID),
			logger.Reason(string(reason)),
		)
		if !d.skipAudit {
			return nil, nil
		}
		return d.createAll(ctx, intent, prefs, channels, now, func(Channel) SkipReason { return reason })
	}

	acquired, err := d.index.Acquire(ctx, recipientID, intent.DedupKey, intent.ID, d.window, now)
	if err != nil {
		return nil, fmt.Errorf("acquire suppression entry: %w", err)
	}

	return d.createAll(ctx, intent, prefs, channels, now, func(ch Channel) SkipReason {
		if !acquired {
			return SkipSuppressed
		}
		if !hasEndpoint(prefs, ch) {
			return SkipNoEndpoint
		}
		return ""
	})
}

// createAll persists one record per channel. skip decides, per channel,
// whether the record is born skipped and why.
func (d *Dispatcher) createAll(ctx context.Context, intent Intent, prefs Preferences, channels []Channel, now time.Time, skip func(Channel) SkipReason) ([]Delivery, error) {
	var (
		out  []Delivery
		errs []error
	)
	for _, ch := range channels {
		rec, err := d.create(ctx, intent, prefs, ch, now, skip(ch))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
		}
		// A record stored before a failed enqueue is still reported.
		if rec.ID != "" {
			out = append(out, rec)
		}
	}
	return out, errors.Join(errs...)
}

func (d *Dispatcher) create(ctx context.Context, intent Intent, prefs Preferences, ch Channel, now time.Time, reason SkipReason) (Delivery, error) {
	rec, err := d.newDelivery(intent, prefs, ch, now)
	if err != nil {
		return Delivery{}, err
	}

	switch {
	case reason != "":
		if rec, err = d.manager.skipped(ctx, rec, reason, now); err != nil {
			return Delivery{}, err
		}
	case ch.Deferrable() && IsQuiet(now, prefs):
		until := QuietUntil(now, prefs)
		rec.NextAttemptAt = &until
	}

	stored, created, err := d.storage.InsertDelivery(ctx, rec)
	if err != nil {
		return Delivery{}, fmt.Errorf("insert delivery: %w", err)
	}
	if !created {
		return stored, nil
	}

	if stored.State == StateSkipped {
		d.metrics.observeSkipped(ch, stored.SkipReason)
		return stored, nil
	}
	d.metrics.observeCreated(ch)

	if stored.NextAttemptAt != nil {
		d.logger.LogAttrs(ctx, slog.LevelInfo, "delivery deferred for quiet hours",
			logger.DeliveryID(stored.ID),
			logger.Channel(string(ch)),
			logger.RecipientID(stored.RecipientID),
			logger.NextAttemptAt(stored.NextAttemptAt),
		)
		return stored, nil
	}

	// A failed enqueue leaves an unscheduled pending record that the retry
	// sweep picks up once the enqueue lease passes.
	if _, err := enqueueDelivery(ctx, d.queue, stored); err != nil {
		return stored, fmt.Errorf("enqueue delivery %s: %w", stored.ID, err)
	}
	return stored, nil
}

func (d *Dispatcher) newDelivery(intent Intent, prefs Preferences, ch Channel, now time.Time) (Delivery, error) {
	maxAttempts := d.maxAttempts[ch]
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	rec := Delivery{
		ID:          uuid.NewString(),
		IntentID:    intent.ID,
		RecipientID: prefs.RecipientID,
		Channel:     ch,
		State:       StatePending,
		MaxAttempts: maxAttempts,
		Payload: Payload{
			Category: intent.Category,
			Severity: intent.Severity,
			Subject:  intent.Title,
			Body:     intent.Body,
			Link:     intent.Link,
		},
		ExpiresAt: intent.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	switch ch {
	case ChannelEmail:
		rec.Payload.Subject = fmt.Sprintf("[%s] %s", intent.Severity, intent.Title)
		if prefs.Email != "" {
			rec.Payload.Email = &EmailTarget{To: prefs.Email, CC: prefs.CC, BCC: prefs.BCC}
		}
	case ChannelWebhook:
		if prefs.Webhook != nil {
			target := *prefs.Webhook
			rec.Payload.Webhook = &target
		}
		data, err := json.Marshal(webhookEvent{
			Event:       "notification",
			DeliveryID:  rec.ID,
			RecipientID: rec.RecipientID,
			Intent:      intent,
		})
		if err != nil {
			return Delivery{}, fmt.Errorf("encode webhook body: %w", err)
		}
		rec.Payload.Data = data
	}
	return rec, nil
}

// webhookEvent is the JSON body posted to webhook endpoints.
type webhookEvent struct {
	Event       string `json:"event"`
	DeliveryID  string `json:"delivery_id"`
	RecipientID string `json:"recipient_id"`
	Intent      Intent `json:"intent"`
}

func hasEndpoint(prefs Preferences, ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return prefs.Email != ""
	case ChannelWebhook:
		return prefs.Webhook != nil && prefs.Webhook.URL != ""
	default:
		return true
	}
}
