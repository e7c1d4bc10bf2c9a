package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// digestNamespace seeds deterministic digest intent IDs, so rebuilding the
// same window after a crash hits the existing record instead of sending twice.
var digestNamespace = uuid.MustParse("6f1f9c1e-4f55-4b8e-9a57-0f6c1d0b7d21")

// CategoryDigest marks the synthetic intents that carry digests.
const CategoryDigest Category = "digest"

// DigestAggregator batches unread in-app deliveries into periodic emails.
// The underlying records are only read, never changed.
type DigestAggregator struct {
	storage     Storage
	queue       TaskQueue
	limit       int
	maxAttempts int
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// DigestOption configures a DigestAggregator.
type DigestOption func(*DigestAggregator)

// WithDigestLimit caps the number of items in one digest.
func WithDigestLimit(n int) DigestOption {
	return func(a *DigestAggregator) {
		if n > 0 {
			a.limit = n
		}
	}
}

// WithDigestMaxAttempts sets the attempt budget of digest emails.
func WithDigestMaxAttempts(n int) DigestOption {
	return func(a *DigestAggregator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithDigestMetrics records queued digests.
func WithDigestMetrics(m *Metrics) DigestOption {
	return func(a *DigestAggregator) {
		a.metrics = m
	}
}

// WithDigestLogger sets the logger for the DigestAggregator.
func WithDigestLogger(l *slog.Logger) DigestOption {
	return func(a *DigestAggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithDigestClock replaces time.Now.
func WithDigestClock(now func() time.Time) DigestOption {
	return func(a *DigestAggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewDigestAggregator creates an aggregator over manager's storage.
func NewDigestAggregator(manager *Manager, queue TaskQueue, opts ...DigestOption) (*DigestAggregator, error) {
	if manager == nil {
		return nil, ErrMissingStorage
	}
	if queue == nil {
		return nil, ErrMissingQueue
	}

	a := &DigestAggregator{
		storage:     manager.Storage(),
		queue:       queue,
		limit:       DefaultDigestLimit,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// BuildDigest collects the recipient's unread in-app deliveries created at or
// after since, newest first, up to the digest limit.
func (a *DigestAggregator) BuildDigest(ctx context.Context, recipientID string, since time.Time) (DigestBatch, error) {
	return a.buildDigest(ctx, recipientID, since, a.now())
}

// PreviewDigest builds, without sending, the freq digest covering the period
// that ends now.
func (a *DigestAggregator) PreviewDigest(ctx context.Context, recipientID string, freq Frequency) (DigestBatch, error) {
	now := a.now()
	batch, err := a.buildDigest(ctx, recipientID, now.Add(-freq.Period()), now)
	if err != nil {
		return DigestBatch{}, err
	}
	batch.Frequency = freq
	return batch, nil
}

func (a *DigestAggregator) buildDigest(ctx context.Context, recipientID string, since, now time.Time) (DigestBatch, error) {
	items, err := a.storage.ListDeliveries(ctx, DeliveryFilter{
		RecipientID:  recipientID,
		Channel:      ChannelInApp,
		States:       []State{StateSent},
		CreatedSince: &since,
		UnreadOnly:   true,
		ActiveAt:     &now,
		NewestFirst:  true,
		Limit:        a.limit,
	})
	if err != nil {
		return DigestBatch{}, fmt.Errorf("list unread deliveries: %w", err)
	}

	return DigestBatch{
		RecipientID: recipientID,
		Items:       items,
		Since:       since,
		GeneratedAt: now,
	}, nil
}

// SendDigest turns a non-empty batch into one email delivery on the normal
// pipeline, so retries and quiet hours apply. It returns nil for an empty batch
// or a recipient with the email channel off or no address.
func (a *DigestAggregator) SendDigest(ctx context.Context, batch DigestBatch, prefs Preferences) (*Delivery, error) {
	if batch.Empty() || !prefs.Channels[ChannelEmail] || prefs.Email == "" {
		return nil, nil
	}

	now := batch.GeneratedAt
	intent, err := a.storage.SaveIntent(ctx, Intent{
		ID:        uuid.NewSHA1(digestNamespace, []byte(batch.RecipientID+"|"+string(batch.Frequency)+"|"+batch.Since.UTC().Format(time.RFC3339Nano))).String(),
		SourceRef: "digest:" + string(batch.Frequency),
		Category:  CategoryDigest,
		Title:     digestSubject(batch),
		Body:      digestBody(batch),
		Severity:  SeverityNormal,
		DedupKey:  "digest:" + batch.RecipientID + ":" + string(batch.Frequency),
		CreatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("save digest intent: %w", err)
	}

	rec := Delivery{
		ID:          uuid.NewString(),
		IntentID:    intent.ID,
		RecipientID: batch.RecipientID,
		Channel:     ChannelEmail,
		State:       StatePending,
		MaxAttempts: a.maxAttempts,
		Payload: Payload{
			Category: CategoryDigest,
			Severity: intent.Severity,
			Subject:  intent.Title,
			Body:     intent.Body,
			Email:    &EmailTarget{To: prefs.Email, CC: prefs.CC, BCC: prefs.BCC},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if IsQuiet(now, prefs) {
		until := QuietUntil(now, prefs)
		rec.NextAttemptAt = &until
	}

	stored, created, err := a.storage.InsertDelivery(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("insert digest delivery: %w", err)
	}
	if created && stored.NextAttemptAt == nil {
		if _, err := enqueueDelivery(ctx, a.queue, stored); err != nil {
			return &stored, fmt.Errorf("enqueue digest delivery: %w", err)
		}
	}
	if created {
		a.metrics.observeDigest(batch.Frequency)
	}
	return &stored, nil
}

// RunDigests builds and sends digests for every recipient subscribed at freq,
// then advances each recipient's cursor to now. It returns how many digests were queued.
func (a *DigestAggregator) RunDigests(ctx context.Context, freq Frequency, now time.Time) (int, error) {
	recipients, err := a.storage.ListDigestRecipients(ctx, freq)
	if err != nil {
		return 0, fmt.Errorf("list digest recipients: %w", err)
	}

	sent := 0
	var errs []error
	for _, recipientID := range recipients {
		ok, err := a.runOne(ctx, recipientID, freq, now)
		if err != nil {
			a.logger.LogAttrs(ctx, slog.LevelError, "failed to send digest",
				logger.RecipientID(recipientID),
				slog.String("frequency", string(freq)),
				logger.Error(err),
			)
			errs = append(errs, fmt.Errorf("recipient %s: %w", recipientID, err))
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, errors.Join(errs...)
}

func (a *DigestAggregator) runOne(ctx context.Context, recipientID string, freq Frequency, now time.Time) (bool, error) {
	prefs, err := a.storage.GetPreferences(ctx, recipientID)
	if err != nil {
		return false, err
	}

	since, err := a.storage.GetDigestCursor(ctx, recipientID, freq)
	if err != nil {
		return false, err
	}
	if since.IsZero() {
		since = now.Add(-freq.Period())
	}

	batch, err := a.buildDigest(ctx, recipientID, since, now)
	if err != nil {
		return false, err
	}
	batch.Frequency = freq

	d, err := a.SendDigest(ctx, batch, prefs)
	if err != nil {
		return false, err
	}
	if err := a.storage.SetDigestCursor(ctx, recipientID, freq, now); err != nil {
		return false, err
	}
	return d != nil, nil
}

func digestSubject(b DigestBatch) string {
	noun := "notifications"
	if len(b.Items) == 1 {
		noun = "notification"
	}
	if b.Frequency == "" {
		return fmt.Sprintf("Your digest: %d unread %s", len(b.Items), noun)
	}
	return fmt.Sprintf("Your %s digest: %d unread %s", b.Frequency, len(b.Items), noun)
}

func digestBody(b DigestBatch) string {
	var sb strings.Builder
	for _, d := range b.Items {
		fmt.Fprintf(&sb, "- [%s] %s (%s)\n", d.Payload.Severity, d.Payload.Subject, d.CreatedAt.UTC().Format(time.RFC3339))
		if d.Payload.Link != "" {
			fmt.Fprintf(&sb, "  %s\n", d.Payload.Link)
		}
	}
	return sb.String()
}
