package notifications

import (
	"context"
	"time"
)

// PreferenceReader is the read-only view of recipient settings.
// Settings are owned by the user-facing settings UI.
type PreferenceReader interface {
	// GetPreferences returns ErrNotFound for recipients without saved settings.
	GetPreferences(ctx context.Context, recipientID string) (Preferences, error)

	// ListDigestRecipients returns recipients with digests enabled at freq.
	ListDigestRecipients(ctx context.Context, freq Frequency) ([]string, error)
}

// Storage is the record store consumed by the engine.
type Storage interface {
	PreferenceReader

	// SaveIntent stores intent unless one with the same ID exists, and returns the stored copy.
	SaveIntent(ctx context.Context, intent Intent) (Intent, error)
	GetIntent(ctx context.Context, id string) (Intent, error)

	// InsertDelivery is a conditional insert keyed by (intent, recipient, channel).
	// When a live record already holds the key it is returned with created=false
	// and nothing is written.
	InsertDelivery(ctx context.Context, d Delivery) (stored Delivery, created bool, err error)
	GetDelivery(ctx context.Context, id string) (Delivery, error)

	// UpdateDelivery writes d if the stored Version equals d.Version and returns
	// the record with Version incremented. A mismatch returns ErrConflict.
	UpdateDelivery(ctx context.Context, d Delivery) (Delivery, error)
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, error)

	// DeleteTerminalBefore removes terminal deliveries that reached their
	// terminal state before t.
	DeleteTerminalBefore(ctx context.Context, t time.Time) (int, error)

	// PutInboxItem is idempotent on item.ID.
	PutInboxItem(ctx context.Context, item InboxItem) error
	ListInbox(ctx context.Context, recipientID string, f InboxFilter) ([]InboxItem, error)
	SetRead(ctx context.Context, recipientID string, read bool, at time.Time, ids ...string) (int, error)
	// CountUnread counts unread items not expired at activeAt. A zero
	// activeAt counts expired items too.
	CountUnread(ctx context.Context, recipientID string, activeAt time.Time) (int, error)
	DeleteReadInboxBefore(ctx context.Context, t time.Time) (int, error)

	// GetDigestCursor returns the zero time when no digest was ever built.
	GetDigestCursor(ctx context.Context, recipientID string, freq Frequency) (time.Time, error)
	SetDigestCursor(ctx context.Context, recipientID string, freq Frequency, at time.Time) error
}

// DeliveryFilter selects deliveries. Zero fields do not filter.
type DeliveryFilter struct {
	IntentID    string
	RecipientID string
	Channel     Channel
	States      []State

	// DueAt keeps records with NextAttemptAt <= DueAt.
	DueAt *time.Time
	// Unscheduled keeps records without NextAttemptAt.
	Unscheduled bool
	// UpdatedBefore keeps records last written before this instant.
	UpdatedBefore *time.Time
	// CreatedSince keeps records created at or after this instant.
	CreatedSince *time.Time
	// UnreadOnly keeps in-app records whose inbox item is unread.
	UnreadOnly bool
	// ActiveAt keeps records without ExpiresAt or expiring after this instant.
	ActiveAt *time.Time

	NewestFirst bool
	Limit       int
}

// InboxFilter narrows inbox listings.
type InboxFilter struct {
	OnlyUnread bool
	Since      *time.Time
	// ActiveAt hides items that expired at or before this instant.
	ActiveAt *time.Time
	Limit    int
	Offset   int
}
