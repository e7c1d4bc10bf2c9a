package notifications

import (
	"fmt"
	"strings"
	"time"
)

// Severity orders notifications by urgency. The zero value is SeverityLow.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityNormal
	SeverityHigh
	SeverityUrgent
)

var severityNames = [...]string{"low", "normal", "high", "urgent"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityUrgent {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// Valid reports whether s is one of the declared levels.
func (s Severity) Valid() bool {
	return s >= SeverityLow && s <= SeverityUrgent
}

// ParseSeverity accepts the level names plus the alert vocabulary used by
// upstream producers: "info" and "medium" map to normal, "critical" to urgent.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "normal", "medium", "info":
		return SeverityNormal, nil
	case "high":
		return SeverityHigh, nil
	case "urgent", "critical":
		return SeverityUrgent, nil
	default:
		return SeverityLow, fmt.Errorf("%w: %q", ErrUnknownSeverity, s)
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSeverity, int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Channel is a delivery transport.
type Channel string

const (
	ChannelInApp   Channel = "in_app"
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// Channels lists every channel in fan-out order.
func Channels() []Channel {
	return []Channel{ChannelInApp, ChannelEmail, ChannelWebhook}
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelWebhook:
		return true
	}
	return false
}

// Deferrable reports whether quiet hours hold deliveries on this channel.
// In-app items are silent, so they are never deferred.
func (c Channel) Deferrable() bool {
	return c == ChannelEmail || c == ChannelWebhook
}

// Category groups notifications for per-category opt-out.
type Category string

const (
	CategoryAlerts  Category = "alerts"
	CategoryReports Category = "reports"
	CategorySystem  Category = "system"
)

// Intent is the immutable "someone should be told" unit produced by a source event.
type Intent struct {
	ID        string            `json:"id" validate:"required,max=255"`
	SourceRef string            `json:"source_ref,omitempty" validate:"max=255"`
	Category  Category          `json:"category" validate:"required,max=64"`
	Title     string            `json:"title" validate:"required,max=500"`
	Body      string            `json:"body,omitempty"`
	Severity  Severity          `json:"severity" validate:"min=0,max=3"`
	DedupKey  string            `json:"dedup_key" validate:"required,max=512"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// Link is where the recipient acts on the notification.
	Link string `json:"link,omitempty" validate:"omitempty,url,max=2048"`
	// ExpiresAt ends the notification's relevance. Deliveries not sent by
	// then are skipped and in-app items disappear from the inbox.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether the intent is no longer relevant at now.
func (i Intent) Expired(now time.Time) bool {
	return expiredAt(i.ExpiresAt, now)
}

func expiredAt(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !expiresAt.After(now)
}

// DedupKey derives the default suppression key for an intent: notifications of
// the same category and severity about the same resource are the same kind.
func DedupKey(category Category, severity Severity, resource string) string {
	return fmt.Sprintf("%s:%s:%s", category, severity, resource)
}

// State is a delivery record's lifecycle position.
type State string

const (
	StatePending   State = "pending"
	StateSending   State = "sending"
	StateSent      State = "sent"
	StateFailed    State = "failed"
	StateExhausted State = "exhausted"
	StateSkipped   State = "skipped"
)

// Name implements statemachine.State.
func (s State) Name() string { return string(s) }

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	return s == StateSent || s == StateExhausted || s == StateSkipped
}

// SkipReason explains why a delivery was recorded as skipped.
type SkipReason string

const (
	SkipBelowThreshold   SkipReason = "below_threshold"
	SkipCategoryDisabled SkipReason = "category_disabled"
	SkipSuppressed       SkipReason = "suppressed"
	SkipNoEndpoint       SkipReason = "no_endpoint"
	SkipCancelled        SkipReason = "cancelled"
	SkipExpired          SkipReason = "expired"
)

// EmailTarget addresses an email delivery.
type EmailTarget struct {
	To  string   `json:"to"`
	CC  []string `json:"cc,omitempty"`
	BCC []string `json:"bcc,omitempty"`
}

// WebhookTarget describes where and how a webhook delivery is sent.
type WebhookTarget struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method,omitempty" validate:"omitempty,oneof=POST PUT PATCH"`
	Headers map[string]string `json:"headers,omitempty"`
	Auth    WebhookAuth       `json:"auth"`
}

// Payload is the rendered, channel-specific content of a delivery.
type Payload struct {
	Category Category       `json:"category"`
	Severity Severity       `json:"severity"`
	Subject  string         `json:"subject"`
	Body     string         `json:"body,omitempty"`
	Link     string         `json:"link,omitempty"`
	Email    *EmailTarget   `json:"email,omitempty"`
	Webhook  *WebhookTarget `json:"webhook,omitempty"`
	// Data is the webhook request body.
	Data []byte `json:"data,omitempty"`
}

// Delivery is one attempt-tracked obligation for (intent, recipient, channel).
type Delivery struct {
	ID             string        `json:"id"`
	IntentID       string        `json:"intent_id"`
	RecipientID    string        `json:"recipient_id"`
	Channel        Channel       `json:"channel"`
	State          State         `json:"state"`
	Attempts       int           `json:"attempts"`
	MaxAttempts    int           `json:"max_attempts"`
	NextAttemptAt  *time.Time    `json:"next_attempt_at,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	SkipReason     SkipReason    `json:"skip_reason,omitempty"`
	LastStatusCode int           `json:"last_status_code,omitempty"`
	LastResponse   string        `json:"last_response,omitempty"`
	LastDuration   time.Duration `json:"last_duration,omitempty"`
	Payload        Payload       `json:"payload"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	TerminalAt     *time.Time    `json:"terminal_at,omitempty"`
	Version        int64         `json:"version"`
}

// Live reports whether the record still blocks a duplicate for the same
// (intent, recipient, channel). Only exhausted records free the slot.
func (d Delivery) Live() bool {
	return d.State != StateExhausted
}

// Due reports whether a pending record may be attempted at now.
func (d Delivery) Due(now time.Time) bool {
	return d.State == StatePending && (d.NextAttemptAt == nil || !d.NextAttemptAt.After(now))
}

// Expired reports whether the record's intent expired at or before now.
func (d Delivery) Expired(now time.Time) bool {
	return expiredAt(d.ExpiresAt, now)
}

// InboxItem is what an in-app delivery leaves in the recipient's inbox.
// Its ID equals the delivery ID, so writing it twice is harmless.
type InboxItem struct {
	ID          string     `json:"id"`
	RecipientID string     `json:"recipient_id"`
	IntentID    string     `json:"intent_id"`
	Category    Category   `json:"category"`
	Severity    Severity   `json:"severity"`
	Title       string     `json:"title"`
	Body        string     `json:"body,omitempty"`
	Link        string     `json:"link,omitempty"`
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Expired reports whether the item is hidden from the inbox at now.
func (item InboxItem) Expired(now time.Time) bool {
	return expiredAt(item.ExpiresAt, now)
}

// DigestBatch is a transient view of a recipient's unread in-app deliveries.
type DigestBatch struct {
	RecipientID string     `json:"recipient_id"`
	Frequency   Frequency  `json:"frequency"`
	Items       []Delivery `json:"items"`
	Since       time.Time  `json:"since"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// Empty reports whether there is nothing to send.
func (b DigestBatch) Empty() bool {
	return len(b.Items) == 0
}
