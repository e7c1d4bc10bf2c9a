package notifications

import (
	"fmt"
	"time"
)

// Frequency is how often a digest is sent.
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// Period returns the look-back window used when no digest has been sent yet.
func (f Frequency) Period() time.Duration {
	if f == FrequencyWeekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// Clock is a time of day expressed as the offset from midnight.
type Clock time.Duration

// At builds a Clock from hour and minute.
func At(hour, minute int) Clock {
	return Clock(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

// ParseClock parses "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (Clock, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return Clock(sinceMidnight(t)), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
}

func (c Clock) String() string {
	d := time.Duration(c)
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Clock) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// QuietHours is a recipient's do-not-disturb window, [Start, End) in local time.
// When Start > End the window wraps midnight. Equal bounds are an empty window.
type QuietHours struct {
	Enabled bool  `json:"enabled"`
	Start   Clock `json:"start"`
	End     Clock `json:"end"`
	// UTCOffset is the recipient's fixed offset east of UTC, in seconds.
	UTCOffset int `json:"utc_offset"`
}

func (q QuietHours) location() *time.Location {
	return time.FixedZone("", q.UTCOffset)
}

// DigestSettings controls periodic digests.
type DigestSettings struct {
	Enabled   bool      `json:"enabled"`
	Frequency Frequency `json:"frequency"`
}

// Preferences is the read-only snapshot of a recipient's notification settings.
// A category missing from Categories is enabled.
type Preferences struct {
	RecipientID string            `json:"recipient_id"`
	Channels    map[Channel]bool  `json:"channels"`
	Categories  map[Category]bool `json:"categories,omitempty"`
	MinSeverity Severity          `json:"min_severity"`
	QuietHours  QuietHours        `json:"quiet_hours"`
	Digest      DigestSettings    `json:"digest"`
	Email       string            `json:"email,omitempty"`
	CC          []string          `json:"cc,omitempty"`
	BCC         []string          `json:"bcc,omitempty"`
	Webhook     *WebhookTarget    `json:"webhook,omitempty"`
}

// DefaultPreferences is used for recipients that never saved settings:
// in-app only, every category, every severity.
func DefaultPreferences(recipientID string) Preferences {
	return Preferences{
		RecipientID: recipientID,
		Channels:    map[Channel]bool{ChannelInApp: true},
	}
}

// EnabledChannels returns the enabled channels in fan-out order.
func (p Preferences) EnabledChannels() []Channel {
	var out []Channel
	for _, ch := range Channels() {
		if p.Channels[ch] {
			out = append(out, ch)
		}
	}
	return out
}

// CategoryEnabled reports whether the recipient wants notifications of category c.
func (p Preferences) CategoryEnabled(c Category) bool {
	enabled, ok := p.Categories[c]
	return !ok || enabled
}

// gate returns the reason an intent must not reach this recipient at all, or "".
func (p Preferences) gate(intent Intent) SkipReason {
	if !p.CategoryEnabled(intent.Category) {
		return SkipCategoryDisabled
	}
	if intent.Severity < p.MinSeverity {
		return SkipBelowThreshold
	}
	return ""
}

// IsQuiet reports whether now falls inside the recipient's quiet hours.
// Only the time of day matters, evaluated at the recipient's UTC offset.
func IsQuiet(now time.Time, prefs Preferences) bool {
	q := prefs.QuietHours
	if !q.Enabled || q.Start == q.End {
		return false
	}

	t := Clock(sinceMidnight(now.In(q.location())))
	if q.Start < q.End {
		return t >= q.Start && t < q.End
	}
	return t >= q.Start || t < q.End
}

// QuietUntil returns the instant the current quiet window ends, or now if the
// recipient is not in quiet hours.
func QuietUntil(now time.Time, prefs Preferences) time.Time {
	if !IsQuiet(now, prefs) {
		return now
	}

	local := now.In(prefs.QuietHours.location())
	y, m, d := local.Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, local.Location()).Add(time.Duration(prefs.QuietHours.End))
	if !end.After(local) {
		end = end.Add(24 * time.Hour)
	}
	return end
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}
