package notifications_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

func TestParseSeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    notifications.Severity
		wantErr bool
	}{
		{in: "low", want: notifications.SeverityLow},
		{in: "normal", want: notifications.SeverityNormal},
		{in: "medium", want: notifications.SeverityNormal},
		{in: "info", want: notifications.SeverityNormal},
		{in: "HIGH", want: notifications.SeverityHigh},
		{in: " urgent ", want: notifications.SeverityUrgent},
		{in: "critical", want: notifications.SeverityUrgent},
		{in: "panic", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := notifications.ParseSeverity(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, notifications.ErrUnknownSeverity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSeverityJSON(t *testing.T) {
	t.Parallel()

	t.Run("encodes as name", func(t *testing.T) {
		t.Parallel()

		b, err := json.Marshal(map[string]notifications.Severity{"s": notifications.SeverityHigh})
		require.NoError(t, err)
		assert.JSONEq(t, `{"s":"high"}`, string(b))
	})

	t.Run("decodes alert vocabulary", func(t *testing.T) {
		t.Parallel()

		var v struct {
			S notifications.Severity `json:"s"`
		}
		require.NoError(t, json.Unmarshal([]byte(`{"s":"critical"}`), &v))
		assert.Equal(t, notifications.SeverityUrgent, v.S)
	})

	t.Run("rejects out of range", func(t *testing.T) {
		t.Parallel()

		_, err := json.Marshal(map[string]notifications.Severity{"s": 9})
		require.Error(t, err)
	})

	t.Run("orders by urgency", func(t *testing.T) {
		t.Parallel()

		assert.Less(t, notifications.SeverityLow, notifications.SeverityNormal)
		assert.Less(t, notifications.SeverityNormal, notifications.SeverityHigh)
		assert.Less(t, notifications.SeverityHigh, notifications.SeverityUrgent)
	})
}

func TestDedupKey(t *testing.T) {
	t.Parallel()

	key := notifications.DedupKey(notifications.CategoryAlerts, notifications.SeverityHigh, "db-1")
	assert.Equal(t, "alerts:high:db-1", key)
	assert.NotEqual(t, key, notifications.DedupKey(notifications.CategoryAlerts, notifications.SeverityUrgent, "db-1"))
}

func TestStateIsTerminal(t *testing.T) {
	t.Parallel()

	terminal := map[notifications.State]bool{
		notifications.StatePending:   false,
		notifications.StateSending:   false,
		notifications.StateFailed:    false,
		notifications.StateSent:      true,
		notifications.StateExhausted: true,
		notifications.StateSkipped:   true,
	}
	for state, want := range terminal {
		assert.Equal(t, want, state.IsTerminal(), state)
	}
}

func TestDeliveryDue(t *testing.T) {
	t.Parallel()

	now := baseTime
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	tests := []struct {
		name string
		d    notifications.Delivery
		want bool
	}{
		{name: "pending unscheduled", d: notifications.Delivery{State: notifications.StatePending}, want: true},
		{name: "pending due", d: notifications.Delivery{State: notifications.StatePending, NextAttemptAt: &earlier}, want: true},
		{name: "pending due exactly now", d: notifications.Delivery{State: notifications.StatePending, NextAttemptAt: &now}, want: true},
		{name: "pending in future", d: notifications.Delivery{State: notifications.StatePending, NextAttemptAt: &later}, want: false},
		{name: "sending", d: notifications.Delivery{State: notifications.StateSending}, want: false},
		{name: "sent", d: notifications.Delivery{State: notifications.StateSent}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.d.Due(now))
		})
	}
}

func TestExcerpt(t *testing.T) {
	t.Parallel()

	t.Run("short text unchanged", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, "bad gateway", notifications.Excerpt("bad gateway"))
	})

	t.Run("ascii truncated", func(t *testing.T) {
		t.Parallel()

		got := notifications.Excerpt(strings.Repeat("x", 1500))
		assert.Len(t, got, notifications.MaxResponseExcerpt)
	})

	t.Run("multibyte not split", func(t *testing.T) {
		t.Parallel()

		got := notifications.Excerpt(strings.Repeat("é", 1200))
		assert.True(t, utf8.ValidString(got))
		assert.Equal(t, notifications.MaxResponseExcerpt, utf8.RuneCountInString(got))
	})
}
