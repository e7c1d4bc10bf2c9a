package notifications_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	b := notifications.DefaultBackoff()

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: -1, want: 5 * time.Minute},
		{attempts: 0, want: 5 * time.Minute},
		{attempts: 1, want: 10 * time.Minute},
		{attempts: 2, want: 20 * time.Minute},
		{attempts: 3, want: 40 * time.Minute},
		{attempts: 4, want: 60 * time.Minute},
		{attempts: 10, want: 60 * time.Minute},
		{attempts: 1000, want: 60 * time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestBackoffMonotonic(t *testing.T) {
	t.Parallel()

	for _, b := range []notifications.Backoff{
		notifications.DefaultBackoff(),
		{Base: time.Second, Cap: 90 * time.Second},
		{Base: time.Hour},
	} {
		prev := time.Duration(0)
		for n := range 200 {
			d := b.Delay(n)
			assert.GreaterOrEqual(t, d, prev, "attempts=%d", n)
			assert.Positive(t, d)
			if b.Cap > 0 {
				assert.LessOrEqual(t, d, b.Cap)
			}
			prev = d
		}
	}
}

func TestBackoffNext(t *testing.T) {
	t.Parallel()

	b := notifications.Backoff{Base: time.Minute, Cap: 3 * time.Minute}
	assert.Equal(t, baseTime.Add(time.Minute), b.Next(baseTime, 0))
	assert.Equal(t, baseTime.Add(2*time.Minute), b.Next(baseTime, 1))
	assert.Equal(t, baseTime.Add(3*time.Minute), b.Next(baseTime, 2))

	assert.Equal(t, time.Duration(0), notifications.Backoff{}.Delay(3))
}
