package notifications_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

func TestDispatchExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("link and expiry reach every record", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.store.SetPreferences(allChannels("u1"))

		expires := baseTime.Add(time.Hour)
		intent := alertIntent("i1")
		intent.Link = "https://app.example.com/servers/db-1"
		intent.ExpiresAt = &expires

		ds, err := h.dispatcher.Dispatch(ctx, intent, []string{"u1"})
		require.NoError(t, err)
		require.Len(t, ds, 3)
		for _, d := range ds {
			assert.Equal(t, notifications.StatePending, d.State, d.Channel)
			assert.Equal(t, intent.Link, d.Payload.Link, d.Channel)
			require.NotNil(t, d.ExpiresAt, d.Channel)
			assert.Equal(t, expires, *d.ExpiresAt, d.Channel)
		}

		stored, err := h.store.GetIntent(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, intent.Link, stored.Link)
	})

	t.Run("already expired intent is skipped", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.store.SetPreferences(allChannels("u1"))

		expired := baseTime
		intent := alertIntent("i1")
		intent.ExpiresAt = &expired

		ds, err := h.dispatcher.Dispatch(ctx, intent, []string{"u1"})
		require.NoError(t, err)
		require.Len(t, ds, 3)
		for _, d := range ds {
			assert.Equal(t, notifications.StateSkipped, d.State, d.Channel)
			assert.Equal(t, notifications.SkipExpired, d.SkipReason, d.Channel)
		}
		assert.Empty(t, h.queue.drain())
	})

	t.Run("invalid link is rejected", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		intent := alertIntent("i1")
		intent.Link = "not a url"

		_, err := h.dispatcher.Dispatch(ctx, intent, []string{"u1"})
		require.ErrorIs(t, err, notifications.ErrInvalidIntent)
	})
}

func TestProcessExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tests := []struct {
		name      string
		expiresAt time.Time
		want      notifications.State
	}{
		{name: "expired before attempt", expiresAt: baseTime.Add(-time.Minute), want: notifications.StateSkipped},
		{name: "expiry instant counts as expired", expiresAt: baseTime, want: notifications.StateSkipped},
		{name: "not yet expired", expiresAt: baseTime.Add(time.Minute), want: notifications.StateSent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			rec := newRecord("d1", "i1", "u1", notifications.ChannelEmail, baseTime.Add(-time.Hour))
			rec.ExpiresAt = &tt.expiresAt
			h.insert(t, rec)

			d, err := h.manager.Process(ctx, "d1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.State)
			if tt.want == notifications.StateSkipped {
				assert.Equal(t, notifications.SkipExpired, d.SkipReason)
				assert.Zero(t, d.Attempts)
				assert.Zero(t, h.senders[notifications.ChannelEmail].count())
			}
		})
	}
}

func TestRetrySweepExpires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	due := baseTime.Add(-time.Second)
	expired := baseTime.Add(-time.Minute)
	valid := baseTime.Add(time.Hour)

	// Deferred for quiet hours past its expiry.
	deferred := newRecord("deferred", "i1", "u1", notifications.ChannelEmail, baseTime.Add(-time.Hour))
	deferred.NextAttemptAt = &due
	deferred.ExpiresAt = &expired
	h.insert(t, deferred)

	fresh := newRecord("fresh", "i2", "u1", notifications.ChannelEmail, baseTime.Add(-time.Hour))
	fresh.NextAttemptAt = &due
	fresh.ExpiresAt = &valid
	h.insert(t, fresh)

	// Lost its enqueue and expired while waiting.
	orphan := newRecord("orphan", "i3", "u1", notifications.ChannelWebhook, baseTime.Add(-time.Hour))
	orphan.ExpiresAt = &expired
	h.insert(t, orphan)

	res, err := h.retry.Sweep(ctx, baseTime)
	require.NoError(t, err)
	assert.Equal(t, notifications.SweepResult{Released: 1, Expired: 2}, res)

	tasks := h.queue.drain()
	require.Len(t, tasks, 1)
	assert.Equal(t, "fresh", tasks[0].DeliveryID)

	for _, id := range []string{"deferred", "orphan"} {
		d := h.get(t, id)
		assert.Equal(t, notifications.StateSkipped, d.State, id)
		assert.Equal(t, notifications.SkipExpired, d.SkipReason, id)
		require.NotNil(t, d.TerminalAt, id)
	}
}

func TestInboxHidesExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	past := baseTime.Add(-time.Minute)
	future := baseTime.Add(time.Hour)
	items := []notifications.InboxItem{
		{ID: "gone", RecipientID: "u1", CreatedAt: baseTime.Add(-2 * time.Hour), ExpiresAt: &past},
		{ID: "soon", RecipientID: "u1", CreatedAt: baseTime.Add(-time.Hour), ExpiresAt: &future, Link: "https://app.example.com/x"},
		{ID: "kept", RecipientID: "u1", CreatedAt: baseTime},
	}
	for _, item := range items {
		require.NoError(t, h.store.PutInboxItem(ctx, item))
	}

	listed, err := h.manager.Inbox(ctx, "u1", notifications.InboxFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "kept", listed[0].ID)
	assert.Equal(t, "soon", listed[1].ID)
	assert.Equal(t, "https://app.example.com/x", listed[1].Link)

	unread, err := h.manager.CountUnread(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, unread)

	n, err := h.manager.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Once the clock passes the second expiry only the unexpiring item remains.
	h.clock.Set(future)
	listed, err = h.manager.Inbox(ctx, "u1", notifications.InboxFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "kept", listed[0].ID)

	// Storage still holds everything for callers that ask without a cutoff.
	all, err := h.store.ListInbox(ctx, "u1", notifications.InboxFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	total, err := h.store.CountUnread(ctx, "u1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestInAppSenderCarriesLinkAndExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := notifications.NewMemoryStorage()
	sender, err := notifications.NewInAppSender(store)
	require.NoError(t, err)

	expires := baseTime.Add(time.Hour)
	d := newRecord("d1", "i1", "u1", notifications.ChannelInApp, baseTime)
	d.Payload.Link = "https://app.example.com/servers/db-1"
	d.ExpiresAt = &expires

	_, err = sender.Attempt(ctx, d)
	require.NoError(t, err)

	items, err := store.ListInbox(ctx, "u1", notifications.InboxFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, d.Payload.Link, items[0].Link)
	require.NotNil(t, items[0].ExpiresAt)
	assert.Equal(t, expires, *items[0].ExpiresAt)
}

func TestEmailSenderAppendsLink(t *testing.T) {
	t.Parallel()

	mailer := &fakeMailer{}
	sender, err := notifications.NewEmailSender(mailer)
	require.NoError(t, err)

	d := emailDelivery()
	d.Payload.Link = "https://app.example.com/servers/db-1"
	_, err = sender.Attempt(context.Background(), d)
	require.NoError(t, err)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "db-1 at 100%\n\nhttps://app.example.com/servers/db-1", mailer.sent[0].TextBody)
}
