package notifications

import (
	"context"
)

// Inbox lists a recipient's in-app items, newest first. Expired items are
// hidden unless f.ActiveAt says otherwise.
func (m *Manager) Inbox(ctx context.Context, recipientID string, f InboxFilter) ([]InboxItem, error) {
	if f.ActiveAt == nil {
		now := m.now()
		f.ActiveAt = &now
	}
	return m.storage.ListInbox(ctx, recipientID, f)
}

// MarkRead marks inbox items as read and returns how many changed.
// IDs that belong to other recipients are ignored.
func (m *Manager) MarkRead(ctx context.Context, recipientID string, ids ...string) (int, error) {
	return m.storage.SetRead(ctx, recipientID, true, m.now(), ids...)
}

// MarkUnread reverts MarkRead.
func (m *Manager) MarkUnread(ctx context.Context, recipientID string, ids ...string) (int, error) {
	return m.storage.SetRead(ctx, recipientID, false, m.now(), ids...)
}

// MarkAllRead marks every unread item of the recipient as read.
func (m *Manager) MarkAllRead(ctx context.Context, recipientID string) (int, error) {
	now := m.now()
	items, err := m.storage.ListInbox(ctx, recipientID, InboxFilter{OnlyUnread: true, ActiveAt: &now})
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return m.storage.SetRead(ctx, recipientID, true, now, ids...)
}

// CountUnread returns the number of unread, unexpired inbox items.
func (m *Manager) CountUnread(ctx context.Context, recipientID string) (int, error) {
	return m.storage.CountUnread(ctx, recipientID, m.now())
}
