package notifications

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

var _ Storage = (*MemoryStorage)(nil)

type deliveryKey struct {
	intentID    string
	recipientID string
	channel     Channel
}

type cursorKey struct {
	recipientID string
	freq        Frequency
}

// MemoryStorage is an in-memory Storage for tests and single-process runs.
// Values go in and out as copies.
type MemoryStorage struct {
	mu          sync.RWMutex
	intents     map[string]Intent
	deliveries  map[string]Delivery
	live        map[deliveryKey]string
	inbox       map[string]InboxItem
	preferences map[string]Preferences
	cursors     map[cursorKey]time.Time
}

// NewMemoryStorage creates an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		intents:     make(map[string]Intent),
		deliveries:  make(map[string]Delivery),
		live:        make(map[deliveryKey]string),
		inbox:       make(map[string]InboxItem),
		preferences: make(map[string]Preferences),
		cursors:     make(map[cursorKey]time.Time),
	}
}

// SetPreferences stores a recipient's settings. It stands in for the settings UI.
func (s *MemoryStorage) SetPreferences(p Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[p.RecipientID] = clonePreferences(p)
}

func (s *MemoryStorage) GetPreferences(_ context.Context, recipientID string) (Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.preferences[recipientID]
	if !ok {
		return Preferences{}, fmt.Errorf("%w: preferences for %s", ErrNotFound, recipientID)
	}
	return clonePreferences(p), nil
}

func (s *MemoryStorage) ListDigestRecipients(_ context.Context, freq Frequency) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, p := range s.preferences {
		if p.Digest.Enabled && p.Digest.Frequency == freq {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *MemoryStorage) SaveIntent(_ context.Context, intent Intent) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.intents[intent.ID]; ok {
		return cloneIntent(existing), nil
	}
	s.intents[intent.ID] = cloneIntent(intent)
	return cloneIntent(intent), nil
}

func (s *MemoryStorage) GetIntent(_ context.Context, id string) (Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	intent, ok := s.intents[id]
	if !ok {
		return Intent{}, fmt.Errorf("%w: intent %s", ErrNotFound, id)
	}
	return cloneIntent(intent), nil
}

func (s *MemoryStorage) InsertDelivery(_ context.Context, d Delivery) (Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deliveryKey{intentID: d.IntentID, recipientID: d.RecipientID, channel: d.Channel}
	if id, ok := s.live[key]; ok {
		return cloneDelivery(s.deliveries[id]), false, nil
	}
	if _, ok := s.deliveries[d.ID]; ok {
		return Delivery{}, false, fmt.Errorf("%w: delivery %s already exists", ErrConflict, d.ID)
	}

	d.Version = 1
	s.deliveries[d.ID] = cloneDelivery(d)
	if d.Live() {
		s.live[key] = d.ID
	}
	return cloneDelivery(d), true, nil
}

func (s *MemoryStorage) GetDelivery(_ context.Context, id string) (Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[id]
	if !ok {
		return Delivery{}, fmt.Errorf("%w: delivery %s", ErrNotFound, id)
	}
	return cloneDelivery(d), nil
}

func (s *MemoryStorage) UpdateDelivery(_ context.Context, d Delivery) (Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.deliveries[d.ID]
	if !ok {
		return Delivery{}, fmt.Errorf("%w: delivery %s", ErrNotFound, d.ID)
	}
	if current.Version != d.Version {
		return Delivery{}, fmt.Errorf("%w: delivery %s at version %d, have %d", ErrConflict, d.ID, current.Version, d.Version)
	}

	d.Version++
	s.deliveries[d.ID] = cloneDelivery(d)
	if !d.Live() {
		key := deliveryKey{intentID: d.IntentID, recipientID: d.RecipientID, channel: d.Channel}
		if s.live[key] == d.ID {
			delete(s.live, key)
		}
	}
	return cloneDelivery(d), nil
}

func (s *MemoryStorage) ListDeliveries(_ context.Context, f DeliveryFilter) ([]Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Delivery
	for _, d := range s.deliveries {
		if s.matches(d, f) {
			out = append(out, cloneDelivery(d))
		}
	}

	slices.SortFunc(out, func(a, b Delivery) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if f.NewestFirst {
			return -c
		}
		return c
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Must be called with lock held.
func (s *MemoryStorage) matches(d Delivery, f DeliveryFilter) bool {
	switch {
	case f.IntentID != "" && d.IntentID != f.IntentID:
		return false
	case f.RecipientID != "" && d.RecipientID != f.RecipientID:
		return false
	case f.Channel != "" && d.Channel != f.Channel:
		return false
	case len(f.States) > 0 && !slices.Contains(f.States, d.State):
		return false
	case f.DueAt != nil && (d.NextAttemptAt == nil || d.NextAttemptAt.After(*f.DueAt)):
		return false
	case f.Unscheduled && d.NextAttemptAt != nil:
		return false
	case f.UpdatedBefore != nil && !d.UpdatedAt.Before(*f.UpdatedBefore):
		return false
	case f.CreatedSince != nil && d.CreatedAt.Before(*f.CreatedSince):
		return false
	case f.ActiveAt != nil && d.Expired(*f.ActiveAt):
		return false
	}
	if f.UnreadOnly {
		item, ok := s.inbox[d.ID]
		if d.Channel != ChannelInApp || !ok || item.Read {
			return false
		}
	}
	return true
}

func (s *MemoryStorage) DeleteTerminalBefore(_ context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, d := range s.deliveries {
		if d.State.IsTerminal() && d.TerminalAt != nil && d.TerminalAt.Before(t) {
			delete(s.deliveries, id)
			key := deliveryKey{intentID: d.IntentID, recipientID: d.RecipientID, channel: d.Channel}
			if s.live[key] == id {
				delete(s.live, key)
			}
			n++
		}
	}
	return n, nil
}

func (s *MemoryStorage) PutInboxItem(_ context.Context, item InboxItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inbox[item.ID]; !ok {
		s.inbox[item.ID] = cloneInboxItem(item)
	}
	return nil
}

func (s *MemoryStorage) ListInbox(_ context.Context, recipientID string, f InboxFilter) ([]InboxItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []InboxItem
	for _, item := range s.inbox {
		if item.RecipientID != recipientID {
			continue
		}
		if f.OnlyUnread && item.Read {
			continue
		}
		if f.Since != nil && item.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.ActiveAt != nil && item.Expired(*f.ActiveAt) {
			continue
		}
		out = append(out, cloneInboxItem(item))
	}

	slices.SortFunc(out, func(a, b InboxItem) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	if f.Offset >= len(out) {
		return []InboxItem{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStorage) SetRead(_ context.Context, recipientID string, read bool, at time.Time, ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		item, ok := s.inbox[id]
		if !ok || item.RecipientID != recipientID || item.Read == read {
			continue
		}
		item.Read = read
		item.ReadAt = nil
		if read {
			item.ReadAt = &at
		}
		s.inbox[id] = item
		n++
	}
	return n, nil
}

func (s *MemoryStorage) CountUnread(_ context.Context, recipientID string, activeAt time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, item := range s.inbox {
		if item.RecipientID != recipientID || item.Read {
			continue
		}
		if !activeAt.IsZero() && item.Expired(activeAt) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *MemoryStorage) DeleteReadInboxBefore(_ context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, item := range s.inbox {
		if item.Read && item.CreatedAt.Before(t) {
			delete(s.inbox, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStorage) GetDigestCursor(_ context.Context, recipientID string, freq Frequency) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[cursorKey{recipientID: recipientID, freq: freq}], nil
}

func (s *MemoryStorage) SetDigestCursor(_ context.Context, recipientID string, freq Frequency, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursorKey{recipientID: recipientID, freq: freq}] = at
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneIntent(i Intent) Intent {
	i.Metadata = maps.Clone(i.Metadata)
	i.ExpiresAt = cloneTime(i.ExpiresAt)
	return i
}

func cloneDelivery(d Delivery) Delivery {
	d.NextAttemptAt = cloneTime(d.NextAttemptAt)
	d.ExpiresAt = cloneTime(d.ExpiresAt)
	d.TerminalAt = cloneTime(d.TerminalAt)
	d.Payload.Data = slices.Clone(d.Payload.Data)
	if d.Payload.Email != nil {
		e := *d.Payload.Email
		e.CC = slices.Clone(e.CC)
		e.BCC = slices.Clone(e.BCC)
		d.Payload.Email = &e
	}
	if d.Payload.Webhook != nil {
		w := *d.Payload.Webhook
		w.Headers = maps.Clone(w.Headers)
		d.Payload.Webhook = &w
	}
	return d
}

func cloneInboxItem(item InboxItem) InboxItem {
	item.ReadAt = cloneTime(item.ReadAt)
	item.ExpiresAt = cloneTime(item.ExpiresAt)
	return item
}

func clonePreferences(p Preferences) Preferences {
	p.Channels = maps.Clone(p.Channels)
	p.Categories = maps.Clone(p.Categories)
	p.CC = slices.Clone(p.CC)
	p.BCC = slices.Clone(p.BCC)
	if p.Webhook != nil {
		w := *p.Webhook
		w.Headers = maps.Clone(w.Headers)
		p.Webhook = &w
	}
	return p
}
