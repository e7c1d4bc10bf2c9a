package notifications

import (
	"context"
	"sync"
	"time"
)

// SuppressionIndex blocks near-duplicate notifications per (recipient, dedup key).
type SuppressionIndex interface {
	// Acquire atomically claims key for intentID. It returns true when no live
	// entry exists or the live entry already belongs to intentID, refreshing the
	// entry in the first case. It returns false when another intent emitted the
	// same key to the recipient less than its window ago.
	Acquire(ctx context.Context, recipientID, key, intentID string, window time.Duration, now time.Time) (bool, error)
}

// SuppressionEntry records the last emission of a dedup key to a recipient.
type SuppressionEntry struct {
	RecipientID   string        `json:"recipient_id"`
	DedupKey      string        `json:"dedup_key"`
	IntentID      string        `json:"intent_id"`
	LastEmittedAt time.Time     `json:"last_emitted_at"`
	Window        time.Duration `json:"window"`
}

// Live reports whether the entry still suppresses at now.
func (e SuppressionEntry) Live(now time.Time) bool {
	return now.Sub(e.LastEmittedAt) < e.Window
}

type suppressionKey struct {
	recipientID string
	dedupKey    string
}

// MemorySuppressionIndex is a process-local SuppressionIndex.
type MemorySuppressionIndex struct {
	mu      sync.Mutex
	entries map[suppressionKey]SuppressionEntry
}

var _ SuppressionIndex = (*MemorySuppressionIndex)(nil)

// NewMemorySuppressionIndex creates an empty index.
func NewMemorySuppressionIndex() *MemorySuppressionIndex {
	return &MemorySuppressionIndex{entries: make(map[suppressionKey]SuppressionEntry)}
}

func (m *MemorySuppressionIndex) Acquire(_ context.Context, recipientID, key, intentID string, window time.Duration, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := suppressionKey{recipientID: recipientID, dedupKey: key}
	if e, ok := m.entries[k]; ok && e.Live(now) {
		return e.IntentID == intentID, nil
	}

	m.entries[k] = SuppressionEntry{
		RecipientID:   recipientID,
		DedupKey:      key,
		IntentID:      intentID,
		LastEmittedAt: now,
		Window:        window,
	}
	return true, nil
}

// Lookup returns the entry for (recipientID, key), live or not.
func (m *MemorySuppressionIndex) Lookup(recipientID, key string) (SuppressionEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[suppressionKey{recipientID: recipientID, dedupKey: key}]
	return e, ok
}

// Prune drops entries that no longer suppress anything and returns how many were removed.
func (m *MemorySuppressionIndex) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, e := range m.entries {
		if !e.Live(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}
