package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
)

var _ Broadcaster[struct{}] = (*MemoryBroadcaster[struct{}])(nil)

// MemoryBroadcaster is an in-process Broadcaster. All methods are safe for concurrent use.
type MemoryBroadcaster[T any] struct {
	subscribers map[*subscriber[T]]struct{}
	bufferSize  int
	closed      bool
	mu          sync.RWMutex
	cleanupWg   sync.WaitGroup

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewMemoryBroadcaster creates a broadcaster whose subscribers buffer up to
// bufferSize messages each (minimum 1).
func NewMemoryBroadcaster[T any](bufferSize int) *MemoryBroadcaster[T] {
	return &MemoryBroadcaster[T]{
		subscribers: make(map[*subscriber[T]]struct{}),
		bufferSize:  max(bufferSize, 1),
	}
}

// Subscribe implements Broadcaster. After Close it returns an already closed subscriber.
func (b *MemoryBroadcaster[T]) Subscribe(ctx context.Context) Subscriber[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newSubscriber[T](b.bufferSize)
	if b.closed {
		_ = sub.Close()
		return sub
	}
	b.subscribers[sub] = struct{}{}

	if ctx.Done() != nil {
		b.cleanupWg.Add(1)
		go func() {
			defer b.cleanupWg.Done()
			<-ctx.Done()
			b.unsubscribe(sub)
		}()
	}

	return sub
}

// Broadcast implements Broadcaster. It never fails; after Close it does nothing.
func (b *MemoryBroadcaster[T]) Broadcast(_ context.Context, msg Message[T]) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	for sub := range b.subscribers {
		if sub.send(msg) {
			b.delivered.Add(1)
			continue
		}
		b.dropped.Add(1)
		// Unsubscribing needs the write lock.
		go b.unsubscribe(sub)
	}

	return nil
}

// Stats returns subscriber and message counters.
func (b *MemoryBroadcaster[T]) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Subscribers: len(b.subscribers),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Close implements Broadcaster. It is safe to call more than once.
func (b *MemoryBroadcaster[T]) Close() error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	for sub := range b.subscribers {
		_ = sub.Close()
	}
	clear(b.subscribers)
	b.mu.Unlock()

	// Cleanup goroutines take the lock; wait for them after releasing it.
	b.cleanupWg.Wait()

	return nil
}

func (b *MemoryBroadcaster[T]) unsubscribe(sub *subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	_ = sub.Close()
}
