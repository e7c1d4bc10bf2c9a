package broadcast

import (
	"context"
	"sync"
)

// Message wraps data of type T for type-safe broadcasting.
type Message[T any] struct {
	Data T
}

// Subscriber receives messages from a Broadcaster.
// Implementations must be safe for concurrent use.
type Subscriber[T any] interface {
	// Receive returns the channel messages arrive on. It is closed when the
	// subscriber is closed, dropped as a slow consumer, or the broadcaster shuts down.
	Receive(ctx context.Context) <-chan Message[T]

	// Close is idempotent.
	Close() error
}

// Broadcaster sends messages to every current subscriber without blocking on
// slow consumers.
type Broadcaster[T any] interface {
	// Subscribe registers a subscriber that lives until ctx is cancelled or it is closed.
	Subscribe(ctx context.Context) Subscriber[T]

	// Broadcast sends msg to all subscribers. Subscribers whose buffer is full
	// are dropped rather than waited for.
	Broadcast(ctx context.Context, msg Message[T]) error

	// Close shuts down the broadcaster and closes all subscribers.
	Close() error
}

// Stats is a point-in-time view of a broadcaster.
type Stats struct {
	Subscribers int
	Delivered   uint64
	Dropped     uint64
}

type subscriber[T any] struct {
	ch     chan Message[T]
	closed bool
	mu     sync.RWMutex
}

func newSubscriber[T any](bufferSize int) *subscriber[T] {
	return &subscriber[T]{
		ch: make(chan Message[T], bufferSize),
	}
}

func (s *subscriber[T]) Receive(context.Context) <-chan Message[T] {
	return s.ch
}

func (s *subscriber[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.ch)
		s.closed = true
	}
	return nil
}

func (s *subscriber[T]) send(msg Message[T]) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}
