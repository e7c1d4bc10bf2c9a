// Package broadcast fans typed messages out to in-process subscribers.
//
// It backs the in-app live feed: every recipient with an open stream holds a
// Subscriber, and each in-app delivery is broadcast to it.
//
//	b := broadcast.NewMemoryBroadcaster[Item](16)
//	defer b.Close()
//
//	sub := b.Subscribe(ctx) // removed automatically when ctx is cancelled
//	_ = b.Broadcast(ctx, broadcast.Message[Item]{Data: item})
//	for msg := range sub.Receive(ctx) {
//		render(msg.Data)
//	}
//
// Broadcast never blocks. A subscriber whose buffer is full is dropped and its
// channel closed; the consumer is expected to reconnect and reload from storage.
package broadcast
