package notifications

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/notifykit/pkg/broadcast"
	"github.com/dmitrymomot/notifykit/pkg/cache"
	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// Publisher pushes inbox items to connected clients.
type Publisher interface {
	Publish(ctx context.Context, item InboxItem) error
}

// Feed is the in-app live feed: one broadcaster per recipient, kept in an LRU
// so idle recipients do not pin memory. Evicted broadcasters are closed, which
// closes their subscribers; clients reconnect and reload from the inbox.
type Feed struct {
	recipients *cache.LRUCache[string, *broadcast.MemoryBroadcaster[InboxItem]]
	bufferSize int
	logger     *slog.Logger
}

var _ Publisher = (*Feed)(nil)

// FeedOption configures a Feed.
type FeedOption func(*feedOptions)

type feedOptions struct {
	bufferSize    int
	maxRecipients int
	logger        *slog.Logger
}

// WithFeedBufferSize sets the per-subscriber buffer.
func WithFeedBufferSize(n int) FeedOption {
	return func(o *feedOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithFeedMaxRecipients bounds how many recipients have a live broadcaster.
func WithFeedMaxRecipients(n int) FeedOption {
	return func(o *feedOptions) {
		if n > 0 {
			o.maxRecipients = n
		}
	}
}

// WithFeedLogger sets the logger for the Feed.
func WithFeedLogger(l *slog.Logger) FeedOption {
	return func(o *feedOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewFeed creates an empty feed.
func NewFeed(opts ...FeedOption) *Feed {
	o := feedOptions{bufferSize: 32, maxRecipients: 10000, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	f := &Feed{
		recipients: cache.NewLRUCache[string, *broadcast.MemoryBroadcaster[InboxItem]](o.maxRecipients),
		bufferSize: o.bufferSize,
		logger:     o.logger,
	}
	f.recipients.SetEvictCallback(func(recipientID string, b *broadcast.MemoryBroadcaster[InboxItem]) {
		if err := b.Close(); err != nil {
			f.logger.LogAttrs(context.Background(), slog.LevelError, "failed to close evicted feed",
				logger.RecipientID(recipientID),
				logger.Error(err),
			)
		}
	})
	return f
}

// Publish implements Publisher. Recipients nobody is listening to are skipped.
func (f *Feed) Publish(ctx context.Context, item InboxItem) error {
	b, ok := f.recipients.Get(item.RecipientID)
	if !ok {
		return nil
	}
	return b.Broadcast(ctx, broadcast.Message[InboxItem]{Data: item})
}

// Subscribe opens a stream of the recipient's new inbox items until ctx ends.
func (f *Feed) Subscribe(ctx context.Context, recipientID string) broadcast.Subscriber[InboxItem] {
	b, _ := f.recipients.GetOrAdd(recipientID, func() *broadcast.MemoryBroadcaster[InboxItem] {
		return broadcast.NewMemoryBroadcaster[InboxItem](f.bufferSize)
	})
	return b.Subscribe(ctx)
}

// Listeners returns the number of open streams for a recipient.
func (f *Feed) Listeners(recipientID string) int {
	b, ok := f.recipients.Peek(recipientID)
	if !ok {
		return 0
	}
	return b.Stats().Subscribers
}

// Close closes every broadcaster and their subscribers.
func (f *Feed) Close() error {
	f.recipients.Clear()
	return nil
}
