package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// InboxWriter is the part of Storage the in-app sender writes through.
type InboxWriter interface {
	PutInboxItem(ctx context.Context, item InboxItem) error
}

// InAppSender writes the delivery into the recipient's inbox and pushes it to
// the live feed. Only a store failure fails the attempt; the feed is best effort.
type InAppSender struct {
	inbox  InboxWriter
	feed   Publisher
	logger *slog.Logger
}

var _ Sender = (*InAppSender)(nil)

// InAppOption configures an InAppSender.
type InAppOption func(*InAppSender)

// WithInAppPublisher pushes delivered items to a live feed.
func WithInAppPublisher(p Publisher) InAppOption {
	return func(s *InAppSender) {
		s.feed = p
	}
}

// WithInAppLogger sets the logger for the InAppSender.
func WithInAppLogger(l *slog.Logger) InAppOption {
	return func(s *InAppSender) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewInAppSender creates an in-app sender over inbox.
func NewInAppSender(inbox InboxWriter, opts ...InAppOption) (*InAppSender, error) {
	if inbox == nil {
		return nil, ErrMissingStorage
	}
	s := &InAppSender{inbox: inbox, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *InAppSender) Attempt(ctx context.Context, d Delivery) (Result, error) {
	start := time.Now()

	item := InboxItem{
		ID:          d.ID,
		RecipientID: d.RecipientID,
		IntentID:    d.IntentID,
		Category:    d.Payload.Category,
		Severity:    d.Payload.Severity,
		Title:       d.Payload.Subject,
		Body:        d.Payload.Body,
		Link:        d.Payload.Link,
		ExpiresAt:   d.ExpiresAt,
		CreatedAt:   d.CreatedAt,
	}

	if err := s.inbox.PutInboxItem(ctx, item); err != nil {
		return Result{Outcome: TransientFailure, Duration: time.Since(start)}, fmt.Errorf("write inbox item: %w", err)
	}

	if s.feed != nil {
		if err := s.feed.Publish(ctx, item); err != nil {
			s.logger.LogAttrs(ctx, slog.LevelWarn, "failed to publish inbox item to live feed",
				logger.DeliveryID(d.ID),
				logger.RecipientID(d.RecipientID),
				logger.Error(err),
			)
		}
	}

	return Result{Outcome: Delivered, Duration: time.Since(start)}, nil
}
