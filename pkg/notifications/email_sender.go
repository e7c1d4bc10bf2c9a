package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/notifykit/pkg/email"
)

// EmailSender delivers through an email transport.
type EmailSender struct {
	mailer email.Sender
}

var _ Sender = (*EmailSender)(nil)

// NewEmailSender creates an email channel sender.
func NewEmailSender(mailer email.Sender) (*EmailSender, error) {
	if mailer == nil {
		return nil, ErrMissingTransport
	}
	return &EmailSender{mailer: mailer}, nil
}

// Attempt sends the message. Rejected addresses and malformed messages are
// permanent failures; anything else may work later.
func (s *EmailSender) Attempt(ctx context.Context, d Delivery) (Result, error) {
	target := d.Payload.Email
	if target == nil || target.To == "" {
		return Result{Outcome: PermanentFailure}, fmt.Errorf("%w: delivery has no email address", email.ErrInvalidRecipient)
	}

	body := d.Payload.Body
	if body == "" {
		// A message needs a body; title-only alerts repeat the subject.
		body = d.Payload.Subject
	}
	if d.Payload.Link != "" {
		body += "\n\n" + d.Payload.Link
	}

	start := time.Now()
	err := s.mailer.Send(ctx, email.Message{
		To:       target.To,
		CC:       target.CC,
		BCC:      target.BCC,
		Subject:  d.Payload.Subject,
		TextBody: body,
		Tag:      string(d.Payload.Category),
		Metadata: map[string]string{
			"delivery_id": d.ID,
			"intent_id":   d.IntentID,
		},
	})
	res := Result{Outcome: Delivered, Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}

	res.Outcome = TransientFailure
	if errors.Is(err, email.ErrInvalidRecipient) || errors.Is(err, email.ErrInvalidMessage) {
		res.Outcome = PermanentFailure
	}
	res.Response = Excerpt(err.Error())
	return res, err
}
