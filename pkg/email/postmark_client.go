package email

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mrz1836/postmark"
)

// Postmark API error codes that mean the recipient itself is unusable.
// 300: invalid email request (malformed address), 406: inactive recipient (bounced or unsubscribed).
var postmarkRecipientErrors = map[int64]struct{}{
	300: {},
	406: {},
}

// PostmarkSender sends mail through Postmark's transactional API.
type PostmarkSender struct {
	client *postmark.Client
	config Config
}

// PostmarkOption configures a PostmarkSender.
type PostmarkOption func(*postmark.Client)

// WithPostmarkBaseURL points the client at another API host, e.g. a test server.
func WithPostmarkBaseURL(url string) PostmarkOption {
	return func(c *postmark.Client) {
		if url != "" {
			c.BaseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithPostmarkHTTPClient replaces the HTTP client used for API calls.
func WithPostmarkHTTPClient(hc *http.Client) PostmarkOption {
	return func(c *postmark.Client) {
		if hc != nil {
			c.HTTPClient = hc
		}
	}
}

// NewPostmarkSender validates cfg and creates a Postmark-backed Sender.
func NewPostmarkSender(cfg Config, opts ...PostmarkOption) (*PostmarkSender, error) {
	if cfg.PostmarkServerToken == "" {
		return nil, fmt.Errorf("%w: PostmarkServerToken is required", ErrInvalidConfig)
	}
	if !IsAddress(cfg.SenderEmail) {
		return nil, fmt.Errorf("%w: SenderEmail must be a valid email address", ErrInvalidConfig)
	}
	if cfg.SupportEmail != "" && !IsAddress(cfg.SupportEmail) {
		return nil, fmt.Errorf("%w: SupportEmail must be a valid email address", ErrInvalidConfig)
	}

	client := postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken)
	for _, opt := range opts {
		opt(client)
	}

	return &PostmarkSender{client: client, config: cfg}, nil
}

// Send implements Sender. Open tracking is on; link tracking is limited to HTML bodies.
func (c *PostmarkSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	resp, err := c.client.SendEmail(ctx, postmark.Email{
		From:          c.config.SenderEmail,
		ReplyTo:       c.config.SupportEmail,
		To:            msg.To,
		Cc:            strings.Join(msg.CC, ","),
		Bcc:           strings.Join(msg.BCC, ","),
		Subject:       msg.Subject,
		Tag:           msg.Tag,
		TextBody:      msg.TextBody,
		HTMLBody:      msg.HTMLBody,
		Metadata:      msg.Metadata,
		MessageStream: c.config.MessageStream,
		TrackOpens:    true,
		TrackLinks:    "HtmlOnly",
	})
	code, message := resp.ErrorCode, resp.Message
	// Rejections come back as a 422 APIError or as a 200 with ErrorCode set.
	var apiErr postmark.APIError
	if errors.As(err, &apiErr) {
		code, message = apiErr.ErrorCode, apiErr.Message
	}
	if code > 0 {
		cause := fmt.Errorf("postmark error: %d - %s", code, message)
		if _, ok := postmarkRecipientErrors[code]; ok {
			return errors.Join(ErrInvalidRecipient, cause)
		}
		return errors.Join(ErrFailedToSendEmail, cause)
	}
	if err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	return nil
}

// NewSender returns a PostmarkSender when a server token is configured and a
// DevSender otherwise.
func NewSender(cfg Config) (Sender, error) {
	if cfg.PostmarkServerToken == "" {
		return NewDevSender(cfg.DevDir), nil
	}
	return NewPostmarkSender(cfg)
}
