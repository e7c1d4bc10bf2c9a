package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dmitrymomot/notifykit/pkg/webhook"
)

// WebhookAuth is the per-endpoint authentication descriptor stored with a delivery.
type WebhookAuth = webhook.Auth

// HTTPDoer performs a single webhook request.
type HTTPDoer interface {
	Do(ctx context.Context, req webhook.Request) (webhook.Response, error)
}

// WebhookSender delivers to HTTP endpoints.
type WebhookSender struct {
	client  HTTPDoer
	timeout time.Duration
}

var _ Sender = (*WebhookSender)(nil)

// NewWebhookSender creates a webhook channel sender. timeout bounds each
// request; zero leaves the client's default.
func NewWebhookSender(client HTTPDoer, timeout time.Duration) (*WebhookSender, error) {
	if client == nil {
		return nil, ErrMissingTransport
	}
	return &WebhookSender{client: client, timeout: timeout}, nil
}

// Attempt sends the request. 2xx is delivered; 4xx other than 408, 425 and
// 429 is permanent; 5xx, network errors, timeouts and an open circuit are transient.
func (s *WebhookSender) Attempt(ctx context.Context, d Delivery) (Result, error) {
	target := d.Payload.Webhook
	if target == nil {
		return Result{Outcome: PermanentFailure}, fmt.Errorf("%w: delivery has no webhook target", webhook.ErrInvalidURL)
	}

	resp, err := s.client.Do(ctx, webhook.Request{
		Method:  target.Method,
		URL:     target.URL,
		Headers: target.Headers,
		Body:    d.Payload.Data,
		Timeout: s.timeout,
		Auth:    target.Auth,
	})
	res := Result{
		StatusCode: resp.StatusCode,
		Response:   Excerpt(string(resp.Body)),
		Duration:   resp.Duration,
	}

	if err != nil {
		res.Outcome = TransientFailure
		if errors.Is(err, webhook.ErrInvalidURL) ||
			errors.Is(err, webhook.ErrInvalidMethod) ||
			errors.Is(err, webhook.ErrInvalidAuth) ||
			errors.Is(err, webhook.ErrInvalidConfiguration) {
			res.Outcome = PermanentFailure
		}
		return res, err
	}

	switch {
	case resp.Success():
		res.Outcome = Delivered
		return res, nil
	case webhook.IsPermanentStatus(resp.StatusCode):
		res.Outcome = PermanentFailure
	case resp.StatusCode >= http.StatusBadRequest:
		res.Outcome = TransientFailure
	default:
		// Redirects the client did not follow and informational codes.
		res.Outcome = PermanentFailure
	}
	return res, fmt.Errorf("webhook endpoint responded %d", resp.StatusCode)
}
