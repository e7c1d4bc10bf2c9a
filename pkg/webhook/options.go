package webhook

import (
	"net/http"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, e.g. for custom transports or tests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithTimeout sets the per-request timeout used when a Request carries none. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxResponseBytes caps how much of a response body is read. Default 64KiB.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// WithCircuitBreakers enables one circuit breaker per endpoint URL.
func WithCircuitBreakers(cfg CircuitConfig) Option {
	return func(c *Client) {
		c.circuits = NewCircuitSet(cfg)
	}
}
