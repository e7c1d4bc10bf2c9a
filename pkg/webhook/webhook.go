package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultUserAgent is sent with every request unless overridden.
const DefaultUserAgent = "notifykit-webhook/1.0"

// Request describes one outbound webhook call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
	Auth    Auth
}

// Response is what came back from the endpoint. Body is capped at the client's read limit.
type Response struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Success reports a 2xx status.
func (r Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client performs single webhook attempts. Retry policy belongs to the caller.
// Zero value is not usable; use NewClient.
type Client struct {
	http         *http.Client
	userAgent    string
	timeout      time.Duration
	maxBodyBytes int64
	circuits     *CircuitSet
}

// NewClient creates a webhook client with a pooled HTTP transport.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent:    DefaultUserAgent,
		timeout:      30 * time.Second,
		maxBodyBytes: 64 * 1024,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req once. Any HTTP response, whatever its status, is returned with a
// nil error; errors are reserved for requests that produced no response
// (invalid input, open circuit, network failure, timeout).
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	method, err := normalizeMethod(req.Method)
	if err != nil {
		return Response{}, err
	}
	if err := ValidateURL(req.URL); err != nil {
		return Response{}, err
	}

	var breaker *CircuitBreaker
	if c.circuits != nil {
		breaker = c.circuits.For(req.URL)
		if !breaker.Allow() {
			return Response{}, ErrCircuitOpen
		}
	}

	resp, err := c.do(ctx, method, req)
	if breaker != nil {
		if err != nil || resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, method string, req Request) (Response, error) {
	start := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Response{Duration: time.Since(start)}, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	for k, v := range req.Headers {
		if k != "" {
			httpReq.Header.Set(k, v)
		}
	}
	if err := req.Auth.apply(httpReq, req.Body); err != nil {
		return Response{Duration: time.Since(start)}, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		out := Response{Duration: time.Since(start)}
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return out, fmt.Errorf("%w: %w", ErrTemporaryFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	return Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

// IsPermanentStatus reports whether a status code should not be retried.
// 4xx means the request itself is wrong, except for the codes that signal
// timing or throttling on the receiver side.
func IsPermanentStatus(statusCode int) bool {
	if statusCode < 400 || statusCode >= 500 {
		return false
	}
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	default:
		return true
	}
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: URL is required", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: only http and https schemes are supported", ErrInvalidURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidURL)
	}
	return nil
}

func normalizeMethod(m string) (string, error) {
	switch m {
	case "", http.MethodPost:
		return http.MethodPost, nil
	case http.MethodPut, http.MethodPatch:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidMethod, m)
	}
}
