package notifications

import (
	"context"
	"time"
	"unicode/utf8"
)

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	TransientFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Result is what a Sender reports about one attempt.
type Result struct {
	Outcome    Outcome
	StatusCode int
	// Response is a diagnostic excerpt, at most MaxResponseExcerpt characters.
	Response string
	Duration time.Duration
}

// Sender performs one delivery attempt on a single channel. A non-nil error
// describes why the attempt failed; Result.Outcome says whether to retry.
// Senders may be called twice for the same delivery after a crash.
type Sender interface {
	Attempt(ctx context.Context, d Delivery) (Result, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, d Delivery) (Result, error)

func (f SenderFunc) Attempt(ctx context.Context, d Delivery) (Result, error) {
	return f(ctx, d)
}

// Excerpt truncates s to MaxResponseExcerpt characters without splitting a rune.
func Excerpt(s string) string {
	if utf8.RuneCountInString(s) <= MaxResponseExcerpt {
		return s
	}
	n := 0
	for i := range s {
		if n == MaxResponseExcerpt {
			return s[:i]
		}
		n++
	}
	return s
}
