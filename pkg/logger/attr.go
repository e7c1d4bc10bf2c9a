package logger

import (
	"log/slog"
	"strconv"
	"time"
)

// Group creates a slog group attribute from the provided attributes.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// Errors groups multiple non-nil errors under the key "errors".
// If all errors are nil, it returns an empty Attr.
func Errors(errs ...error) slog.Attr {
	as := make([]slog.Attr, 0, len(errs))
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	if len(as) == 0 {
		return slog.Attr{}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// RecipientID records the recipient identifier under the key "recipient_id".
// Empty ids produce an empty Attr.
func RecipientID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("recipient_id", id)
}

// IntentID records the notification intent identifier under the key "intent_id".
func IntentID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("intent_id", id)
}

// DeliveryID records the delivery record identifier under the key "delivery_id".
func DeliveryID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("delivery_id", id)
}

// Channel records the delivery channel under the key "channel".
func Channel(name string) slog.Attr {
	return slog.String("channel", name)
}

// State records a delivery state under the key "state".
func State(name string) slog.Attr {
	return slog.String("state", name)
}

// Attempt records the attempt number under the key "attempt".
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// NextAttemptAt records when the next attempt is due under the key "next_attempt_at".
// A nil time produces an empty Attr.
func NextAttemptAt(t *time.Time) slog.Attr {
	if t == nil {
		return slog.Attr{}
	}
	return slog.Time("next_attempt_at", *t)
}

// Reason records a skip or failure reason under the key "reason".
func Reason(reason string) slog.Attr {
	if reason == "" {
		return slog.Attr{}
	}
	return slog.String("reason", reason)
}

// TaskName records a queue task name under the key "task_name".
func TaskName(name string) slog.Attr {
	return slog.String("task_name", name)
}

// Duration records a duration under the key "duration".
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
