package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler runs the payload of every task enqueued under Name.
type Handler struct {
	Name string
	Run  func(ctx context.Context, payload []byte) error
}

// JSONHandler decodes the payload into T before calling fn. A payload that
// does not decode fails the task like any handler error.
func JSONHandler[T any](name string, fn func(ctx context.Context, payload T) error) Handler {
	return Handler{
		Name: name,
		Run: func(ctx context.Context, payload []byte) error {
			var v T
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("decode %s payload: %w", name, err)
			}
			return fn(ctx, v)
		},
	}
}

// PeriodicHandler wraps fn for tasks created by the Scheduler, which carry no payload.
func PeriodicHandler(name string, fn func(ctx context.Context) error) Handler {
	return Handler{
		Name: name,
		Run: func(ctx context.Context, _ []byte) error {
			return fn(ctx)
		},
	}
}
