package notifications

import "errors"

var (
	ErrNotFound         = errors.New("notifications: record not found")
	ErrConflict         = errors.New("notifications: record was modified concurrently")
	ErrTerminal         = errors.New("notifications: delivery is in a terminal state")
	ErrInvalidEvent     = errors.New("notifications: event not allowed in current state")
	ErrInvalidIntent    = errors.New("notifications: invalid intent")
	ErrInvalidClock     = errors.New("notifications: invalid time of day")
	ErrUnknownSeverity  = errors.New("notifications: unknown severity")
	ErrUnknownChannel   = errors.New("notifications: unknown channel")
	ErrNoSender         = errors.New("notifications: no sender registered for channel")
	ErrMissingStorage   = errors.New("notifications: storage is required")
	ErrMissingQueue     = errors.New("notifications: task queue is required")
	ErrMissingIndex     = errors.New("notifications: suppression index is required")
	ErrMissingTransport = errors.New("notifications: transport is required")
)
