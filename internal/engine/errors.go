package engine

import "errors"

var (
	ErrMissingBackend = errors.New("engine: storage, suppression index, task store and mailer are required")
	ErrInvalidConfig  = errors.New("engine: invalid configuration")
)
