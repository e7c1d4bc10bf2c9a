package webhook

import "errors"

var (
	ErrInvalidConfiguration = errors.New("invalid webhook configuration")
	ErrTemporaryFailure     = errors.New("temporary webhook failure")
	ErrCircuitOpen          = errors.New("webhook circuit breaker is open")
	ErrInvalidPayload       = errors.New("invalid webhook payload")
	ErrInvalidURL           = errors.New("invalid webhook URL")
	ErrInvalidMethod        = errors.New("unsupported webhook method")
	ErrInvalidAuth          = errors.New("invalid webhook auth descriptor")
	ErrTimeout              = errors.New("webhook request timeout")
)

// IsCircuitOpen checks if an error indicates the circuit breaker is open
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
