package email

import "errors"

var (
	ErrFailedToSendEmail = errors.New("failed to send email")
	ErrInvalidConfig     = errors.New("invalid email configuration")
	ErrInvalidMessage    = errors.New("invalid email message")

	// ErrInvalidRecipient means the address can never receive mail (malformed,
	// hard bounced or suppressed by the provider). Retrying will not help.
	ErrInvalidRecipient = errors.New("invalid email recipient")
)
