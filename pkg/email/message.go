package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Sender delivers a single email message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message is one outbound email. At least one of TextBody and HTMLBody is required.
type Message struct {
	To       string            `json:"to" validate:"required,email"`
	CC       []string          `json:"cc,omitempty" validate:"omitempty,dive,email"`
	BCC      []string          `json:"bcc,omitempty" validate:"omitempty,dive,email"`
	Subject  string            `json:"subject" validate:"required,max=998"`
	TextBody string            `json:"text_body,omitempty" validate:"required_without=HTMLBody"`
	HTMLBody string            `json:"html_body,omitempty"`
	Tag      string            `json:"tag,omitempty" validate:"max=1000"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the message. A malformed primary address is reported as
// ErrInvalidRecipient so callers can treat it as permanent.
func (m Message) Validate() error {
	err := validate.Struct(m)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if name := fe.StructField(); name == "To" || strings.HasPrefix(name, "CC") || strings.HasPrefix(name, "BCC") {
				return errors.Join(ErrInvalidRecipient, fmt.Errorf("%s: %s", fe.Namespace(), fe.Tag()))
			}
		}
	}
	return errors.Join(ErrInvalidMessage, err)
}

// IsAddress reports whether s is a syntactically valid email address.
func IsAddress(s string) bool {
	return validate.Var(s, "required,email") == nil
}
