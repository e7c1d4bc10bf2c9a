package webhook

import (
	"fmt"
	"net/http"
)

// AuthType selects how a request is authenticated.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"
	AuthHMAC   AuthType = "hmac"
)

// DefaultAPIKeyHeader is used for AuthAPIKey when HeaderName is empty.
const DefaultAPIKeyHeader = "X-API-Key"

// Auth is a per-endpoint authentication descriptor.
type Auth struct {
	Type       AuthType `json:"type"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	Token      string   `json:"token,omitempty"`
	HeaderName string   `json:"header_name,omitempty"`
	Secret     string   `json:"secret,omitempty"`
}

// Validate checks that the fields required by Type are present.
func (a Auth) Validate() error {
	switch a.Type {
	case "", AuthNone:
		return nil
	case AuthBasic:
		if a.Username == "" {
			return fmt.Errorf("%w: basic auth requires a username", ErrInvalidAuth)
		}
	case AuthBearer, AuthAPIKey:
		if a.Token == "" {
			return fmt.Errorf("%w: %s auth requires a token", ErrInvalidAuth, a.Type)
		}
	case AuthHMAC:
		if a.Secret == "" {
			return fmt.Errorf("%w: hmac auth requires a secret", ErrInvalidAuth)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAuth, a.Type)
	}
	return nil
}

func (a Auth) apply(req *http.Request, body []byte) error {
	if err := a.Validate(); err != nil {
		return err
	}

	switch a.Type {
	case AuthBasic:
		req.SetBasicAuth(a.Username, a.Password)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+a.Token)
	case AuthAPIKey:
		header := a.HeaderName
		if header == "" {
			header = DefaultAPIKeyHeader
		}
		req.Header.Set(header, a.Token)
	case AuthHMAC:
		sig, err := SignPayload(a.Secret, body)
		if err != nil {
			return err
		}
		for k, v := range sig.Headers() {
			req.Header.Set(k, v)
		}
	}
	return nil
}
