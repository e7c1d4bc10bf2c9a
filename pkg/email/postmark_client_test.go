package email_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/email"
)

func postmarkServer(t *testing.T, status, errorCode int, captured chan<- map[string]any) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if captured != nil {
			captured <- body
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ErrorCode": errorCode,
			"Message":   "test response",
			"MessageID": "0a129aee-e1cd-480d-b08d-4f48548ff48d",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func validConfig() email.Config {
	return email.Config{
		PostmarkServerToken:  "test-server-token",
		PostmarkAccountToken: "test-account-token",
		SenderEmail:          "alerts@example.com",
		SupportEmail:         "support@example.com",
		MessageStream:        "outbound",
	}
}

func TestNewPostmarkSender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*email.Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*email.Config) {}},
		{name: "no support email", mutate: func(c *email.Config) { c.SupportEmail = "" }},
		{name: "empty server token", mutate: func(c *email.Config) { c.PostmarkServerToken = "" }, wantErr: "PostmarkServerToken is required"},
		{name: "bad sender", mutate: func(c *email.Config) { c.SenderEmail = "nope" }, wantErr: "SenderEmail"},
		{name: "bad support", mutate: func(c *email.Config) { c.SupportEmail = "nope" }, wantErr: "SupportEmail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(&cfg)

			sender, err := email.NewPostmarkSender(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.NotNil(t, sender)
				return
			}
			require.ErrorIs(t, err, email.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Nil(t, sender)
		})
	}
}

func TestPostmarkSender_Send(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		captured := make(chan map[string]any, 1)
		srv := postmarkServer(t, http.StatusOK, 0, captured)

		sender, err := email.NewPostmarkSender(validConfig(), email.WithPostmarkBaseURL(srv.URL), email.WithPostmarkHTTPClient(srv.Client()))
		require.NoError(t, err)

		err = sender.Send(context.Background(), email.Message{
			To:       "ops@example.com",
			Subject:  "[urgent] disk almost full",
			TextBody: "db-1 at 97%",
			Tag:      "alert",
		})
		require.NoError(t, err)

		body := <-captured
		assert.Equal(t, "alerts@example.com", body["From"])
		assert.Equal(t, "ops@example.com", body["To"])
		assert.Equal(t, "[urgent] disk almost full", body["Subject"])
		assert.Equal(t, "db-1 at 97%", body["TextBody"])
	})

	rejections := []struct {
		name      string
		status    int
		code      int
		permanent bool
	}{
		{name: "inactive recipient in 200 body", status: http.StatusOK, code: 406, permanent: true},
		{name: "inactive recipient as 422", status: http.StatusUnprocessableEntity, code: 406, permanent: true},
		{name: "invalid address as 422", status: http.StatusUnprocessableEntity, code: 300, permanent: true},
		{name: "other api error in 200 body", status: http.StatusOK, code: 500},
		{name: "other api error as 422", status: http.StatusUnprocessableEntity, code: 405},
		{name: "server error without code", status: http.StatusInternalServerError},
	}
	for _, tt := range rejections {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := postmarkServer(t, tt.status, tt.code, nil)
			sender, err := email.NewPostmarkSender(validConfig(), email.WithPostmarkBaseURL(srv.URL))
			require.NoError(t, err)

			err = sender.Send(context.Background(), email.Message{To: "gone@example.com", Subject: "s", TextBody: "b"})
			if tt.permanent {
				require.ErrorIs(t, err, email.ErrInvalidRecipient)
				assert.NotErrorIs(t, err, email.ErrFailedToSendEmail)
				return
			}
			require.ErrorIs(t, err, email.ErrFailedToSendEmail)
			assert.NotErrorIs(t, err, email.ErrInvalidRecipient)
		})
	}

	t.Run("invalid message never reaches the api", func(t *testing.T) {
		t.Parallel()

		captured := make(chan map[string]any, 1)
		srv := postmarkServer(t, http.StatusOK, 0, captured)
		sender, err := email.NewPostmarkSender(validConfig(), email.WithPostmarkBaseURL(srv.URL))
		require.NoError(t, err)

		err = sender.Send(context.Background(), email.Message{To: "not-an-address", Subject: "s", TextBody: "b"})
		require.ErrorIs(t, err, email.ErrInvalidRecipient)
		assert.Empty(t, captured)
	})
}
