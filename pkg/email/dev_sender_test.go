package email_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/email"
)

func TestDevSender_Send(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "emails")
	sender := email.NewDevSender(dir)

	err := sender.Send(context.Background(), email.Message{
		To:       "ops@example.com",
		Subject:  "Daily digest",
		TextBody: "3 alerts",
		Tag:      "digest daily",
	})
	require.NoError(t, err)

	txt, _ := filepath.Glob(filepath.Join(dir, "*_digest_daily_*.txt"))
	require.Len(t, txt, 1)
	body, err := os.ReadFile(txt[0])
	require.NoError(t, err)
	assert.Equal(t, "3 alerts", string(body))

	envs, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	require.Len(t, envs, 1)
	raw, err := os.ReadFile(envs[0])
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "ops@example.com", env["to"])
	assert.Equal(t, "Daily digest", env["subject"])
}

func TestDevSender_RejectsInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	err := email.NewDevSender(dir).Send(context.Background(), email.Message{To: "bad", Subject: "s", TextBody: "b"})
	require.ErrorIs(t, err, email.ErrInvalidRecipient)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewSender(t *testing.T) {
	t.Parallel()

	s, err := email.NewSender(email.Config{DevDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &email.DevSender{}, s)

	s, err = email.NewSender(validConfig())
	require.NoError(t, err)
	assert.IsType(t, &email.PostmarkSender{}, s)
}
