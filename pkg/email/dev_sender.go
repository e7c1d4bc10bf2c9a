package email

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DevSender implements Sender for local development by writing each message
// to dir instead of sending it: the body as .html or .txt, the envelope as .json.
type DevSender struct {
	dir string
	now func() time.Time
}

// NewDevSender creates a development sender. The directory is created on first send.
func NewDevSender(dir string) *DevSender {
	return &DevSender{dir: dir, now: time.Now}
}

type devEnvelope struct {
	Timestamp string            `json:"timestamp"`
	To        string            `json:"to"`
	CC        []string          `json:"cc,omitempty"`
	BCC       []string          `json:"bcc,omitempty"`
	Subject   string            `json:"subject"`
	Tag       string            `json:"tag,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Send implements Sender.
func (d *DevSender) Send(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("%w: failed to create directory: %w", ErrFailedToSendEmail, err)
	}

	now := d.now()
	identifier := msg.Tag
	if identifier == "" {
		identifier = msg.Subject
	}
	base := fmt.Sprintf("%s_%s_%s", now.Format("2006_01_02_150405"), sanitizeFilename(identifier), uuid.NewString()[:8])

	body, ext := msg.HTMLBody, ".html"
	if body == "" {
		body, ext = msg.TextBody, ".txt"
	}
	if err := os.WriteFile(filepath.Join(d.dir, base+ext), []byte(body), 0o644); err != nil {
		return fmt.Errorf("%w: failed to write body: %w", ErrFailedToSendEmail, err)
	}

	envelope, err := json.MarshalIndent(devEnvelope{
		Timestamp: now.Format(time.RFC3339),
		To:        msg.To,
		CC:        msg.CC,
		BCC:       msg.BCC,
		Subject:   msg.Subject,
		Tag:       msg.Tag,
		Metadata:  msg.Metadata,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal envelope: %w", ErrFailedToSendEmail, err)
	}
	if err := os.WriteFile(filepath.Join(d.dir, base+".json"), envelope, 0o644); err != nil {
		return fmt.Errorf("%w: failed to write envelope: %w", ErrFailedToSendEmail, err)
	}

	return nil
}

var sanitizeRegex = regexp.MustCompile(`[^a-zA-Z0-9\-_.]`)

func sanitizeFilename(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = sanitizeRegex.ReplaceAllString(s, "")
	if len(s) > 100 {
		s = s[:100]
	}
	if s == "" {
		s = "email"
	}
	return strings.ToLower(s)
}
