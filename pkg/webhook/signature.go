package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Signature headers set on hmac-authenticated requests.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-ID"
)

// SignatureHeaders carries the HMAC signature attached to a webhook request.
type SignatureHeaders struct {
	Signature string
	Timestamp int64
	ID        string
}

// Headers returns the signature as HTTP header values.
func (s SignatureHeaders) Headers() map[string]string {
	return map[string]string{
		HeaderSignature: s.Signature,
		HeaderTimestamp: strconv.FormatInt(s.Timestamp, 10),
		HeaderID:        s.ID,
	}
}

// SignPayload signs payload as hex(HMAC-SHA256(secret, timestamp + "." + payload))
// with the current Unix time and a fresh request id.
func SignPayload(secret string, payload []byte) (SignatureHeaders, error) {
	if secret == "" {
		return SignatureHeaders{}, fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	if len(payload) == 0 {
		return SignatureHeaders{}, fmt.Errorf("%w: payload cannot be empty", ErrInvalidPayload)
	}

	ts := time.Now().Unix()
	return SignatureHeaders{
		Signature: sign(secret, ts, payload),
		Timestamp: ts,
		ID:        uuid.NewString(),
	}, nil
}

func sign(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(strconv.AppendInt(nil, ts, 10))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
