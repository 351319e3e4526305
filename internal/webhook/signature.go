package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	TimestampHeader = "X-Webhook-Timestamp"
)

// Headers is satisfied by http.Header and by HeaderFunc.
type Headers interface {
	Get(key string) string
}

// HeaderFunc adapts a lookup function to Headers.
type HeaderFunc func(key string) string

// Get implements Headers.
func (f HeaderFunc) Get(key string) string { return f(key) }

// Verifier checks the provider's HMAC-SHA256 signature over "<timestamp>.<body>".
type Verifier struct {
	Secret    string
	Tolerance time.Duration
}

// Verify returns an error wrapping ErrUnauthorized for a missing, malformed, stale or
// mismatched signature.
func (v Verifier) Verify(headers Headers, body []byte, now time.Time) error {
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("%w: webhook signing secret is not configured", apperrors.ErrUnauthorized)
	}
	signature := strings.TrimSpace(headers.Get(SignatureHeader))
	if signature == "" {
		return fmt.Errorf("%w: %s header is required", apperrors.ErrUnauthorized, SignatureHeader)
	}
	rawTS := strings.TrimSpace(headers.Get(TimestampHeader))
	if rawTS == "" {
		return fmt.Errorf("%w: %s header is required", apperrors.ErrUnauthorized, TimestampHeader)
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", apperrors.ErrUnauthorized)
	}

	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = 300 * time.Second
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", apperrors.ErrUnauthorized)
	}

	decoded, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("%w: decode hex signature", apperrors.ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare(decoded, mac(secret, rawTS, body)) != 1 {
		return fmt.Errorf("%w: signature verification failed", apperrors.ErrUnauthorized)
	}
	return nil
}

// Sign produces the hex signature for body at the given unix timestamp.
func Sign(secret string, timestamp int64, body []byte) string {
	return hex.EncodeToString(mac(strings.TrimSpace(secret), strconv.FormatInt(timestamp, 10), body))
}

func mac(secret, timestamp string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	_, _ = h.Write([]byte(timestamp))
	_, _ = h.Write([]byte("."))
	_, _ = h.Write(body)
	return h.Sum(nil)
}
