package handler

import (
	"chatsink/backend/internal/config"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-Slack-Signature"
	TimestampHeader = "X-Slack-Request-Timestamp"
	signatureScheme = "v0"
)

var ErrBadSignature = errors.New("invalid request signature")

// SignatureVerifier checks the platform's request signature:
// "v0=" + hex(HMAC-SHA256(secret, "v0:" + timestamp + ":" + body)).
type SignatureVerifier struct {
	secret    []byte
	Tolerance time.Duration
	Now       func() time.Time
}

func NewSignatureVerifier(secret string) *SignatureVerifier {
	return &SignatureVerifier{
		secret:    []byte(secret),
		Tolerance: config.SignatureTolerance,
		Now:       time.Now,
	}
}

// Sign returns the signature header value for body sent at timestamp.
func (v *SignatureVerifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(signatureScheme + ":" + timestamp + ":"))
	_, _ = mac.Write(body)
	return signatureScheme + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify rejects stale timestamps and signatures that do not match.
func (v *SignatureVerifier) Verify(signature, timestamp string, body []byte) error {
	signature = strings.TrimSpace(signature)
	timestamp = strings.TrimSpace(timestamp)
	if signature == "" || timestamp == "" {
		return ErrBadSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if v.Tolerance > 0 {
		d := v.Now().Sub(time.Unix(ts, 0))
		if d < -v.Tolerance || d > v.Tolerance {
			return ErrBadSignature
		}
	}

	hexSig, ok := strings.CutPrefix(signature, signatureScheme+"=")
	if !ok {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil || len(got) == 0 {
		return ErrBadSignature
	}
	want, _ := hex.DecodeString(strings.TrimPrefix(v.Sign(timestamp, body), signatureScheme+"="))
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}
