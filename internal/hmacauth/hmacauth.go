// Package hmacauth signs and verifies requests as
// hex(HMAC-SHA256(secret, timestamp || body)). Inbound API calls are checked
// by Verifier; outbound provider calls are signed by Signer.
package hmacauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Headers names the signature and timestamp headers. Empty fields fall back
// to X-Request-Signature and X-Request-Timestamp.
type Headers struct {
	Signature string
	Timestamp string
}

func (h Headers) signature() string {
	if h.Signature == "" {
		return "X-Request-Signature"
	}
	return h.Signature
}

func (h Headers) timestamp() string {
	if h.Timestamp == "" {
		return "X-Request-Timestamp"
	}
	return h.Timestamp
}

// Sign computes the lowercase hex signature over timestamp and body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func now(clock func() time.Time) time.Time {
	if clock != nil {
		return clock()
	}
	return time.Now()
}
