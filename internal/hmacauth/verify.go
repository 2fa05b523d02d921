package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultMaxBody = 1 << 20

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrBodyTooLarge     = errors.New("request body too large")
)

// Verifier authenticates inbound API requests. An empty Secret disables it.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Headers Headers
	Now     func() time.Time
	// MaxBody caps the bytes read for signing; zero means 1 MiB.
	MaxBody int64
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := v.verify(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if body != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		next.ServeHTTP(w, r)
	})
}

// verify checks the signature and returns the consumed body so the caller
// can hand it on.
func (v *Verifier) verify(r *http.Request) ([]byte, error) {
	if v.Secret == "" {
		return nil, nil
	}
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(v.Headers.signature())))
	if sig == "" {
		return nil, ErrMissingSignature
	}
	ts := r.Header.Get(v.Headers.timestamp())
	sent, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrMissingTimestamp
	}
	if skew := now(v.Now).Sub(time.Unix(sent, 0)).Abs(); skew > v.MaxSkew {
		return nil, ErrStaleTimestamp
	}

	body, err := v.readBody(r)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal([]byte(Sign(v.Secret, ts, body)), []byte(sig)) {
		return nil, ErrInvalidSignature
	}
	return body, nil
}

func (v *Verifier) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	limit := v.MaxBody
	if limit <= 0 {
		limit = defaultMaxBody
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}
