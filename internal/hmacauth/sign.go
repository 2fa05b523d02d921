package hmacauth

import (
	"net/http"
	"strconv"
	"time"
)

// Signer attaches signature headers to outbound provider requests.
type Signer struct {
	Secret  string
	Headers Headers
	Now     func() time.Time
}

// SignRequest signs body and sets the headers on req. body must be the exact
// bytes sent.
func (s *Signer) SignRequest(req *http.Request, body []byte) {
	if s == nil || s.Secret == "" {
		return
	}
	ts := strconv.FormatInt(now(s.Now).Unix(), 10)
	req.Header.Set(s.Headers.timestamp(), ts)
	req.Header.Set(s.Headers.signature(), Sign(s.Secret, ts, body))
}
