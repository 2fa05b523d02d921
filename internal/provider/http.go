package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"rampflow/internal/hmacauth"
)

// APIError is a non-2xx response or a transport failure (StatusCode 0).
type APIError struct {
	Provider   string
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: transport: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Op, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// messagePaths are the places providers put a human-readable error.
var messagePaths = []string{
	"message",
	"error.message",
	"error",
	"errors.0.detail",
	"errors.0.title",
	"data.message",
	"detail",
}

// HTTPClient is the JSON-over-HTTP plumbing shared by provider adapters.
type HTTPClient struct {
	Provider   string
	BaseURL    string
	Headers    map[string]string
	HTTPClient *http.Client
	Signer     *hmacauth.Signer
	Logger     *zap.Logger
}

func NewHTTPClient(provider, baseURL string, headers map[string]string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		Provider:   provider,
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Headers:    headers,
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     logger.Named(provider),
	}
}

// Do sends payload (nil for none) as JSON and returns the raw response body.
func (c *HTTPClient) Do(ctx context.Context, op, method, path string, payload any, extra map[string]string) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	c.Signer.SignRequest(req, body)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &APIError{Provider: c.Provider, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Provider: c.Provider, Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := ErrorMessage(respBody)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.Logger.Warn("non-2xx provider response",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return nil, &APIError{Provider: c.Provider, Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	return respBody, nil
}

// ErrorMessage pulls the first human-readable error string out of body.
func ErrorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body))
	}
	for _, path := range messagePaths {
		res := gjson.GetBytes(body, path)
		if res.Exists() && res.Type == gjson.String && res.String() != "" {
			return res.String()
		}
	}
	return ""
}

// FirstDecimal returns the first path in body holding a number or numeric
// string. Providers disagree on both field names and JSON types for rates.
func FirstDecimal(body []byte, paths ...string) (decimal.Decimal, bool) {
	for _, path := range paths {
		res := gjson.GetBytes(body, path)
		if !res.Exists() {
			continue
		}
		raw := res.Raw
		if res.Type == gjson.String {
			raw = strings.TrimSpace(res.String())
		} else if res.Type != gjson.Number {
			continue
		}
		if d, err := decimal.NewFromString(raw); err == nil {
			return d, true
		}
	}
	return decimal.Zero, false
}

// FirstString returns the first non-empty string (or number rendered as text) at paths.
func FirstString(body []byte, paths ...string) string {
	for _, path := range paths {
		res := gjson.GetBytes(body, path)
		if res.Exists() && res.String() != "" {
			return res.String()
		}
	}
	return ""
}
