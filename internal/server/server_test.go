package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"rampflow/internal/chain"
	"rampflow/internal/config"
	"rampflow/internal/disburse"
	"rampflow/internal/events"
	"rampflow/internal/flow"
	"rampflow/internal/idempotency"
	"rampflow/internal/metrics"
	"rampflow/internal/provider"
	"rampflow/internal/provider/sandbox"
	"rampflow/internal/quote"
	"rampflow/internal/ramp"
	"rampflow/internal/resume"
	"rampflow/internal/status"
)

const (
	testSecret = "test-secret"
	walletAddr = "0x1111111111111111111111111111111111111111"
	vaultAddr  = "0x2222222222222222222222222222222222222222"
)

var usdc = ramp.Token{Symbol: "USDC", Contract: "0x00000000000000000000000000000000000000c0", ChainID: 42220, Decimals: 6}

type fixture struct {
	srv      *Server
	prov     *sandbox.Provider
	wallet   *chain.SandboxWallet
	queue    *resume.Queue
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
		Retry: config.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond},
	}
	cfg.Seed.Secrets.HMACSalt = testSecret

	prov := sandbox.New("", vaultAddr)
	prov.SetRates("KES", decimal.NewFromInt(1310), decimal.NewFromInt(1300))
	prov.SetInstitutions("KE", ramp.Institution{Code: "SAFARICOM", Name: "M-Pesa", Kind: ramp.MobileMoney})

	wallet := chain.NewSandboxWallet(walletAddr, 42220)
	wallet.SetBalance(usdc.Contract, big.NewInt(50_000_000))

	m := metrics.New()
	queue, err := resume.NewQueue(t.TempDir(), m, logger)
	if err != nil {
		t.Fatalf("resume queue: %v", err)
	}
	store := idempotency.NewMemoryStore()
	registry := provider.NewRegistry(prov)
	submitter := disburse.New(store, time.Hour, logger, m)
	poller := status.New(time.Millisecond, time.Second, logger, m)
	rec := &events.Recorder{}

	srv := NewServer(cfg, Deps{
		Flow: flow.Deps{
			Machine:   &flow.Machine{Routes: flow.Routes{"KE": {"sandbox"}}},
			Providers: registry,
			Quotes:    quote.New(time.Minute, []string{"USDC"}, logger),
			Executor:  chain.NewExecutor(wallet, 3, time.Millisecond, logger, m),
			Submitter: submitter,
			Retry:     disburse.RetryPolicy{MaxAttempts: 1},
			Poller:    poller,
			Resume:    queue,
			Metrics:   m,
			Logger:    logger,
		},
		Tokens:    map[string]ramp.Token{"USDC": usdc},
		Countries: map[string]ramp.Country{"KE": {Code: "KE", Currency: "KES", CallingCode: "254"}},
		Wallet:    wallet,
		Reconciler: &resume.Reconciler{
			Queue: queue, Providers: registry, Submitter: submitter, Poller: poller,
			Policy: disburse.RetryPolicy{MaxAttempts: 1}, Events: rec, Logger: logger,
		},
		Store:   store,
		Events:  rec,
		Metrics: m,
		Logger:  logger,
	})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &fixture{srv: srv, prov: prov, wallet: wallet, queue: queue, recorder: rec}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Request-Signature", computeSignatureForTest(testSecret, ts, payload))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeFlow(t *testing.T, rec *httptest.ResponseRecorder) flowView {
	t.Helper()
	var v flowView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode flow: %v (%s)", err, rec.Body.String())
	}
	return v
}

// toConfirmation walks a new off-ramp flow up to the confirmation step.
func (f *fixture) toConfirmation(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/flows", map[string]string{"token": "USDC", "direction": "offramp"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	id := decodeFlow(t, rec).ID
	base := "/api/v1/flows/" + id

	steps := []struct {
		path string
		body any
	}{
		{"/amount", map[string]string{"amount": "10"}},
		{"/destination", map[string]string{"country": "KE", "provider": "sandbox"}},
		{"/recipient", map[string]string{"institutionCode": "SAFARICOM", "accountIdentifier": "0712 345 678"}},
	}
	for _, s := range steps {
		rec = f.do(t, http.MethodPost, base+s.path, s.body, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 got %d: %s", s.path, rec.Code, rec.Body.String())
		}
	}
	v := decodeFlow(t, rec)
	if v.Step != flow.StepConfirmation {
		t.Fatalf("expected confirmation step, got %s", v.Step)
	}
	if v.TargetDisplay != "13000.00" {
		t.Fatalf("expected 13000.00 display, got %q", v.TargetDisplay)
	}
	return id
}

func TestUnsignedRequestRejected(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/flows", bytes.NewReader([]byte(`{"token":"USDC"}`)))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestConfirmIdempotency(t *testing.T) {
	f := newFixture(t)
	id := f.toConfirmation(t)
	headers := map[string]string{"X-Idempotency-Key": "key-1"}

	rec := f.do(t, http.MethodPost, "/api/v1/flows/"+id+"/confirm", nil, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	first := rec.Body.Bytes()
	v := decodeFlow(t, rec)
	if v.TransferReference == "" || v.Order == nil {
		t.Fatalf("expected broadcast transfer and submitted order, got %+v", v.Context)
	}

	rec2 := f.do(t, http.MethodPost, "/api/v1/flows/"+id+"/confirm", nil, headers)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected cached 200 got %d", rec2.Code)
	}
	if !bytes.Equal(first, rec2.Body.Bytes()) {
		t.Fatalf("expected same response body on idempotent confirm")
	}
	if n := len(f.wallet.Transfers()); n != 1 {
		t.Fatalf("expected one transfer, got %d", n)
	}
	if n := f.prov.SubmitCalls(); n != 1 {
		t.Fatalf("expected one submit, got %d", n)
	}
}

func TestCancelAfterBroadcastConflicts(t *testing.T) {
	f := newFixture(t)
	id := f.toConfirmation(t)

	if rec := f.do(t, http.MethodPost, "/api/v1/flows/"+id+"/confirm", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200 got %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/api/v1/flows/"+id+"/cancel", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestInsufficientFundsMapsToUnprocessable(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/flows", map[string]string{"token": "USDC"}, nil)
	id := decodeFlow(t, rec).ID

	rec = f.do(t, http.MethodPost, "/api/v1/flows/"+id+"/amount", map[string]string{"amount": "500"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", rec.Code)
	}
	var body map[string]errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body["error"].Kind != ramp.KindInsufficientFunds || body["error"].Title == "" {
		t.Fatalf("unexpected error body %+v", body["error"])
	}
}

func TestTransientDisbursementResume(t *testing.T) {
	f := newFixture(t)
	f.prov.FailSubmits(&provider.APIError{Provider: "sandbox", Op: "submit", StatusCode: 502, Message: "bad gateway"})
	f.prov.SetProgression("completed")
	id := f.toConfirmation(t)

	rec := f.do(t, http.MethodPost, "/api/v1/flows/"+id+"/confirm", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]errorBody
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	ref := body["error"].TransferReference
	if ref == "" {
		t.Fatalf("expected transfer reference in error body")
	}

	rec = f.do(t, http.MethodPost, "/api/v1/resume/"+ref, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var res resume.Result
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	if !res.Done || res.Status != ramp.StatusComplete {
		t.Fatalf("expected completed resume, got %+v", res)
	}
	if f.queue.Depth() != 0 {
		t.Fatalf("expected empty resume queue")
	}

	rec = f.do(t, http.MethodPost, "/api/v1/resume/"+ref, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for finished resume, got %d", rec.Code)
	}
}

func TestInstitutions(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/institutions?provider=sandbox&country=ke", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var body struct {
		Institutions []ramp.Institution `json:"institutions"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Institutions) != 1 || body.Institutions[0].Code != "SAFARICOM" {
		t.Fatalf("unexpected institutions %+v", body.Institutions)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Status != "healthy" {
		t.Fatalf("expected healthy, got %q", body.Status)
	}
}

func (f *fixture) activeFlows(t *testing.T) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	var body struct {
		ActiveFlows int `json:"active_flows"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return body.ActiveFlows
}

func TestCancelledFlowIsReleased(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/flows", map[string]string{"token": "USDC"}, nil)
	id := decodeFlow(t, rec).ID
	if n := f.activeFlows(t); n != 1 {
		t.Fatalf("expected 1 active flow, got %d", n)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/flows/"+id+"/cancel", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if v := decodeFlow(t, rec); v.Outcome != flow.OutcomeCancelled {
		t.Fatalf("expected cancelled outcome, got %q", v.Outcome)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/flows/"+id, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after cancel, got %d", rec.Code)
	}
	if n := f.activeFlows(t); n != 0 {
		t.Fatalf("expected no active flows, got %d", n)
	}
}

func TestSweepReleasesCompletedAndIdleFlows(t *testing.T) {
	f := newFixture(t)
	done := f.toConfirmation(t)
	if rec := f.do(t, http.MethodPost, "/api/v1/flows/"+done+"/confirm", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200 got %d", rec.Code)
	}
	sess, err := f.srv.session(done)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c, err := sess.Wait(ctx); err != nil || c.Step != flow.StepSuccess {
		t.Fatalf("expected success, got %s (%v)", c.Step, err)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/flows", map[string]string{"token": "USDC"}, nil)
	idle := decodeFlow(t, rec).ID

	now := time.Now()
	f.srv.sweep(now)
	if n := f.activeFlows(t); n != 2 {
		t.Fatalf("expected both flows kept right after completion, got %d", n)
	}

	f.srv.sweep(now.Add(time.Minute))
	if _, err := f.srv.session(done); err == nil {
		t.Fatalf("expected completed flow to be released")
	}
	if _, err := f.srv.session(idle); err != nil {
		t.Fatalf("expected in-progress flow to be kept: %v", err)
	}

	f.srv.sweep(now.Add(time.Hour))
	if n := f.activeFlows(t); n != 0 {
		t.Fatalf("expected idle flow released, got %d active", n)
	}
}

func computeSignatureForTest(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
