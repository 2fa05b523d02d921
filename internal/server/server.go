package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rampflow/internal/chain"
	"rampflow/internal/config"
	"rampflow/internal/events"
	"rampflow/internal/flow"
	"rampflow/internal/hmacauth"
	"rampflow/internal/idempotency"
	"rampflow/internal/metrics"
	"rampflow/internal/ramp"
	"rampflow/internal/recipient"
	"rampflow/internal/resume"
)

var errFlowNotFound = errors.New("flow not found")

// Deps are the collaborators the API drives.
type Deps struct {
	Flow       flow.Deps
	Tokens     map[string]ramp.Token
	Countries  map[string]ramp.Country
	Wallet     chain.Wallet
	Reconciler *resume.Reconciler
	Store      idempotency.Store
	Events     events.Publisher
	Metrics    *metrics.Registry
	Logger     *zap.Logger
}

type Server struct {
	cfg        *config.AppConfig
	deps       Deps
	log        *zap.Logger
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	router     chi.Router

	mu       sync.RWMutex
	sessions map[string]*flow.Session

	idleTTL       time.Duration
	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once

	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.Named("server"),
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Seed.Secrets.HMACSalt,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		sessions:      make(map[string]*flow.Session),
		idleTTL:       cfg.Service.FlowIdleTTL,
		sweepInterval: cfg.Service.SweepInterval,
		stopSweep:     make(chan struct{}),
	}
	if s.idleTTL <= 0 {
		s.idleTTL = 30 * time.Minute
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = 30 * time.Second
	}

	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := deps.Wallet.(chain.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.hmac.Middleware)
			r.Post("/flows", s.handleCreateFlow)
			r.Route("/flows/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetFlow)
				r.Post("/amount", s.handleAmount)
				r.Post("/destination", s.handleDestination)
				r.Post("/quote", s.handleQuote)
				r.Post("/recipient", s.handleRecipient)
				r.Post("/edit", s.handleEdit)
				r.Post("/confirm", s.handleConfirm)
				r.Post("/retry", s.handleRetry)
				r.Post("/cancel", s.handleCancel)
			})
			r.Get("/institutions", s.handleInstitutions)
			r.Post("/resume/{ref}", s.handleResume)
		})
		if deps.Metrics != nil {
			r.Handle("/metrics", deps.Metrics.Handler())
		}
		r.Get("/health", s.handleHealth)
	})
	s.router = r

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	go s.sweepLoop()
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the listener, then every session's polling. Flows still
// processing stay recoverable through the resume queue.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopSweep) })
	err := s.httpServer.Shutdown(ctx)
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*flow.Session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
	return err
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) session(id string) (*flow.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errFlowNotFound
	}
	return sess, nil
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep releases finished flows once clients had a sweep interval to read
// the final state, and any flow left idle past the TTL.
func (s *Server) sweep(now time.Time) {
	s.mu.Lock()
	var released []*flow.Session
	for id, sess := range s.sessions {
		if (sess.Finished() && sess.Idle(now, s.sweepInterval)) || sess.Idle(now, s.idleTTL) {
			delete(s.sessions, id)
			released = append(released, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range released {
		sess.Close()
	}
	if len(released) > 0 {
		s.log.Debug("flows released", zap.Int("count", len(released)))
	}
}

// releaseFinished drops a flow the moment a response carried its final state.
func (s *Server) releaseFinished(id string, sess *flow.Session) {
	if !sess.Finished() {
		return
	}
	s.mu.Lock()
	if s.sessions[id] != sess {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, id)
	s.mu.Unlock()
	sess.Close()
}

type createFlowRequest struct {
	Direction     ramp.Direction `json:"direction"`
	Token         string         `json:"token"`
	WalletAddress string         `json:"walletAddress"`
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var req createFlowRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Direction == "" {
		req.Direction = ramp.OffRamp
	}
	if !req.Direction.Valid() {
		writeError(w, ramp.E(ramp.KindValidationFailed, "create_flow", "direction must be offramp or onramp", nil))
		return
	}
	token, ok := s.deps.Tokens[strings.ToUpper(req.Token)]
	if !ok {
		writeError(w, ramp.E(ramp.KindRouteUnsupported, "create_flow", "unsupported token "+req.Token, nil))
		return
	}
	wallet := req.WalletAddress
	if wallet == "" && s.deps.Wallet != nil {
		wallet = s.deps.Wallet.Address()
	}
	if wallet == "" {
		writeError(w, ramp.E(ramp.KindValidationFailed, "create_flow", "walletAddress is required", nil))
		return
	}

	id := uuid.NewString()
	sess := flow.NewSession(s.deps.Flow, flow.New(id, req.Direction, token, wallet),
		flow.EventForwarder{Publisher: s.deps.Events, Logger: s.log},
		flow.LogSubscriber{Logger: s.log},
	)
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, view(sess.Snapshot()))
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(sess.Snapshot()))
}

// step decodes req, runs fn against the flow session and writes the result.
func step[T any](s *Server, w http.ResponseWriter, r *http.Request, fn func(*flow.Session, T) (flow.Context, error)) {
	id := chi.URLParam(r, "id")
	sess, err := s.session(id)
	if err != nil {
		writeError(w, err)
		return
	}
	var req T
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	c, err := fn(sess, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(c))
	s.releaseFinished(id, sess)
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleAmount(w http.ResponseWriter, r *http.Request) {
	step(s, w, r, func(sess *flow.Session, req amountRequest) (flow.Context, error) {
		amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
		if err != nil {
			return sess.Snapshot(), ramp.E(ramp.KindValidationFailed, "amount", "amount is not a number", err)
		}
		return sess.EnterAmount(r.Context(), amount)
	})
}

type destinationRequest struct {
	Country  string `json:"country"`
	Provider string `json:"provider"`
}

func (s *Server) handleDestination(w http.ResponseWriter, r *http.Request) {
	step(s, w, r, func(sess *flow.Session, req destinationRequest) (flow.Context, error) {
		country, ok := s.deps.Countries[strings.ToUpper(req.Country)]
		if !ok {
			return sess.Snapshot(), ramp.E(ramp.KindRouteUnsupported, "destination", "unsupported country "+req.Country, nil)
		}
		return sess.SelectDestination(country, req.Provider)
	})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	step(s, w, r, func(sess *flow.Session, _ struct{}) (flow.Context, error) {
		return sess.FetchQuote(r.Context())
	})
}

type recipientRequest struct {
	InstitutionCode   string `json:"institutionCode"`
	AccountIdentifier string `json:"accountIdentifier"`
	DisplayName       string `json:"displayName"`
}

func (s *Server) handleRecipient(w http.ResponseWriter, r *http.Request) {
	step(s, w, r, func(sess *flow.Session, req recipientRequest) (flow.Context, error) {
		return sess.ResolveRecipient(r.Context(), recipient.RawInput{
			AccountIdentifier: req.AccountIdentifier,
			DisplayName:       req.DisplayName,
		}, req.InstitutionCode)
	})
}

type editRequest struct {
	To flow.Step `json:"to"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	step(s, w, r, func(sess *flow.Session, req editRequest) (flow.Context, error) {
		return sess.Edit(req.To)
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	step(s, w, r, func(sess *flow.Session, _ struct{}) (flow.Context, error) {
		return sess.Retry()
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	step(s, w, r, func(sess *flow.Session, _ struct{}) (flow.Context, error) {
		return sess.Cancel()
	})
}

const confirmKeyPrefix = "confirm:"

// handleConfirm runs the pipeline up to order submission. A repeated
// X-Idempotency-Key replays the stored response.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.session(id)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key != "" {
		key = confirmKeyPrefix + id + ":" + key
		if existing, _ := s.deps.Store.Get(ctx, key); existing != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}
	}

	// Funds may move; a dropped client must not interrupt the pipeline.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.confirmTimeout())
	defer cancel()
	c, err := sess.Confirm(runCtx)
	if err != nil {
		writeError(w, err)
		s.releaseFinished(id, sess)
		return
	}

	body, err := json.Marshal(view(c))
	if err != nil {
		writeError(w, err)
		return
	}
	if key != "" {
		record := idempotency.NewRecord(idempotency.KindHTTP, c.TransferReference, http.StatusOK, body, s.cfg.Service.IdempotencyWindow)
		if err := s.deps.Store.Save(ctx, key, record); err != nil {
			s.log.Warn("idempotency save failed", zap.String("flow_id", id), zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) confirmTimeout() time.Duration {
	t := s.cfg.Timeouts.RPC + s.cfg.Timeouts.Provider*time.Duration(max(s.cfg.Retry.MaxAttempts, 1)) + s.cfg.Retry.MaxBackoff*time.Duration(max(s.cfg.Retry.MaxAttempts, 1))
	if t <= 0 {
		return 2 * time.Minute
	}
	return t + 30*time.Second
}

func (s *Server) handleInstitutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	country, ok := s.deps.Countries[strings.ToUpper(q.Get("country"))]
	if !ok {
		writeError(w, ramp.E(ramp.KindRouteUnsupported, "institutions", "unsupported country "+q.Get("country"), nil))
		return
	}
	p, err := s.deps.Flow.Providers.Get(q.Get("provider"))
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := p.Institutions(r.Context(), country)
	if err != nil {
		writeError(w, ramp.E(ramp.KindTransient, "institutions", "could not list institutions", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": p.Name(), "country": country.Code, "institutions": list})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		http.Error(w, "resume is not configured", http.StatusNotImplemented)
		return
	}
	res, err := s.deps.Reconciler.Resume(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	s.mu.RLock()
	active := len(s.sessions)
	s.mu.RUnlock()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status      string `json:"status"`
		RPC         any    `json:"rpc"`
		Database    any    `json:"database"`
		ResumeDepth int    `json:"resume_depth"`
		ActiveFlows int    `json:"active_flows"`
	}{
		Status:      status,
		RPC:         rpcInfo,
		Database:    dbInfo,
		ResumeDepth: s.deps.Flow.Resume.Depth(),
		ActiveFlows: active,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
