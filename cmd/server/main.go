package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rampflow/internal/chain"
	"rampflow/internal/config"
	"rampflow/internal/disburse"
	"rampflow/internal/events"
	"rampflow/internal/flow"
	"rampflow/internal/idempotency"
	"rampflow/internal/metrics"
	"rampflow/internal/provider"
	"rampflow/internal/provider/paycrest"
	"rampflow/internal/provider/pretium"
	"rampflow/internal/provider/sandbox"
	"rampflow/internal/quote"
	"rampflow/internal/ramp"
	"rampflow/internal/resume"
	"rampflow/internal/server"
	"rampflow/internal/status"
)

const sandboxWalletAddress = "0x000000000000000000000000000000000000bEEF"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func run(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) error {
	m := metrics.New()

	store, closeStore, err := newStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	defer closeStore()

	tokens := make(map[string]ramp.Token, len(cfg.Seed.Tokens))
	stablecoins := make([]string, 0, len(cfg.Seed.Tokens))
	for _, t := range cfg.Seed.Tokens {
		sym := strings.ToUpper(t.Symbol)
		tokens[sym] = ramp.Token{Symbol: sym, Contract: t.Contract, ChainID: t.ChainID, Decimals: t.Decimals}
		stablecoins = append(stablecoins, sym)
	}

	wallet, closeWallet, err := newWallet(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	defer closeWallet()

	registry, err := newProviders(cfg, logger)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	countries := make(map[string]ramp.Country, len(cfg.Seed.Countries))
	routes := make(flow.Routes, len(cfg.Seed.Countries))
	for _, c := range cfg.Seed.Countries {
		code := strings.ToUpper(c.Code)
		countries[code] = ramp.Country{Code: code, Currency: strings.ToUpper(c.Currency), CallingCode: c.CallingCode}
		routes[code] = c.Providers
	}

	publisher := newPublisher(cfg.Events, logger)
	defer publisher.Close()

	queue, err := resume.NewQueue(cfg.Service.ResumeQueuePath, m, logger)
	if err != nil {
		return err
	}

	policy := disburse.PolicyFrom(cfg.Retry)
	submitter := disburse.New(store, cfg.Service.IdempotencyWindow, logger, m)
	poller := status.New(cfg.Timeouts.PollInterval, cfg.Timeouts.PollCeiling, logger, m)

	reconciler := &resume.Reconciler{
		Queue:     queue,
		Providers: registry,
		Submitter: submitter,
		Poller:    poller,
		Policy:    policy,
		Events:    publisher,
		Logger:    logger,
	}
	sched, err := reconciler.Schedule(cfg.Service.ResumeSchedule, cfg.Timeouts.Provider*time.Duration(max(policy.MaxAttempts, 1)))
	if err != nil {
		return fmt.Errorf("resume schedule: %w", err)
	}
	defer sched.Stop()

	apiServer := server.NewServer(cfg, server.Deps{
		Flow: flow.Deps{
			Machine:   &flow.Machine{Routes: routes},
			Providers: registry,
			Quotes:    quote.New(cfg.Timeouts.QuoteTTL, stablecoins, logger),
			Executor:  chain.NewExecutor(wallet, cfg.Timeouts.ChainSwitchRetries, cfg.Timeouts.ChainSwitchInterval, logger, m),
			Submitter: submitter,
			Retry:     policy,
			Poller:    poller,
			Resume:    queue,
			Metrics:   m,
			Logger:    logger,
		},
		Tokens:     tokens,
		Countries:  countries,
		Wallet:     wallet,
		Reconciler: reconciler,
		Store:      store,
		Events:     publisher,
		Metrics:    m,
		Logger:     logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newStore(ctx context.Context, cfg config.StorageConfig) (idempotency.Store, func(), error) {
	switch cfg.Backend {
	case "memory":
		return idempotency.NewMemoryStore(), func() {}, nil
	case "postgres":
		s, err := idempotency.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		s, err := idempotency.NewRedisStore(ctx, cfg.RedisURL, "rampflow:idem:")
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "file", "":
		s, err := idempotency.NewFileStore(cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown idempotency backend %q", cfg.Backend)
}

// newWallet signs with the configured key, or falls back to an in-memory
// wallet for local runs.
func newWallet(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (chain.Wallet, func(), error) {
	defaultChain := cfg.Seed.Tokens[0].ChainID
	if cfg.Wallet.PrivateKey == "" {
		logger.Warn("WALLET_PRIVATE_KEY not set, using sandbox wallet")
		return chain.NewSandboxWallet(sandboxWalletAddress, defaultChain), func() {}, nil
	}
	rpcs := make(map[uint64]string, len(cfg.Seed.Chains))
	for _, c := range cfg.Seed.Chains {
		if c.RPCURL != "" {
			rpcs[c.ChainID] = c.RPCURL
		}
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.RPC)
	defer cancel()
	w, err := chain.NewEthWallet(dialCtx, chain.EthWalletConfig{
		PrivateKeyHex: cfg.Wallet.PrivateKey,
		RPCs:          rpcs,
		DefaultChain:  defaultChain,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return w, w.Close, nil
}

func newProviders(cfg *config.AppConfig, logger *zap.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	for _, pc := range cfg.Seed.Providers {
		var (
			p   provider.Provider
			err error
		)
		switch strings.ToLower(pc.Kind) {
		case "pretium":
			p, err = pretium.New(pretium.Config{
				Name: pc.Name, BaseURL: pc.BaseURL, APIKey: pc.APIKey, Secret: pc.Secret,
				SettlementAddress: pc.SettlementAddress, Timeout: cfg.Timeouts.Provider,
			}, logger)
		case "paycrest":
			p, err = paycrest.New(paycrest.Config{
				Name: pc.Name, BaseURL: pc.BaseURL, APIKey: pc.APIKey,
				SettlementAddress: pc.SettlementAddress, Timeout: cfg.Timeouts.Provider,
			}, logger)
		case "sandbox":
			p = sandbox.New(pc.Name, pc.SettlementAddress)
		default:
			err = fmt.Errorf("unknown provider kind %q", pc.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		registry.Register(p)
		logger.Info("provider registered", zap.String("name", p.Name()), zap.String("kind", pc.Kind))
	}
	return registry, nil
}

func newPublisher(cfg config.EventsConfig, logger *zap.Logger) events.Publisher {
	if cfg.RabbitMQURL == "" {
		return events.Nop{Logger: logger}
	}
	p, err := events.NewRabbitPublisher(cfg.RabbitMQURL, cfg.Exchange, logger)
	if err != nil {
		logger.Warn("rabbitmq unavailable, events disabled", zap.Error(err))
		return events.Nop{Logger: logger}
	}
	return p
}
