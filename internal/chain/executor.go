package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"rampflow/internal/metrics"
	"rampflow/internal/ramp"
)

const (
	DefaultSwitchRetries  = 3
	DefaultSwitchInterval = 750 * time.Millisecond

	// EIP-1193 user rejection.
	codeUserRejected = 4001
)

// Executor submits a TransferIntent only once the wallet is confirmed to be on
// the intent's chain. Executions are serialized because the wallet has a
// single active chain.
type Executor struct {
	mu sync.Mutex

	Wallet         Wallet
	SwitchRetries  int
	SwitchInterval time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Registry
}

func NewExecutor(w Wallet, retries int, interval time.Duration, logger *zap.Logger, m *metrics.Registry) *Executor {
	if retries <= 0 {
		retries = DefaultSwitchRetries
	}
	if interval <= 0 {
		interval = DefaultSwitchInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{Wallet: w, SwitchRetries: retries, SwitchInterval: interval, Logger: logger.Named("chain"), Metrics: m}
}

// Execute returns the broadcast transaction hash. It never waits for inclusion.
func (e *Executor) Execute(ctx context.Context, intent ramp.TransferIntent) (string, error) {
	if err := validateIntent(intent); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureChain(ctx, intent.ChainID); err != nil {
		e.Metrics.IncTransfer(string(ramp.KindOf(err)))
		return "", err
	}

	balance, err := e.Wallet.Balance(ctx, intent.ChainID, intent.SenderAddress, intent.TokenContract)
	if err != nil {
		e.Metrics.IncTransfer("balance_error")
		return "", ramp.E(ramp.KindTransferFailed, "balance", "could not read token balance", err)
	}
	if balance.Cmp(intent.AmountInSmallestUnit) < 0 {
		e.Metrics.IncTransfer(string(ramp.KindInsufficientFunds))
		return "", ramp.E(ramp.KindInsufficientFunds, "balance",
			fmt.Sprintf("balance %s below transfer amount %s", balance, intent.AmountInSmallestUnit), nil)
	}

	hash, err := e.Wallet.TransferToken(ctx, intent.TokenContract, intent.DestinationAddress, intent.AmountInSmallestUnit, intent.ChainID)
	if err != nil {
		classified := Classify(err)
		e.Metrics.IncTransfer(string(classified.Kind))
		e.Logger.Warn("transfer failed",
			zap.Uint64("chain_id", intent.ChainID),
			zap.String("kind", string(classified.Kind)),
			zap.Error(err))
		return "", classified
	}
	e.Metrics.IncTransfer("broadcast")
	e.Logger.Info("transfer broadcast", zap.String("transfer_ref", hash), zap.Uint64("chain_id", intent.ChainID))
	return hash, nil
}

func (e *Executor) ensureChain(ctx context.Context, want uint64) error {
	active, err := e.Wallet.ActiveChain(ctx)
	if err != nil {
		return ramp.E(ramp.KindChainSwitchFailed, "switch_chain", "could not read active chain", err)
	}
	if active == want {
		return nil
	}

	e.Logger.Info("switching chain", zap.Uint64("from", active), zap.Uint64("to", want))
	if err := e.Wallet.SwitchChain(ctx, want); err != nil {
		e.Metrics.IncChainSwitch("failed")
		if c := Classify(err); c.Kind == ramp.KindUserRejected {
			return c
		}
		return ramp.E(ramp.KindChainSwitchFailed, "switch_chain", fmt.Sprintf("switch to chain %d failed", want), err)
	}

	bound := e.SwitchInterval*time.Duration(e.SwitchRetries+1) + time.Second
	ctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	timer := time.NewTimer(e.SwitchInterval)
	defer timer.Stop()
	for attempt := 1; attempt <= e.SwitchRetries; attempt++ {
		select {
		case <-ctx.Done():
			e.Metrics.IncChainSwitch("failed")
			return ramp.E(ramp.KindChainSwitchFailed, "switch_chain", "switch not confirmed in time", ctx.Err())
		case <-timer.C:
		}
		active, err = e.Wallet.ActiveChain(ctx)
		if err == nil && active == want {
			e.Metrics.IncChainSwitch("ok")
			return nil
		}
		e.Logger.Debug("chain switch not yet visible",
			zap.Int("attempt", attempt),
			zap.Uint64("active", active),
			zap.Error(err))
		timer.Reset(e.SwitchInterval)
	}

	e.Metrics.IncChainSwitch("failed")
	return ramp.E(ramp.KindChainSwitchFailed, "switch_chain",
		fmt.Sprintf("wallet still on chain %d after %d checks, token requires %d", active, e.SwitchRetries, want), nil)
}

func validateIntent(intent ramp.TransferIntent) error {
	switch {
	case !common.IsHexAddress(intent.TokenContract):
		return ramp.E(ramp.KindValidationFailed, "transfer", "invalid token contract", nil)
	case !common.IsHexAddress(intent.DestinationAddress):
		return ramp.E(ramp.KindValidationFailed, "transfer", "invalid settlement address", nil)
	case !common.IsHexAddress(intent.SenderAddress):
		return ramp.E(ramp.KindValidationFailed, "transfer", "invalid sender address", nil)
	case intent.ChainID == 0:
		return ramp.E(ramp.KindValidationFailed, "transfer", "chain id required", nil)
	case intent.AmountInSmallestUnit == nil || intent.AmountInSmallestUnit.Sign() <= 0:
		return ramp.E(ramp.KindValidationFailed, "transfer", "amount must be positive", nil)
	}
	return nil
}

var (
	rejectedPatterns     = []string{"user rejected", "user denied", "rejected the request", "denied transaction"}
	insufficientPatterns = []string{"insufficient funds", "exceeds balance", "insufficient balance"}
)

// Classify maps a wallet error onto the transfer error kinds.
func Classify(err error) *ramp.Error {
	var re *ramp.Error
	if errors.As(err, &re) {
		return re
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeUserRejected {
		return ramp.E(ramp.KindUserRejected, "transfer", "request rejected in wallet", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, rejectedPatterns):
		return ramp.E(ramp.KindUserRejected, "transfer", "request rejected in wallet", err)
	case containsAny(msg, insufficientPatterns):
		return ramp.E(ramp.KindInsufficientFunds, "transfer", "not enough tokens or gas", err)
	case strings.Contains(msg, "revert"):
		return ramp.E(ramp.KindTransferReverted, "transfer", "transfer reverted", err)
	}
	return ramp.E(ramp.KindTransferFailed, "transfer", "wallet could not submit transfer", err)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
