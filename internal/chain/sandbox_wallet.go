package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// SandboxWallet emulates a wallet in memory. Switches can lag or stick, and
// transfer errors can be scripted.
type SandboxWallet struct {
	mu        sync.Mutex
	address   string
	active    uint64
	pending   uint64
	lag       int
	stuck     bool
	balances  map[string]*big.Int
	failures  []error
	transfers []SandboxTransfer
	nonce     int
}

type SandboxTransfer struct {
	Contract string
	To       string
	Amount   *big.Int
	ChainID  uint64
	TxHash   string
}

func NewSandboxWallet(address string, chainID uint64) *SandboxWallet {
	return &SandboxWallet{
		address:  address,
		active:   chainID,
		balances: make(map[string]*big.Int),
	}
}

// SetBalance funds contract on every chain that has no balance of its own.
func (w *SandboxWallet) SetBalance(contract string, amount *big.Int) {
	w.SetChainBalance(0, contract, amount)
}

func (w *SandboxWallet) SetChainBalance(chainID uint64, contract string, amount *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[balanceKey(chainID, contract)] = new(big.Int).Set(amount)
}

func balanceKey(chainID uint64, contract string) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(contract))
}

// lookup returns the balance slot for contract on chainID. Caller holds mu.
func (w *SandboxWallet) lookup(chainID uint64, contract string) (string, *big.Int) {
	key := balanceKey(chainID, contract)
	if bal, ok := w.balances[key]; ok {
		return key, bal
	}
	key = balanceKey(0, contract)
	return key, w.balances[key]
}

// SetSwitchLag makes a requested switch visible only after n ActiveChain reads.
func (w *SandboxWallet) SetSwitchLag(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lag = n
}

// SetStuck makes switches silently never apply.
func (w *SandboxWallet) SetStuck(stuck bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stuck = stuck
}

func (w *SandboxWallet) FailTransfers(errs ...error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = append(w.failures, errs...)
}

func (w *SandboxWallet) Transfers() []SandboxTransfer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]SandboxTransfer(nil), w.transfers...)
}

func (w *SandboxWallet) Address() string { return w.address }

func (w *SandboxWallet) ActiveChain(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != 0 {
		if w.lag > 0 {
			w.lag--
		} else {
			w.active, w.pending = w.pending, 0
		}
	}
	return w.active, nil
}

func (w *SandboxWallet) SwitchChain(ctx context.Context, chainID uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stuck {
		w.pending = chainID
	}
	return nil
}

func (w *SandboxWallet) TransferToken(ctx context.Context, contract, to string, amount *big.Int, chainID uint64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active != chainID {
		return "", fmt.Errorf("wallet is on chain %d, transfer requires %d", w.active, chainID)
	}
	if len(w.failures) > 0 {
		err := w.failures[0]
		w.failures = w.failures[1:]
		if err != nil {
			return "", err
		}
	}
	key, bal := w.lookup(chainID, contract)
	if bal == nil || bal.Cmp(amount) < 0 {
		return "", fmt.Errorf("transfer amount exceeds balance")
	}
	w.balances[key] = new(big.Int).Sub(bal, amount)

	w.nonce++
	hash := fakeHash(fmt.Sprintf("%s|%s|%s|%s|%d|%d", w.address, contract, to, amount, chainID, w.nonce))
	w.transfers = append(w.transfers, SandboxTransfer{
		Contract: contract, To: to, Amount: new(big.Int).Set(amount), ChainID: chainID, TxHash: hash,
	})
	return hash, nil
}

func (w *SandboxWallet) Balance(_ context.Context, chainID uint64, _, contract string) (*big.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, bal := w.lookup(chainID, contract)
	if bal == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(bal), nil
}

func (w *SandboxWallet) Ping(context.Context) error { return nil }

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
