// Package chain executes chain-aware stablecoin transfers to provider
// settlement vaults.
package chain

import (
	"context"
	"math/big"
)

// Wallet is the signing/RPC collaborator the executor drives.
type Wallet interface {
	Address() string
	ActiveChain(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, chainID uint64) error
	// TransferToken broadcasts an ERC-20 transfer and returns its hash without
	// waiting for inclusion.
	TransferToken(ctx context.Context, contract, to string, amount *big.Int, chainID uint64) (string, error)
	// Balance reads the token balance on chainID regardless of the active chain.
	Balance(ctx context.Context, chainID uint64, address, contract string) (*big.Int, error)
}

// HealthChecker is implemented by wallets backed by a remote node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
