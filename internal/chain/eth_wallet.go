package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// EthWallet signs ERC-20 transfers with a local key against one RPC endpoint
// per configured chain. SwitchChain selects the endpoint; ActiveChain asks the
// node, so a misconfigured RPC shows up as a chain mismatch.
type EthWallet struct {
	mu      sync.RWMutex
	clients map[uint64]*ethclient.Client
	active  uint64

	key     *ecdsa.PrivateKey
	address common.Address
	abi     abi.ABI
	logger  *zap.Logger
}

type EthWalletConfig struct {
	PrivateKeyHex string
	RPCs          map[uint64]string
	DefaultChain  uint64
}

func NewEthWallet(ctx context.Context, cfg EthWalletConfig, logger *zap.Logger) (*EthWallet, error) {
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting transfers")
	}
	if len(cfg.RPCs) == 0 {
		return nil, fmt.Errorf("at least one rpc url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	clients := make(map[uint64]*ethclient.Client, len(cfg.RPCs))
	for id, url := range cfg.RPCs {
		cli, err := ethclient.DialContext(ctx, url)
		if err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("dial rpc for chain %d: %w", id, err)
		}
		clients[id] = cli
	}

	active := cfg.DefaultChain
	if _, ok := clients[active]; !ok {
		for id := range clients {
			active = id
			break
		}
	}

	w := &EthWallet{
		clients: clients,
		active:  active,
		key:     pk,
		address: crypto.PubkeyToAddress(pk.PublicKey),
		abi:     parsedABI,
		logger:  logger.Named("wallet"),
	}
	w.logger.Info("wallet initialized",
		zap.String("address", w.address.Hex()),
		zap.Uint64("active_chain", active),
		zap.Int("chains", len(clients)))
	return w, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (w *EthWallet) Address() string { return w.address.Hex() }

func (w *EthWallet) client() (*ethclient.Client, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cli, ok := w.clients[w.active]
	if !ok {
		return nil, fmt.Errorf("rpc client not configured")
	}
	return cli, nil
}

func (w *EthWallet) clientFor(chainID uint64) (*ethclient.Client, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cli, ok := w.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %d not configured", chainID)
	}
	return cli, nil
}

func (w *EthWallet) ActiveChain(ctx context.Context) (uint64, error) {
	cli, err := w.client()
	if err != nil {
		return 0, err
	}
	id, err := cli.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch chain id: %w", err)
	}
	return id.Uint64(), nil
}

func (w *EthWallet) SwitchChain(_ context.Context, chainID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.clients[chainID]; !ok {
		return fmt.Errorf("chain %d not configured", chainID)
	}
	w.active = chainID
	return nil
}

func (w *EthWallet) TransferToken(ctx context.Context, contract, to string, amount *big.Int, chainID uint64) (string, error) {
	cli, err := w.client()
	if err != nil {
		return "", err
	}
	nodeChain, err := cli.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch chain id: %w", err)
	}
	if nodeChain.Uint64() != chainID {
		return "", fmt.Errorf("wallet is on chain %d, transfer requires %d", nodeChain.Uint64(), chainID)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(w.key, nodeChain)
	if err != nil {
		return "", fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx

	bound := bind.NewBoundContract(common.HexToAddress(contract), w.abi, cli, cli, cli)
	tx, err := bound.Transact(opts, "transfer", common.HexToAddress(to), amount)
	if err != nil {
		return "", fmt.Errorf("transfer tx: %w", err)
	}
	w.logger.Info("transfer broadcast",
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.Uint64("chain_id", chainID),
		zap.String("to", to))
	return tx.Hash().Hex(), nil
}

// Balance reads balanceOf with a raw call against the token's own chain.
func (w *EthWallet) Balance(ctx context.Context, chainID uint64, address, contract string) (*big.Int, error) {
	cli, err := w.clientFor(chainID)
	if err != nil {
		return nil, err
	}
	token := common.HexToAddress(contract)
	data, err := w.abi.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := cli.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("invalid balance response length: %d", len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

func (w *EthWallet) Ping(ctx context.Context) error {
	cli, err := w.client()
	if err != nil {
		return err
	}
	_, err = cli.BlockNumber(ctx)
	return err
}

func (w *EthWallet) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.clients {
		c.Close()
	}
}
