// Package chain talks to the exchange contract and the ERC-20 tokens it
// settles over JSON-RPC.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// ErrReverted is returned by SubmitTrade when the transaction was mined
// with a failed status.
var ErrReverted = errors.New("transaction reverted")

// Backend is the subset of ethclient.Client the client and watcher use.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config holds what the client needs beyond the RPC connection.
type Config struct {
	Exchange common.Address
	ChainID  *big.Int
	// SettlerKey signs executeTrade transactions. Without it the client
	// is read-only and SubmitTrade fails.
	SettlerKey *ecdsa.PrivateKey
	// GasLimit of zero means estimate per transaction.
	GasLimit            uint64
	ReceiptPollInterval time.Duration
}

// Client implements the ledger reads and trade submission.
type Client struct {
	backend Backend
	cfg     Config
	from    common.Address
	logger  *zap.Logger
	closer  func()
}

// Dial connects to rpcURL. A nil cfg.ChainID is read from the node.
func Dial(ctx context.Context, rpcURL string, cfg Config, logger *zap.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	if cfg.ChainID == nil {
		id, err := ec.ChainID(ctx)
		if err != nil {
			ec.Close()
			return nil, fmt.Errorf("read chain id: %w", err)
		}
		cfg.ChainID = id
	}
	c := NewClient(ec, cfg, logger)
	c.closer = ec.Close
	return c, nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, cfg Config, logger *zap.Logger) *Client {
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = time.Second
	}
	c := &Client{backend: backend, cfg: cfg, logger: logger}
	if cfg.SettlerKey != nil {
		c.from = crypto.PubkeyToAddress(cfg.SettlerKey.PublicKey)
	}
	return c
}

// Backend returns the underlying RPC backend.
func (c *Client) Backend() Backend {
	return c.backend
}

// Close releases the RPC connection opened by Dial.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Exchange returns the contract address, which is also the spender whose
// allowance is checked.
func (c *Client) Exchange() common.Address {
	return c.cfg.Exchange
}

// RecoverSigner recovers the signer of a 32-byte digest. The recovery id
// may be 0/1 or 27/28.
func (c *Client) RecoverSigner(digest []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature is %d bytes, want %d", len(sig), crypto.SignatureLength)
	}
	s := make([]byte, crypto.SignatureLength)
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// GetNonce reads the exchange's nonces(user).
func (c *Client) GetNonce(ctx context.Context, user common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.cfg.Exchange, exchangeABI, "nonces", user)
}

// GetBalance reads token.balanceOf(user).
func (c *Client) GetBalance(ctx context.Context, token, user common.Address) (*big.Int, error) {
	return c.callUint(ctx, token, erc20ABI, "balanceOf", user)
}

// GetAllowance reads token.allowance(owner, spender).
func (c *Client) GetAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.callUint(ctx, token, erc20ABI, "allowance", owner, spender)
}

// GetCurrentBlock returns the latest block number.
func (c *Client) GetCurrentBlock(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

func (c *Client) callUint(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...any) (*big.Int, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	vals, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, vals[0])
	}
	return v, nil
}

// SubmitTrade sends executeTrade for the candidate and waits until the
// transaction is mined or ctx is done.
func (c *Client) SubmitTrade(ctx context.Context, m *model.MatchCandidate) (*model.Receipt, error) {
	if c.cfg.SettlerKey == nil {
		return nil, errors.New("no settler key configured")
	}
	data, err := exchangeABI.Pack("executeTrade",
		toTuple(m.OrderA), m.OrderA.Signature,
		toTuple(m.OrderB), m.OrderB.Signature,
		m.AmountInA, m.AmountInB)
	if err != nil {
		return nil, fmt.Errorf("pack executeTrade: %w", err)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gas := c.cfg.GasLimit
	if gas == 0 {
		gas, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &c.cfg.Exchange, Data: data})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.cfg.Exchange,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.cfg.ChainID), c.cfg.SettlerKey)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	c.logger.Info("executeTrade sent",
		zap.Stringer("tx", signed.Hash()),
		zap.Uint64s("order_ids", m.IDs()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas))

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	out := &model.Receipt{TxHash: signed.Hash(), GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return out, fmt.Errorf("tx %s: %w", out.TxHash.Hex(), ErrReverted)
	}
	return out, nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.cfg.ReceiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Warn("receipt lookup failed", zap.Stringer("tx", hash), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
