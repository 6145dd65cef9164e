// Package testutil provides signed-order fixtures and an in-memory
// ledger for tests across the swap packages.
package testutil

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// Q96 is 2^96.
var Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

// Price returns num/den encoded as a Q96 rate.
func Price(num, den int64) *big.Int {
	p := new(big.Int).Mul(Q96, big.NewInt(num))
	return p.Div(p, big.NewInt(den))
}

var (
	TokenA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	TokenB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	// Exchange is the spender address allowances are checked against.
	Exchange = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

// Trader is a keyed account able to sign orders.
type Trader struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// NewTrader generates a fresh key.
func NewTrader(t testing.TB) *Trader {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &Trader{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}
}

// OrderParams describes an unsigned order; zero fields get defaults.
type OrderParams struct {
	ID              uint64
	TokenIn         common.Address
	TokenOut        common.Address
	Min, Max        int64
	Price           *big.Int
	SlippageBps     uint32
	Nonce           int64
	ExpirationBlock uint64
}

// Order builds and signs an order for the trader.
func (tr *Trader) Order(t testing.TB, s OrderParams) *model.Order {
	t.Helper()
	if s.TokenIn == (common.Address{}) {
		s.TokenIn, s.TokenOut = TokenA, TokenB
	}
	if s.Max == 0 {
		s.Max = 100
	}
	if s.Price == nil {
		s.Price = new(big.Int).Set(Q96)
	}
	if s.ExpirationBlock == 0 {
		s.ExpirationBlock = 1_000_000
	}
	o := &model.Order{
		ID:              s.ID,
		User:            tr.Address,
		TokenIn:         s.TokenIn,
		TokenOut:        s.TokenOut,
		MinAmountIn:     big.NewInt(s.Min),
		MaxAmountIn:     big.NewInt(s.Max),
		PriceX96:        s.Price,
		MaxSlippageBps:  s.SlippageBps,
		Nonce:           big.NewInt(s.Nonce),
		ExpirationBlock: s.ExpirationBlock,
	}
	tr.Sign(t, o)
	return o
}

// SignCancel returns the trader's hex signature over o's cancel digest.
func (tr *Trader) SignCancel(t testing.TB, o *model.Order) string {
	t.Helper()
	sig, err := crypto.Sign(o.CancelDigest(), tr.Key)
	require.NoError(t, err)
	sig[64] += 27
	return hexutil.Encode(sig)
}

// Sign overwrites the order's signature.
func (tr *Trader) Sign(t testing.TB, o *model.Order) {
	t.Helper()
	sig, err := crypto.Sign(o.SigningDigest(), tr.Key)
	require.NoError(t, err)
	sig[64] += 27
	o.Signature = sig
}

type balanceKey struct {
	token, owner common.Address
}

// Ledger is an in-memory chain client. Unset balances and allowances
// default to Plenty so tests only configure what they exercise.
type Ledger struct {
	mu         sync.Mutex
	Block      uint64
	nonces     map[common.Address]*big.Int
	balances   map[balanceKey]*big.Int
	allowances map[balanceKey]*big.Int
	ReadErr    error

	SubmitFunc func(ctx context.Context, c *model.MatchCandidate) (*model.Receipt, error)
	submitted  []*model.MatchCandidate
}

// Plenty is the default balance and allowance.
var Plenty = new(big.Int).Lsh(big.NewInt(1), 128)

// NewLedger returns a ledger at block 1.
func NewLedger() *Ledger {
	return &Ledger{
		Block:      1,
		nonces:     make(map[common.Address]*big.Int),
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[balanceKey]*big.Int),
	}
}

func (l *Ledger) SetNonce(user common.Address, n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nonces[user] = big.NewInt(n)
}

func (l *Ledger) SetBalance(token, user common.Address, v int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[balanceKey{token, user}] = big.NewInt(v)
}

func (l *Ledger) SetAllowance(token, owner common.Address, v int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[balanceKey{token, owner}] = big.NewInt(v)
}

func (l *Ledger) SetBlock(b uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Block = b
}

func (l *Ledger) SetReadErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ReadErr = err
}

func (l *Ledger) RecoverSigner(digest []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.New("bad signature length")
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func (l *Ledger) GetNonce(_ context.Context, user common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	if n, ok := l.nonces[user]; ok {
		return new(big.Int).Set(n), nil
	}
	return new(big.Int), nil
}

func (l *Ledger) GetBalance(_ context.Context, token, user common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	if v, ok := l.balances[balanceKey{token, user}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int).Set(Plenty), nil
}

func (l *Ledger) GetAllowance(_ context.Context, token, owner, _ common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	if v, ok := l.allowances[balanceKey{token, owner}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int).Set(Plenty), nil
}

func (l *Ledger) GetCurrentBlock(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return 0, l.ReadErr
	}
	return l.Block, nil
}

func (l *Ledger) SubmitTrade(ctx context.Context, c *model.MatchCandidate) (*model.Receipt, error) {
	l.mu.Lock()
	l.submitted = append(l.submitted, c)
	fn := l.SubmitFunc
	block := l.Block
	l.mu.Unlock()
	if fn != nil {
		return fn(ctx, c)
	}
	return &model.Receipt{TxHash: common.BytesToHash(c.OrderA.Hash().Bytes()), BlockNumber: block}, nil
}

// Submitted returns the candidates passed to SubmitTrade so far.
func (l *Ledger) Submitted() []*model.MatchCandidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*model.MatchCandidate, len(l.submitted))
	copy(out, l.submitted)
	return out
}
