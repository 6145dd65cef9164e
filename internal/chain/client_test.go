package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Aidin1998/sigswap/internal/swap/matching"
	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/Aidin1998/sigswap/testutil"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBackend answers contract calls from maps and mines every sent
// transaction after receiptDelay lookups.
type fakeBackend struct {
	mu sync.Mutex

	block       uint64
	nonces      map[common.Address]*big.Int
	balances    map[common.Address]*big.Int
	allowances  map[[2]common.Address]*big.Int
	callErr     error
	logs        []types.Log
	filterCalls []ethereum.FilterQuery

	sent         []*types.Transaction
	receiptDelay int
	lookups      int
	status       uint64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		block:      10,
		nonces:     make(map[common.Address]*big.Int),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[[2]common.Address]*big.Int),
		status:     types.ReceiptStatusSuccessful,
	}
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	sel, args := call.Data[:4], call.Data[4:]
	var (
		m   = erc20ABI.Methods["balanceOf"]
		get func(in []any) *big.Int
	)
	switch {
	case bytes.Equal(sel, exchangeABI.Methods["nonces"].ID):
		m = exchangeABI.Methods["nonces"]
		get = func(in []any) *big.Int { return f.nonces[in[0].(common.Address)] }
	case bytes.Equal(sel, erc20ABI.Methods["balanceOf"].ID):
		get = func(in []any) *big.Int { return f.balances[in[0].(common.Address)] }
	case bytes.Equal(sel, erc20ABI.Methods["allowance"].ID):
		m = erc20ABI.Methods["allowance"]
		get = func(in []any) *big.Int {
			return f.allowances[[2]common.Address{in[0].(common.Address), in[1].(common.Address)}]
		}
	default:
		return nil, errors.New("unknown selector")
	}
	in, err := m.Inputs.Unpack(args)
	if err != nil {
		return nil, err
	}
	v := get(in)
	if v == nil {
		v = new(big.Int)
	}
	return m.Outputs.Pack(v)
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return 0, f.callErr
	}
	return f.block, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 250_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookups <= f.receiptDelay {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: hash, Status: f.status, BlockNumber: new(big.Int).SetUint64(f.block), GasUsed: 180_000}, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterCalls = append(f.filterCalls, q)
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func newTestClient(t *testing.T, b Backend) *Client {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewClient(b, Config{
		Exchange:            testutil.Exchange,
		ChainID:             big.NewInt(31337),
		SettlerKey:          key,
		ReceiptPollInterval: time.Millisecond,
	}, zap.NewNop())
}

func TestClient_LedgerReads(t *testing.T) {
	fb := newFakeBackend()
	user := common.HexToAddress("0x1111111111111111111111111111111111111111")
	fb.nonces[user] = big.NewInt(7)
	fb.balances[user] = big.NewInt(1234)
	fb.allowances[[2]common.Address{user, testutil.Exchange}] = big.NewInt(99)
	c := newTestClient(t, fb)
	ctx := context.Background()

	n, err := c.GetNonce(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n.Int64())

	bal, err := c.GetBalance(ctx, testutil.TokenA, user)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), bal.Int64())

	allowance, err := c.GetAllowance(ctx, testutil.TokenA, user, testutil.Exchange)
	require.NoError(t, err)
	assert.Equal(t, int64(99), allowance.Int64())

	block, err := c.GetCurrentBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), block)
}

func TestClient_ReadErrorIsWrapped(t *testing.T) {
	fb := newFakeBackend()
	fb.callErr = errors.New("503 service unavailable")
	c := newTestClient(t, fb)

	_, err := c.GetBalance(context.Background(), testutil.TokenA, testutil.TokenB)
	assert.ErrorIs(t, err, fb.callErr)
	assert.ErrorContains(t, err, "balanceOf")
}

func TestClient_RecoverSigner(t *testing.T) {
	tr := testutil.NewTrader(t)
	o := tr.Order(t, testutil.OrderParams{})
	c := newTestClient(t, newFakeBackend())

	got, err := c.RecoverSigner(o.SigningDigest(), o.Signature)
	require.NoError(t, err)
	assert.Equal(t, tr.Address, got)

	// 0/1 recovery ids are accepted as well as 27/28
	raw := append([]byte(nil), o.Signature...)
	raw[64] -= 27
	got, err = c.RecoverSigner(o.SigningDigest(), raw)
	require.NoError(t, err)
	assert.Equal(t, tr.Address, got)
	assert.Equal(t, o.Signature[64]-27, raw[64], "input must not be modified")

	_, err = c.RecoverSigner(o.SigningDigest(), o.Signature[:64])
	assert.Error(t, err)
}

func candidate(t *testing.T) *model.MatchCandidate {
	t.Helper()
	alice := testutil.NewTrader(t)
	bob := testutil.NewTrader(t)
	a := alice.Order(t, testutil.OrderParams{ID: 1, Min: 1, Max: 100, Price: testutil.Price(2, 1), SlippageBps: 100})
	b := bob.Order(t, testutil.OrderParams{ID: 2, TokenIn: testutil.TokenB, TokenOut: testutil.TokenA, Min: 1, Max: 200, Price: testutil.Price(1, 2), SlippageBps: 100})
	c, ok := matching.Match(a, b)
	require.True(t, ok)
	return c
}

func TestClient_SubmitTrade(t *testing.T) {
	fb := newFakeBackend()
	fb.receiptDelay = 2
	c := newTestClient(t, fb)
	m := candidate(t)

	receipt, err := c.SubmitTrade(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, fb.sent, 1)
	tx := fb.sent[0]
	assert.Equal(t, tx.Hash(), receipt.TxHash)
	assert.Equal(t, uint64(180_000), receipt.GasUsed)
	assert.Equal(t, uint64(10), receipt.BlockNumber)

	want, err := exchangeABI.Pack("executeTrade",
		toTuple(m.OrderA), m.OrderA.Signature, toTuple(m.OrderB), m.OrderB.Signature, m.AmountInA, m.AmountInB)
	require.NoError(t, err)
	assert.Equal(t, want, tx.Data())
	assert.Equal(t, testutil.Exchange, *tx.To())
	assert.Equal(t, uint64(250_000), tx.Gas())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(c.cfg.SettlerKey.PublicKey), sender)
}

func TestClient_SubmitTradeReverted(t *testing.T) {
	fb := newFakeBackend()
	fb.status = types.ReceiptStatusFailed
	c := newTestClient(t, fb)

	receipt, err := c.SubmitTrade(context.Background(), candidate(t))
	assert.ErrorIs(t, err, ErrReverted)
	require.NotNil(t, receipt)
}

func TestClient_SubmitTradeTimesOut(t *testing.T) {
	fb := newFakeBackend()
	fb.receiptDelay = 1 << 30
	c := newTestClient(t, fb)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.SubmitTrade(ctx, candidate(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_SubmitTradeWithoutKey(t *testing.T) {
	c := NewClient(newFakeBackend(), Config{Exchange: testutil.Exchange, ChainID: big.NewInt(1)}, zap.NewNop())
	_, err := c.SubmitTrade(context.Background(), candidate(t))
	assert.Error(t, err)
}
