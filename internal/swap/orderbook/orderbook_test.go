package orderbook_test

import (
	"math/big"
	"testing"

	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/Aidin1998/sigswap/internal/swap/orderbook"
	"github.com/Aidin1998/sigswap/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(orders []*model.Order) []uint64 {
	out := make([]uint64, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}

func TestOrderBook_AddRemove(t *testing.T) {
	tr := testutil.NewTrader(t)
	ob := orderbook.New()

	for _, id := range []uint64{3, 1, 2} {
		assert.True(t, ob.Add(tr.Order(t, testutil.OrderParams{ID: id})))
	}
	assert.Equal(t, 3, ob.Len())
	assert.Equal(t, []uint64{1, 2, 3}, ids(ob.Orders()))

	removed := ob.Remove(2)
	require.NotNil(t, removed)
	assert.Equal(t, uint64(2), removed.ID)
	_, ok := ob.Get(2)
	assert.False(t, ok)

	// removing an unknown id is a no-op
	assert.Nil(t, ob.Remove(2))
	assert.Nil(t, ob.Remove(99))
	assert.Equal(t, 2, ob.Len())
}

func TestOrderBook_ReplaceNotEdit(t *testing.T) {
	tr := testutil.NewTrader(t)
	ob := orderbook.New()

	first := tr.Order(t, testutil.OrderParams{ID: 1, Max: 10})
	second := tr.Order(t, testutil.OrderParams{ID: 1, Max: 20})
	assert.True(t, ob.Add(first))
	assert.False(t, ob.Add(second))

	got, ok := ob.Get(1)
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, int64(10), first.MaxAmountIn.Int64())
}

func TestOrderBook_Ascend(t *testing.T) {
	tr := testutil.NewTrader(t)
	ob := orderbook.New()
	for id := uint64(10); id > 0; id-- {
		ob.Add(tr.Order(t, testutil.OrderParams{ID: id}))
	}

	var seen []uint64
	ob.Ascend(func(o *model.Order) bool {
		seen = append(seen, o.ID)
		return len(seen) < 4
	})
	assert.Equal(t, []uint64{1, 2, 3, 4}, seen)
}

func TestOrderBook_RemoveUpToNonce(t *testing.T) {
	alice := testutil.NewTrader(t)
	bob := testutil.NewTrader(t)
	ob := orderbook.New()

	ob.Add(alice.Order(t, testutil.OrderParams{ID: 1, Nonce: 4}))
	ob.Add(alice.Order(t, testutil.OrderParams{ID: 2, Nonce: 5}))
	ob.Add(alice.Order(t, testutil.OrderParams{ID: 3, Nonce: 6}))
	ob.Add(bob.Order(t, testutil.OrderParams{ID: 4, Nonce: 5}))

	removed := ob.RemoveUpToNonce(alice.Address, big.NewInt(5))
	assert.Equal(t, []uint64{1, 2}, ids(removed))
	assert.Equal(t, []uint64{3, 4}, ids(ob.Orders()))

	assert.Empty(t, ob.RemoveUpToNonce(alice.Address, big.NewInt(5)))
	assert.Empty(t, ob.RemoveUpToNonce(testutil.Exchange, big.NewInt(100)))
}

func TestOrderBook_RemoveExpired(t *testing.T) {
	tr := testutil.NewTrader(t)
	ob := orderbook.New()
	ob.Add(tr.Order(t, testutil.OrderParams{ID: 1, ExpirationBlock: 100}))
	ob.Add(tr.Order(t, testutil.OrderParams{ID: 2, ExpirationBlock: 200}))
	ob.Add(tr.Order(t, testutil.OrderParams{ID: 3, ExpirationBlock: 150}))

	assert.Empty(t, ob.RemoveExpired(99))
	assert.Equal(t, []uint64{1, 3}, ids(ob.RemoveExpired(150)))
	assert.Equal(t, []uint64{2}, ids(ob.Orders()))
}
