package orderqueue_test

import (
	"testing"

	"github.com/Aidin1998/sigswap/internal/orderqueue"
	"github.com/Aidin1998/sigswap/internal/swap/events"
	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/Aidin1998/sigswap/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openJournal(t *testing.T) *orderqueue.Journal {
	t.Helper()
	j, err := orderqueue.OpenInMemory(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func replayIDs(t *testing.T, j *orderqueue.Journal) []uint64 {
	t.Helper()
	var ids []uint64
	require.NoError(t, j.Replay(func(o *model.Order) error {
		ids = append(ids, o.ID)
		return nil
	}))
	return ids
}

func TestJournal_NextIDIsMonotonic(t *testing.T) {
	j := openJournal(t)
	prev := uint64(0)
	for i := 0; i < 300; i++ {
		id, err := j.NextID()
		require.NoError(t, err)
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestJournal_AppendGetDelete(t *testing.T) {
	j := openJournal(t)
	tr := testutil.NewTrader(t)
	o := tr.Order(t, testutil.OrderParams{ID: 7, Min: 3, Max: 30, Nonce: 2, SlippageBps: 50})

	require.NoError(t, j.Append(o))
	got, err := j.Get(7)
	require.NoError(t, err)
	assert.Equal(t, o.Hash(), got.Hash())
	assert.Equal(t, o.Signature, got.Signature)
	assert.Equal(t, uint64(7), got.ID)

	require.NoError(t, j.Delete(7))
	assert.ErrorIs(t, j.Delete(7), orderqueue.ErrNotFound)
	_, err = j.Get(7)
	assert.ErrorIs(t, err, orderqueue.ErrNotFound)

	assert.Error(t, j.Append(o.WithID(0)))
}

func TestJournal_ReplayInIDOrder(t *testing.T) {
	j := openJournal(t)
	tr := testutil.NewTrader(t)
	for _, id := range []uint64{12, 3, 100, 9} {
		require.NoError(t, j.Append(tr.Order(t, testutil.OrderParams{ID: id})))
	}
	assert.Equal(t, []uint64{3, 9, 12, 100}, replayIDs(t, j))
}

func TestJournal_FollowsEvents(t *testing.T) {
	j := openJournal(t)
	tr := testutil.NewTrader(t)
	o1 := tr.Order(t, testutil.OrderParams{ID: 1})
	o2 := tr.Order(t, testutil.OrderParams{ID: 2})
	o3 := tr.Order(t, testutil.OrderParams{ID: 3})
	o4 := tr.Order(t, testutil.OrderParams{ID: 4})

	for _, o := range []*model.Order{o1, o2, o3, o4} {
		j.Publish(events.Event{Kind: events.OrderAccepted, Order: o})
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, replayIDs(t, j))

	j.Publish(events.Event{Kind: events.OrderCancelled, Order: o1})
	j.Publish(events.Event{Kind: events.OrderRejected, Order: o2, Rejection: model.Reject(model.ReasonLedgerUnavailable, "rpc down")})
	assert.Equal(t, []uint64{2, 3, 4}, replayIDs(t, j), "transient rejections keep the order")

	j.Publish(events.Event{Kind: events.OrderRejected, Order: o2, Rejection: model.Reject(model.ReasonExpired, "expired")})
	j.Publish(events.Event{Kind: events.MatchSettled, Match: &model.MatchCandidate{OrderA: o3, OrderB: o4}})
	assert.Empty(t, replayIDs(t, j))
}
