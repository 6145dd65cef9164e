package messaging_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Aidin1998/sigswap/internal/messaging"
	"github.com/Aidin1998/sigswap/internal/swap/events"
	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/Aidin1998/sigswap/testutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memWriter struct {
	mu     sync.Mutex
	topic  messaging.Topic
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type memWriters struct {
	mu sync.Mutex
	by map[messaging.Topic]*memWriter
}

func (m *memWriters) new(topic messaging.Topic) messaging.Writer {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &memWriter{topic: topic}
	m.by[topic] = w
	return w
}

func newProducer() (*messaging.KafkaProducer, *memWriters) {
	ws := &memWriters{by: make(map[messaging.Topic]*memWriter)}
	return messaging.NewProducerWithWriters(messaging.DefaultKafkaConfig(), ws.new, zap.NewNop()), ws
}

func TestFromEvent_Order(t *testing.T) {
	tr := testutil.NewTrader(t)
	o := tr.Order(t, testutil.OrderParams{ID: 42, Min: 5, Max: 50, Price: testutil.Price(3, 2), SlippageBps: 25, Nonce: 9})
	rej := model.Reject(model.ReasonStaleNonce, "nonce moved")

	msg, topic, key, ok := messaging.FromEvent(events.Event{Kind: events.OrderRejected, Order: o, Rejection: rej}, "test")
	require.True(t, ok)
	assert.Equal(t, messaging.TopicOrderEvents, topic)
	assert.Equal(t, tr.Address.Hex(), key)

	m := msg.(*messaging.OrderEventMessage)
	assert.Equal(t, messaging.MsgOrderRejected, m.Type)
	assert.Equal(t, "42", m.OrderID)
	assert.Equal(t, "1.5", m.Price.String())
	assert.Equal(t, "stale_nonce", m.Reason)
	assert.Equal(t, "stale", m.Class)
	assert.Equal(t, "nonce moved", m.Detail)
	assert.Equal(t, "9", m.Nonce)
	_, err := uuid.Parse(m.MessageID)
	assert.NoError(t, err)
	assert.Equal(t, "test", m.Source)
}

func TestFromEvent_Deferred(t *testing.T) {
	o := testutil.NewTrader(t).Order(t, testutil.OrderParams{ID: 7})
	rej := model.Reject(model.ReasonLedgerUnavailable, "rpc down")

	msg, topic, _, ok := messaging.FromEvent(events.Event{Kind: events.OrderDeferred, Order: o, Rejection: rej}, "test")
	require.True(t, ok)
	assert.Equal(t, messaging.TopicOrderEvents, topic)
	m := msg.(*messaging.OrderEventMessage)
	assert.Equal(t, messaging.MsgOrderDeferred, m.Type)
	assert.Equal(t, "transient", m.Class)
}

func TestFromEvent_Trade(t *testing.T) {
	alice := testutil.NewTrader(t)
	bob := testutil.NewTrader(t)
	c := &model.MatchCandidate{
		OrderA:    alice.Order(t, testutil.OrderParams{ID: 1}),
		OrderB:    bob.Order(t, testutil.OrderParams{ID: 2, TokenIn: testutil.TokenB, TokenOut: testutil.TokenA}),
		AmountInA: big.NewInt(99),
		AmountInB: big.NewInt(198),
	}
	tx := common.HexToHash("0xabc")
	msg, topic, key, ok := messaging.FromEvent(events.Event{
		Kind:    events.MatchSettled,
		Match:   c,
		Receipt: &model.Receipt{TxHash: tx, BlockNumber: 77, GasUsed: 21000},
	}, "test")
	require.True(t, ok)
	assert.Equal(t, messaging.TopicTradeEvents, topic)
	assert.Equal(t, tx.Hex(), key)

	m := msg.(*messaging.TradeEventMessage)
	assert.Equal(t, "1", m.OrderAID)
	assert.Equal(t, "2", m.OrderBID)
	assert.Equal(t, "2", m.Price.String())
	assert.Equal(t, uint64(77), m.BlockNumber)
	assert.Equal(t, testutil.TokenA.Hex(), m.TokenA)
}

func TestFromEvent_SkipsEmpty(t *testing.T) {
	_, _, _, ok := messaging.FromEvent(events.Event{Kind: events.OrderAccepted}, "test")
	assert.False(t, ok)
	_, _, _, ok = messaging.FromEvent(events.Event{Kind: events.MatchSettled}, "test")
	assert.False(t, ok)
}

func TestEventPublisher_WritesPerTopic(t *testing.T) {
	p, ws := newProducer()
	pub := messaging.NewEventPublisher(p, "test", time.Second, zap.NewNop())
	tr := testutil.NewTrader(t)
	o := tr.Order(t, testutil.OrderParams{ID: 5})

	pub.Publish(events.Event{Kind: events.OrderAccepted, Order: o})
	pub.Publish(events.Event{Kind: events.OrderCancelled, Order: o})

	w := ws.by[messaging.TopicOrderEvents]
	require.NotNil(t, w)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, []byte(tr.Address.Hex()), w.msgs[0].Key)

	var decoded messaging.OrderEventMessage
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &decoded))
	assert.Equal(t, messaging.MsgOrderCancelled, decoded.Type)
	assert.Equal(t, "5", decoded.OrderID)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestEventPublisher_SwallowsWriteErrors(t *testing.T) {
	p, ws := newProducer()
	pub := messaging.NewEventPublisher(p, "test", time.Second, zap.NewNop())
	tr := testutil.NewTrader(t)

	pub.Publish(events.Event{Kind: events.OrderAccepted, Order: tr.Order(t, testutil.OrderParams{ID: 1})})
	ws.by[messaging.TopicOrderEvents].err = errors.New("broker down")

	assert.NotPanics(t, func() {
		pub.Publish(events.Event{Kind: events.OrderAccepted, Order: tr.Order(t, testutil.OrderParams{ID: 2})})
	})
	assert.Len(t, ws.by[messaging.TopicOrderEvents].msgs, 1)
}
