package events_test

import (
	"sync"
	"testing"

	"github.com/Aidin1998/sigswap/internal/swap/events"
	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/Aidin1998/sigswap/pkg/metrics"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func order(id uint64) *model.Order {
	return &model.Order{ID: id}
}

func TestMulti_SkipsNil(t *testing.T) {
	a, b := &events.Recorder{}, &events.Recorder{}
	m := events.Multi{a, nil, b}
	m.Publish(events.Event{Kind: events.OrderAccepted, Order: order(1)})
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestEvent_OrderIDs(t *testing.T) {
	match := &model.MatchCandidate{OrderA: order(3), OrderB: order(7)}
	assert.Equal(t, []uint64{3, 7}, events.Event{Kind: events.MatchSettled, Match: match}.OrderIDs())
	assert.Equal(t, []uint64{4}, events.Event{Kind: events.OrderCancelled, Order: order(4)}.OrderIDs())
	assert.Nil(t, events.Event{}.OrderIDs())
}

func TestMetricsSink_CountsRejectionsByReason(t *testing.T) {
	counter := metrics.OrdersRejected.WithLabelValues(model.ReasonStaleNonce.String())
	before := promtest.ToFloat64(counter)

	events.MetricsSink{}.Publish(events.Event{
		Kind:      events.OrderRejected,
		Order:     order(1),
		Rejection: model.Reject(model.ReasonStaleNonce, "nonce 1 below 2"),
	})
	assert.Equal(t, before+1, promtest.ToFloat64(counter))
}

func TestMetricsSink_DeferralIsNotARejection(t *testing.T) {
	rejected := metrics.OrdersRejected.WithLabelValues(model.ReasonLedgerUnavailable.String())
	rejectedBefore := promtest.ToFloat64(rejected)
	deferredBefore := promtest.ToFloat64(metrics.OrdersDeferred)

	events.MetricsSink{}.Publish(events.Event{
		Kind:      events.OrderDeferred,
		Order:     order(1),
		Rejection: model.Reject(model.ReasonLedgerUnavailable, "rpc down"),
	})
	assert.Equal(t, deferredBefore+1, promtest.ToFloat64(metrics.OrdersDeferred))
	assert.Equal(t, rejectedBefore, promtest.ToFloat64(rejected))
}

func TestAsyncSink_DeliversInOrder(t *testing.T) {
	rec := &events.Recorder{}
	a := events.NewAsync(rec, "test", 16, zap.NewNop())
	for id := uint64(1); id <= 5; id++ {
		a.Publish(events.Event{Kind: events.OrderAccepted, Order: order(id)})
	}
	a.Close()

	got := rec.Events()
	assert.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Order.ID)
	}
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	var release sync.WaitGroup
	release.Add(1)
	blocked := make(chan struct{})
	var once sync.Once
	rec := &events.Recorder{}
	slow := events.SinkFunc(func(e events.Event) {
		once.Do(func() { close(blocked) })
		release.Wait()
		rec.Publish(e)
	})

	a := events.NewAsync(slow, "slow", 1, zap.NewNop())
	a.Publish(events.Event{Kind: events.OrderAccepted, Order: order(1)})
	<-blocked
	a.Publish(events.Event{Kind: events.OrderAccepted, Order: order(2)})
	a.Publish(events.Event{Kind: events.OrderAccepted, Order: order(3)})
	release.Done()
	a.Close()

	assert.Len(t, rec.Events(), 2)
}
