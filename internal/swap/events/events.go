// Package events carries notifications from the matching core to the
// intake boundary: accepted and cancelled orders, rejections and settled
// matches.
package events

import (
	"sync"
	"time"

	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/Aidin1998/sigswap/pkg/metrics"
	"go.uber.org/zap"
)

// Kind is the type of an event.
type Kind string

const (
	OrderAccepted  Kind = "order.accepted"
	OrderCancelled Kind = "order.cancelled"
	OrderRejected  Kind = "order.rejected"
	MatchSettled   Kind = "match.settled"

	// OrderDeferred reports a resting order whose settlement is on hold
	// because the ledger could not be read. The order stays in the book.
	OrderDeferred Kind = "order.deferred"
)

// Event is one notification. Order is set for order events; Match and
// Receipt for settled matches; Rejection for rejections and deferrals.
type Event struct {
	Kind      Kind
	Time      time.Time
	Order     *model.Order
	Rejection *model.Rejection
	Match     *model.MatchCandidate
	Receipt   *model.Receipt
}

// OrderIDs returns the ids of the orders the event concerns.
func (e Event) OrderIDs() []uint64 {
	if e.Match != nil {
		return e.Match.IDs()
	}
	if e.Order != nil {
		return []uint64{e.Order.ID}
	}
	return nil
}

// Sink receives events. Implementations must be safe for concurrent use
// and must not block for long; the engine loop publishes synchronously.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// LogSink writes events to a zap logger.
type LogSink struct {
	Logger *zap.Logger
}

func (l LogSink) Publish(e Event) {
	fields := []zap.Field{zap.String("event", string(e.Kind)), zap.Uint64s("order_ids", e.OrderIDs())}
	switch e.Kind {
	case OrderRejected:
		fields = append(fields,
			zap.Stringer("reason", e.Rejection.Reason),
			zap.Stringer("class", e.Rejection.Class),
			zap.String("detail", e.Rejection.Detail))
		l.Logger.Warn("order rejected", fields...)
	case OrderDeferred:
		fields = append(fields, zap.String("detail", e.Rejection.Detail))
		l.Logger.Warn("order settlement deferred", fields...)
	case MatchSettled:
		fields = append(fields,
			zap.String("amount_in_a", e.Match.AmountInA.String()),
			zap.String("amount_in_b", e.Match.AmountInB.String()))
		if e.Receipt != nil {
			fields = append(fields, zap.Stringer("tx", e.Receipt.TxHash))
		}
		l.Logger.Info("match settled", fields...)
	default:
		l.Logger.Info("order event", fields...)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns the recorded events of the given kind.
func (r *Recorder) Filter(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// MetricsSink counts order events in Prometheus.
type MetricsSink struct{}

func (MetricsSink) Publish(e Event) {
	switch e.Kind {
	case OrderAccepted:
		metrics.OrdersAccepted.Inc()
	case OrderCancelled:
		metrics.OrdersCancelled.Inc()
	case OrderRejected:
		metrics.OrdersRejected.WithLabelValues(e.Rejection.Reason.String()).Inc()
	case OrderDeferred:
		metrics.OrdersDeferred.Inc()
	}
}

// AsyncSink hands events to a wrapped sink on its own goroutine so slow
// network sinks do not hold up the engine loop. Events are dropped when
// the buffer is full.
type AsyncSink struct {
	sink   Sink
	name   string
	ch     chan Event
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewAsync starts forwarding to sink through a buffer of size events.
func NewAsync(sink Sink, name string, size int, logger *zap.Logger) *AsyncSink {
	a := &AsyncSink{
		sink:   sink,
		name:   name,
		ch:     make(chan Event, size),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go a.run()
	return a
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for {
		select {
		case e := <-a.ch:
			a.sink.Publish(e)
		case <-a.quit:
			for {
				select {
				case e := <-a.ch:
					a.sink.Publish(e)
				default:
					return
				}
			}
		}
	}
}

func (a *AsyncSink) Publish(e Event) {
	select {
	case a.ch <- e:
	default:
		metrics.EventPublishErrors.WithLabelValues(a.name).Inc()
		a.logger.Warn("event buffer full, dropping event",
			zap.String("sink", a.name),
			zap.String("event", string(e.Kind)),
			zap.Uint64s("order_ids", e.OrderIDs()))
	}
}

// Close delivers the buffered events and stops the goroutine. Events
// published after Close are not delivered.
func (a *AsyncSink) Close() {
	a.once.Do(func() { close(a.quit) })
	<-a.done
}
