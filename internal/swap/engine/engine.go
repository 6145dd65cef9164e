// Package engine runs the matching unit: one goroutine that owns the order
// book and applies every mutation from a FIFO command queue.
package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/Aidin1998/sigswap/internal/swap/events"
	"github.com/Aidin1998/sigswap/internal/swap/matching"
	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/Aidin1998/sigswap/internal/swap/orderbook"
	"github.com/Aidin1998/sigswap/internal/swap/settlement"
	"github.com/Aidin1998/sigswap/pkg/metrics"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ErrStopped is returned by every command once Run has returned.
var ErrStopped = errors.New("engine stopped")

// IntakeValidator runs the checks that need no ledger access.
type IntakeValidator interface {
	ValidateIntake(o *model.Order) *model.Rejection
}

// Settler settles one candidate. It is called outside the loop.
type Settler interface {
	Settle(ctx context.Context, c *model.MatchCandidate) settlement.Result
}

// Config tunes the loop.
type Config struct {
	QueueSize    int
	ScanInterval time.Duration
	ScanOnInsert bool
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{QueueSize: 1024, ScanInterval: time.Second, ScanOnInsert: true}
}

type command func()

// Engine is the single writer of the order book.
type Engine struct {
	cfg       Config
	validator IntakeValidator
	settler   Settler
	sink      events.Sink
	logger    *zap.Logger

	cmds chan command
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// owned by the loop goroutine
	book      *orderbook.OrderBook
	inflight  map[uint64]struct{}
	deferred  map[uint64]struct{}
	cancelled map[common.Address]*big.Int // highest applied cancellation nonce
	height    uint64
	settleCtx context.Context
}

// New creates an engine. Call Run to start it.
func New(cfg Config, v IntakeValidator, s Settler, sink events.Sink, logger *zap.Logger) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if sink == nil {
		sink = events.Discard
	}
	return &Engine{
		cfg:       cfg,
		validator: v,
		settler:   s,
		sink:      sink,
		logger:    logger,
		cmds:      make(chan command, cfg.QueueSize),
		done:      make(chan struct{}),
		book:      orderbook.New(),
		inflight:  make(map[uint64]struct{}),
		deferred:  make(map[uint64]struct{}),
		cancelled: make(map[common.Address]*big.Int),
	}
}

// Run processes commands until ctx is cancelled. In-flight settlements
// are cancelled with ctx and their outcome is dropped; orders they held
// stay in the journal and are replayed on the next start.
func (e *Engine) Run(ctx context.Context) error {
	e.settleCtx = ctx
	defer func() {
		e.once.Do(func() { close(e.done) })
		e.wg.Wait()
	}()

	var tick <-chan time.Time
	if e.cfg.ScanInterval > 0 {
		ticker := time.NewTicker(e.cfg.ScanInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	e.logger.Info("matching engine started",
		zap.Int("queue_size", e.cfg.QueueSize),
		zap.Duration("scan_interval", e.cfg.ScanInterval),
		zap.Bool("scan_on_insert", e.cfg.ScanOnInsert))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("matching engine stopping",
				zap.Int("resting_orders", e.book.Len()),
				zap.Int("inflight_orders", len(e.inflight)))
			return nil
		case cmd := <-e.cmds:
			metrics.QueueDepth.Set(float64(len(e.cmds)))
			cmd()
			metrics.BookSize.Set(float64(e.book.Len()))
		case <-tick:
			e.scan()
		}
	}
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// enqueue hands cmd to the loop without waiting for it to run.
func (e *Engine) enqueue(ctx context.Context, cmd command) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.cmds <- cmd:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the loop and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := e.enqueue(ctx, func() { fn(); close(finished) }); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddOrder validates o for intake and inserts it. A non-nil rejection
// means the order was refused and was reported as OrderRejected. o.ID must
// already be assigned.
func (e *Engine) AddOrder(ctx context.Context, o *model.Order) (*model.Rejection, error) {
	if rej := e.validator.ValidateIntake(o); rej != nil {
		e.sink.Publish(events.Event{Kind: events.OrderRejected, Time: time.Now(), Order: o, Rejection: rej})
		return rej, nil
	}
	var rej *model.Rejection
	err := e.do(ctx, func() { rej = e.insert(o) })
	return rej, err
}

// SubmitOrder is AddOrder without waiting for the loop; the outcome is
// only reported through events.
func (e *Engine) SubmitOrder(ctx context.Context, o *model.Order) error {
	if rej := e.validator.ValidateIntake(o); rej != nil {
		e.sink.Publish(events.Event{Kind: events.OrderRejected, Time: time.Now(), Order: o, Rejection: rej})
		return nil
	}
	return e.enqueue(ctx, func() { e.insert(o) })
}

// RemoveOrder drops an order by id. Removing an unknown id is a no-op
// and reports false.
func (e *Engine) RemoveOrder(ctx context.Context, id uint64) (bool, error) {
	var removed bool
	err := e.do(ctx, func() {
		o := e.book.Remove(id)
		if o == nil {
			return
		}
		delete(e.deferred, id)
		removed = true
		e.publish(events.Event{Kind: events.OrderCancelled, Order: o})
	})
	return removed, err
}

// ApplyCancellation removes every order of user with nonce ≤ nonce.
// Only the highest applied nonce per user is remembered: deliveries at
// or below it are ignored, and later orders at or below it are refused
// at insert. It returns the number of orders removed.
func (e *Engine) ApplyCancellation(ctx context.Context, user common.Address, nonce *big.Int) (int, error) {
	var n int
	err := e.do(ctx, func() {
		if mark, seen := e.cancelled[user]; seen && nonce.Cmp(mark) <= 0 {
			return
		}
		e.cancelled[user] = new(big.Int).Set(nonce)
		removed := e.book.RemoveUpToNonce(user, nonce)
		for _, o := range removed {
			delete(e.deferred, o.ID)
			e.publish(events.Event{Kind: events.OrderCancelled, Order: o})
		}
		n = len(removed)
		if n > 0 {
			e.logger.Info("cancellation applied",
				zap.String("user", user.Hex()),
				zap.String("nonce", nonce.String()),
				zap.Int("removed", n))
		}
	})
	return n, err
}

// UpdateBlock records the chain height and prunes orders that expired at
// or before it. Heights lower than the last seen one are ignored.
func (e *Engine) UpdateBlock(ctx context.Context, height uint64) error {
	return e.do(ctx, func() {
		if height <= e.height {
			return
		}
		e.height = height
		for _, o := range e.book.RemoveExpired(height) {
			delete(e.deferred, o.ID)
			e.publish(events.Event{
				Kind:      events.OrderRejected,
				Order:     o,
				Rejection: model.Reject(model.ReasonExpired, "expired at block %d, chain at %d", o.ExpirationBlock, height),
			})
		}
	})
}

// Orders returns the resting orders in ascending id.
func (e *Engine) Orders(ctx context.Context) ([]*model.Order, error) {
	var out []*model.Order
	err := e.do(ctx, func() { out = e.book.Orders() })
	return out, err
}

// Scan asks the loop for an immediate scan.
func (e *Engine) Scan(ctx context.Context) error {
	return e.do(ctx, e.scan)
}

func (e *Engine) insert(o *model.Order) *model.Rejection {
	if e.height > 0 && o.ExpirationBlock <= e.height {
		rej := model.Reject(model.ReasonExpired, "expired at block %d, chain at %d", o.ExpirationBlock, e.height)
		e.publish(events.Event{Kind: events.OrderRejected, Order: o, Rejection: rej})
		return rej
	}
	if mark, ok := e.cancelled[o.User]; ok && o.Nonce.Cmp(mark) <= 0 {
		rej := model.Reject(model.ReasonStaleNonce, "nonce %s was cancelled up to %s", o.Nonce, mark)
		e.publish(events.Event{Kind: events.OrderRejected, Order: o, Rejection: rej})
		return rej
	}
	e.book.Add(o)
	e.publish(events.Event{Kind: events.OrderAccepted, Order: o})
	e.logger.Debug("order accepted", zap.Uint64("order_id", o.ID), zap.String("user", o.User.Hex()))
	if e.cfg.ScanOnInsert {
		e.scan()
	}
	return nil
}

func (e *Engine) isInflight(id uint64) bool {
	_, ok := e.inflight[id]
	return ok
}

// scan hands every disjoint match it can find to settlement.
func (e *Engine) scan() {
	for {
		start := time.Now()
		c, ok := matching.Scan(e.book, e.isInflight)
		metrics.ScanLatency.Observe(time.Since(start).Seconds())
		if !ok {
			return
		}
		metrics.MatchesFound.Inc()
		for _, id := range c.IDs() {
			e.inflight[id] = struct{}{}
		}
		e.logger.Info("match found",
			zap.Uint64s("order_ids", c.IDs()),
			zap.String("amount_in_a", c.AmountInA.String()),
			zap.String("amount_in_b", c.AmountInB.String()))
		e.startSettlement(c)
	}
}

func (e *Engine) startSettlement(c *model.MatchCandidate) {
	ctx := e.settleCtx
	if ctx == nil {
		ctx = context.Background()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res := e.settler.Settle(ctx, c)
		select {
		case e.cmds <- func() { e.settlementDone(res) }:
		case <-e.done:
		}
	}()
}

func (e *Engine) settlementDone(res settlement.Result) {
	c := res.Candidate
	for _, id := range c.IDs() {
		delete(e.inflight, id)
		if res.State != settlement.StateReleased {
			delete(e.deferred, id)
		}
	}

	switch res.State {
	case settlement.StateSettled:
		e.book.Remove(c.OrderA.ID)
		e.book.Remove(c.OrderB.ID)
		e.publish(events.Event{Kind: events.MatchSettled, Match: c, Receipt: res.Receipt})
	case settlement.StateRejected, settlement.StateFailed:
		for _, id := range res.Removed() {
			// already gone if cancelled or expired while settling
			if o := e.book.Remove(id); o != nil {
				e.publish(events.Event{Kind: events.OrderRejected, Order: o, Rejection: res.Rejections[id]})
			}
		}
	case settlement.StateReleased:
		detail := "ledger unavailable"
		if res.Err != nil {
			detail = res.Err.Error()
		}
		for _, id := range c.IDs() {
			o, ok := e.book.Get(id)
			if !ok {
				continue
			}
			// once per order until an attempt gets past revalidation
			if _, seen := e.deferred[id]; seen {
				e.logger.Debug("settlement still deferred", zap.Uint64("order_id", id), zap.String("detail", detail))
				continue
			}
			e.deferred[id] = struct{}{}
			e.publish(events.Event{Kind: events.OrderDeferred, Order: o, Rejection: model.Reject(model.ReasonLedgerUnavailable, "%s", detail)})
		}
		// retried on the next tick, not immediately
		return
	}
	e.scan()
}

func (e *Engine) publish(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.sink.Publish(ev)
}
