// Package settlement re-validates a match candidate against current ledger
// state and submits it on chain.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/Aidin1998/sigswap/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	tracer = otel.Tracer("settlement")
	meter  = otel.Meter("settlement")
)

// State of one settlement attempt.
type State uint8

const (
	StateFound State = iota
	StateRevalidating
	StateSettling
	StateSettled
	StateFailed
	StateRejected
	// StateReleased means the ledger could not be read; both orders go
	// back to the book untouched.
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateFound:
		return "found"
	case StateRevalidating:
		return "revalidating"
	case StateSettling:
		return "settling"
	case StateSettled:
		return "settled"
	case StateFailed:
		return "failed"
	case StateRejected:
		return "rejected"
	case StateReleased:
		return "released"
	}
	return "unknown"
}

// Revalidator runs the pre-settlement checks on one side of a trade.
type Revalidator interface {
	ValidatePreSettlement(ctx context.Context, o *model.Order, amountIn *big.Int) (*model.Rejection, error)
}

// Submitter executes a trade on chain and waits for its receipt.
type Submitter interface {
	SubmitTrade(ctx context.Context, c *model.MatchCandidate) (*model.Receipt, error)
}

// Result is the outcome of Settle.
type Result struct {
	Candidate *model.MatchCandidate
	State     State
	// Rejections holds, by order id, the orders that must leave the book
	// with a rejection. Empty for Settled and Released.
	Rejections map[uint64]*model.Rejection
	Receipt    *model.Receipt
	Err        error
}

// Removed returns the ids of the orders that leave the book.
func (r Result) Removed() []uint64 {
	switch r.State {
	case StateSettled:
		return r.Candidate.IDs()
	case StateFailed, StateRejected:
		ids := make([]uint64, 0, len(r.Rejections))
		for _, id := range r.Candidate.IDs() {
			if _, ok := r.Rejections[id]; ok {
				ids = append(ids, id)
			}
		}
		return ids
	}
	return nil
}

// Coordinator drives one candidate through settlement. It holds no book
// state; the caller applies the Result.
type Coordinator struct {
	validator Revalidator
	submitter Submitter
	timeout   time.Duration
	attempts  metric.Int64Counter
	logger    *zap.Logger
}

// NewCoordinator creates a coordinator. A zero timeout disables the
// per-attempt deadline.
func NewCoordinator(v Revalidator, s Submitter, timeout time.Duration, logger *zap.Logger) *Coordinator {
	attempts, err := meter.Int64Counter("sigswap.settlement.attempts",
		metric.WithDescription("Settlement attempts by final state"))
	if err != nil {
		logger.Warn("settlement attempt counter unavailable", zap.Error(err))
	}
	return &Coordinator{validator: v, submitter: s, timeout: timeout, attempts: attempts, logger: logger}
}

// Settle re-validates both orders concurrently and, if both pass, submits
// the trade. It never retries.
func (c *Coordinator) Settle(ctx context.Context, cand *model.MatchCandidate) Result {
	start := time.Now()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "settlement.Settle")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("order_a", int64(cand.OrderA.ID)),
		attribute.Int64("order_b", int64(cand.OrderB.ID)),
		attribute.String("amount_in_a", cand.AmountInA.String()),
		attribute.String("amount_in_b", cand.AmountInB.String()),
	)

	res := c.settle(ctx, cand)

	span.SetAttributes(attribute.String("state", res.State.String()))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.State.String())
	}
	metrics.Settlements.WithLabelValues(res.State.String()).Inc()
	if c.attempts != nil {
		c.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("state", res.State.String())))
	}
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())

	fields := []zap.Field{
		zap.Uint64s("order_ids", cand.IDs()),
		zap.Stringer("state", res.State),
		zap.Duration("elapsed", time.Since(start)),
	}
	switch res.State {
	case StateSettled:
		c.logger.Info("match settled", append(fields, zap.Stringer("tx", res.Receipt.TxHash))...)
	case StateReleased:
		c.logger.Warn("ledger unavailable, releasing match", append(fields, zap.Error(res.Err))...)
	case StateFailed:
		c.logger.Error("settlement failed", append(fields, zap.Error(res.Err))...)
	default:
		c.logger.Info("match rejected at re-validation", fields...)
	}
	return res
}

func (c *Coordinator) settle(ctx context.Context, cand *model.MatchCandidate) Result {
	res := Result{Candidate: cand, State: StateRevalidating}

	rejA, rejB, err := c.revalidate(ctx, cand)
	if err != nil {
		res.Err = err
		if errors.Is(err, context.DeadlineExceeded) {
			return c.fail(res, "re-validation timed out")
		}
		res.State = StateReleased
		return res
	}
	if rejA != nil || rejB != nil {
		res.State = StateRejected
		res.Rejections = make(map[uint64]*model.Rejection, 2)
		if rejA != nil {
			res.Rejections[cand.OrderA.ID] = rejA
		}
		if rejB != nil {
			res.Rejections[cand.OrderB.ID] = rejB
		}
		return res
	}

	res.State = StateSettling
	receipt, err := c.submitter.SubmitTrade(ctx, cand)
	if err != nil {
		res.Err = fmt.Errorf("submit trade: %w", err)
		return c.fail(res, err.Error())
	}
	res.State = StateSettled
	res.Receipt = receipt
	return res
}

func (c *Coordinator) revalidate(ctx context.Context, cand *model.MatchCandidate) (rejA, rejB *model.Rejection, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rejA, err = c.validator.ValidatePreSettlement(gctx, cand.OrderA, cand.AmountInA)
		return err
	})
	g.Go(func() error {
		var err error
		rejB, err = c.validator.ValidatePreSettlement(gctx, cand.OrderB, cand.AmountInB)
		return err
	})
	if err := g.Wait(); err != nil {
		// the group context is cancelled by the first error, so a parent
		// deadline has to be read from ctx itself
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("re-validate: %w", ctx.Err())
		}
		return nil, nil, fmt.Errorf("re-validate: %w", err)
	}
	return rejA, rejB, nil
}

func (c *Coordinator) fail(res Result, detail string) Result {
	res.State = StateFailed
	res.Rejections = map[uint64]*model.Rejection{
		res.Candidate.OrderA.ID: model.Reject(model.ReasonSettlementFailure, "%s", detail),
		res.Candidate.OrderB.ID: model.Reject(model.ReasonSettlementFailure, "%s", detail),
	}
	return res
}
