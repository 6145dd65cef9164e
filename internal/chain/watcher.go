package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Listener receives chain updates. engine.Engine implements it.
type Listener interface {
	UpdateBlock(ctx context.Context, height uint64) error
	ApplyCancellation(ctx context.Context, user common.Address, nonce *big.Int) (int, error)
}

// Cancellation is a decoded CancelOrder log.
type Cancellation struct {
	User  common.Address
	Nonce *big.Int
	Block uint64
}

// Watcher polls the head block and the exchange's CancelOrder logs.
type Watcher struct {
	backend  Backend
	exchange common.Address
	listener Listener
	interval time.Duration
	logger   *zap.Logger

	last uint64
}

// NewWatcher creates a watcher. Logs are read from the block after
// startBlock; a zero startBlock starts at the head seen on the first poll.
func NewWatcher(backend Backend, exchange common.Address, listener Listener, interval time.Duration, startBlock uint64, logger *zap.Logger) *Watcher {
	return &Watcher{
		backend:  backend,
		exchange: exchange,
		listener: listener,
		interval: interval,
		logger:   logger,
		last:     startBlock,
	}
}

// Run polls until ctx is cancelled. Poll errors are logged and retried on
// the next tick.
func (w *Watcher) Run(ctx context.Context) error {
	if w.interval <= 0 {
		w.interval = 5 * time.Second
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("chain poll failed", zap.Error(err), zap.Uint64("last_block", w.last))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll delivers the cancellations logged since the last poll, then the new
// head height. It is not safe for concurrent use.
func (w *Watcher) Poll(ctx context.Context) error {
	head, err := w.backend.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	if w.last == 0 {
		w.last = head
		return w.listener.UpdateBlock(ctx, head)
	}
	if head <= w.last {
		return nil
	}

	logs, err := w.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.last + 1),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{w.exchange},
		Topics:    [][]common.Hash{{CancelOrderTopic}},
	})
	if err != nil {
		return fmt.Errorf("filter CancelOrder logs %d..%d: %w", w.last+1, head, err)
	}
	for _, l := range logs {
		c, err := DecodeCancellation(l)
		if err != nil {
			w.logger.Warn("skipping malformed CancelOrder log", zap.Stringer("tx", l.TxHash), zap.Error(err))
			continue
		}
		if _, err := w.listener.ApplyCancellation(ctx, c.User, c.Nonce); err != nil {
			return fmt.Errorf("apply cancellation: %w", err)
		}
	}
	if err := w.listener.UpdateBlock(ctx, head); err != nil {
		return fmt.Errorf("update block: %w", err)
	}
	w.last = head
	return nil
}

// DecodeCancellation parses a CancelOrder log.
func DecodeCancellation(l types.Log) (Cancellation, error) {
	if len(l.Topics) != 2 || l.Topics[0] != CancelOrderTopic {
		return Cancellation{}, fmt.Errorf("not a CancelOrder log")
	}
	vals, err := exchangeABI.Unpack("CancelOrder", l.Data)
	if err != nil {
		return Cancellation{}, fmt.Errorf("unpack: %w", err)
	}
	nonce, ok := vals[0].(*big.Int)
	if !ok {
		return Cancellation{}, fmt.Errorf("nonce is %T", vals[0])
	}
	return Cancellation{
		User:  common.BytesToAddress(l.Topics[1].Bytes()),
		Nonce: nonce,
		Block: l.BlockNumber,
	}, nil
}
