// Package orderqueue persists resting orders in BadgerDB so the book can be
// rebuilt after a restart, and hands out order ids.
package orderqueue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Aidin1998/sigswap/internal/swap/events"
	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/Aidin1998/sigswap/pkg/metrics"
	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// ErrNotFound is returned when an order id is not in the journal.
var ErrNotFound = errors.New("order not found")

const (
	orderPrefix  = "order:"
	seqKey       = "seq:order_id"
	seqBandwidth = 128
)

// record is the stored form of an order.
type record struct {
	ID    uint64              `json:"id"`
	Order *model.OrderRequest `json:"order"`
}

// Journal is a disk-backed set of accepted orders keyed by id.
type Journal struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *zap.Logger
}

// Open opens or creates a journal at path.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // disable internal logging
	return open(opts, logger)
}

// OpenInMemory opens a journal that lives only as long as the process.
func OpenInMemory(logger *zap.Logger) (*Journal, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts, logger)
}

func open(opts badger.Options, logger *zap.Logger) (*Journal, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("order id sequence: %w", err)
	}
	return &Journal{db: db, seq: seq, logger: logger}, nil
}

// Close releases the id lease and closes the database. Ids leased but not
// handed out are skipped after a restart.
func (j *Journal) Close() error {
	if err := j.seq.Release(); err != nil {
		j.logger.Warn("release order id sequence", zap.Error(err))
	}
	return j.db.Close()
}

// NextID returns a fresh order id. Ids start at 1 and only grow.
func (j *Journal) NextID() (uint64, error) {
	for {
		id, err := j.seq.Next()
		if err != nil {
			return 0, fmt.Errorf("next order id: %w", err)
		}
		if id != 0 {
			return id, nil
		}
	}
}

func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", orderPrefix, id))
}

// Append stores o under its id, replacing any previous entry.
func (j *Journal) Append(o *model.Order) error {
	if o.ID == 0 {
		return errors.New("order has no id")
	}
	val, err := json.Marshal(record{ID: o.ID, Order: o.ToRequest()})
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(orderKey(o.ID), val)
	})
}

// Delete removes an order. Deleting an unknown id returns ErrNotFound.
func (j *Journal) Delete(id uint64) error {
	return j.db.Update(func(txn *badger.Txn) error {
		key := orderKey(id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

// Get loads one order.
func (j *Journal) Get(id uint64) (*model.Order, error) {
	var o *model.Order
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(orderKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			o, err = decode(v)
			return err
		})
	})
	return o, err
}

func decode(v []byte) (*model.Order, error) {
	var rec record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, err
	}
	if rec.Order == nil {
		return nil, errors.New("empty record")
	}
	o, err := model.ParseOrder(rec.Order)
	if err != nil {
		return nil, err
	}
	return o.WithID(rec.ID), nil
}

// Replay calls fn for every stored order in ascending id. Entries that no
// longer decode are logged and deleted.
func (j *Journal) Replay(fn func(o *model.Order) error) error {
	var (
		orders []*model.Order
		broken [][]byte
	)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(orderPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(v []byte) error {
				o, err := decode(v)
				if err != nil {
					return err
				}
				orders = append(orders, o)
				return nil
			})
			if err != nil {
				j.logger.Warn("dropping undecodable journal entry", zap.ByteString("key", item.KeyCopy(nil)), zap.Error(err))
				broken = append(broken, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan journal: %w", err)
	}
	if len(broken) > 0 {
		if err := j.db.Update(func(txn *badger.Txn) error {
			for _, k := range broken {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("drop broken entries: %w", err)
		}
	}
	for _, o := range orders {
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}

// Publish keeps the journal in step with the book: accepted orders are
// stored and orders that left the book are deleted. Transient rejections
// leave the order in place.
func (j *Journal) Publish(e events.Event) {
	var err error
	switch e.Kind {
	case events.OrderAccepted:
		err = j.Append(e.Order)
	case events.OrderCancelled:
		err = j.Delete(e.Order.ID)
	case events.OrderRejected:
		if e.Rejection.Class == model.ClassTransient || e.Order == nil || e.Order.ID == 0 {
			return
		}
		err = j.Delete(e.Order.ID)
	case events.MatchSettled:
		for _, id := range e.Match.IDs() {
			if derr := j.Delete(id); derr != nil && !errors.Is(derr, ErrNotFound) {
				err = derr
			}
		}
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		metrics.EventPublishErrors.WithLabelValues("journal").Inc()
		j.logger.Error("journal update failed", zap.String("event", string(e.Kind)), zap.Uint64s("order_ids", e.OrderIDs()), zap.Error(err))
	}
}
