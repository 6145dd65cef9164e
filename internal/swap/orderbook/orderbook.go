// Package orderbook holds the resting signed orders of the matcher.
//
// An OrderBook is not safe for concurrent use. It is owned by the engine
// goroutine and every other actor reaches it through the engine's
// command queue.
package orderbook

import (
	"cmp"
	"math/big"
	"slices"

	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/btree"
)

// OrderBook is a set of orders keyed by id and iterated in ascending id,
// so the oldest orders are seen first.
type OrderBook struct {
	orders btree.Map[uint64, *model.Order]
	byUser map[common.Address]map[uint64]struct{}
}

// New returns an empty book.
func New() *OrderBook {
	return &OrderBook{byUser: make(map[common.Address]map[uint64]struct{})}
}

// Add inserts the order. An existing entry with the same id is replaced,
// never edited. It reports whether the id was new.
func (b *OrderBook) Add(o *model.Order) bool {
	prev, replaced := b.orders.Set(o.ID, o)
	if replaced && prev.User != o.User {
		b.unindex(prev)
	}
	ids, ok := b.byUser[o.User]
	if !ok {
		ids = make(map[uint64]struct{})
		b.byUser[o.User] = ids
	}
	ids[o.ID] = struct{}{}
	return !replaced
}

// Remove deletes the order with the given id. Removing an unknown id is a
// no-op and returns nil.
func (b *OrderBook) Remove(id uint64) *model.Order {
	o, ok := b.orders.Delete(id)
	if !ok {
		return nil
	}
	b.unindex(o)
	return o
}

func (b *OrderBook) unindex(o *model.Order) {
	ids := b.byUser[o.User]
	delete(ids, o.ID)
	if len(ids) == 0 {
		delete(b.byUser, o.User)
	}
}

// Get returns the order with the given id.
func (b *OrderBook) Get(id uint64) (*model.Order, bool) {
	return b.orders.Get(id)
}

// Len returns the number of resting orders.
func (b *OrderBook) Len() int {
	return b.orders.Len()
}

// Ascend calls fn for each order in ascending id until fn returns false.
func (b *OrderBook) Ascend(fn func(o *model.Order) bool) {
	b.orders.Scan(func(_ uint64, o *model.Order) bool {
		return fn(o)
	})
}

// Orders returns the resting orders in ascending id.
func (b *OrderBook) Orders() []*model.Order {
	return b.orders.Values()
}

// RemoveUpToNonce removes every order of user whose nonce is at most
// nonce and returns them in ascending id. Orders with higher nonces stay.
func (b *OrderBook) RemoveUpToNonce(user common.Address, nonce *big.Int) []*model.Order {
	var victims []*model.Order
	for id := range b.byUser[user] {
		o, _ := b.orders.Get(id)
		if o.Nonce.Cmp(nonce) <= 0 {
			victims = append(victims, o)
		}
	}
	return b.removeAll(victims)
}

// RemoveExpired removes every order whose expiration block has been
// reached at the given height and returns them in ascending id.
func (b *OrderBook) RemoveExpired(height uint64) []*model.Order {
	var victims []*model.Order
	b.orders.Scan(func(_ uint64, o *model.Order) bool {
		if o.ExpirationBlock <= height {
			victims = append(victims, o)
		}
		return true
	})
	return b.removeAll(victims)
}

func (b *OrderBook) removeAll(victims []*model.Order) []*model.Order {
	for _, o := range victims {
		b.Remove(o.ID)
	}
	slices.SortFunc(victims, func(x, y *model.Order) int {
		return cmp.Compare(x.ID, y.ID)
	})
	return victims
}
