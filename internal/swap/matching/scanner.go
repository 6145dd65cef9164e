// Package matching searches the order book for a settleable pair.
package matching

import (
	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/Aidin1998/sigswap/internal/swap/orderbook"
	"github.com/Aidin1998/sigswap/internal/swap/pricing"
)

// Scan returns the first pair of resting orders that passes the price
// pre-filter, negotiation and the bounds check on both sides.
//
// Pairs are enumerated with orders in ascending id, so the oldest
// feasible pair wins. Orders for which exclude returns true are skipped;
// exclude may be nil. The search is quadratic in the book size.
func Scan(book *orderbook.OrderBook, exclude func(id uint64) bool) (*model.MatchCandidate, bool) {
	orders := make([]*model.Order, 0, book.Len())
	book.Ascend(func(o *model.Order) bool {
		if exclude == nil || !exclude(o.ID) {
			orders = append(orders, o)
		}
		return true
	})

	for i, a := range orders {
		for _, b := range orders[i+1:] {
			if c, ok := Match(a, b); ok {
				return c, true
			}
		}
	}
	return nil, false
}

// Match evaluates one pair. The older order is always side A. A false
// result is a negotiation miss and not an error.
func Match(a, b *model.Order) (*model.MatchCandidate, bool) {
	if b.ID < a.ID {
		a, b = b, a
	}
	if !a.Inverse(b) || !pricing.IsCompatible(a, b) {
		return nil, false
	}
	amountInA, amountInB := pricing.Negotiate(a, b)
	if !pricing.CheckTrade(a, amountInA, amountInB) || !pricing.CheckTrade(b, amountInB, amountInA) {
		return nil, false
	}
	return &model.MatchCandidate{
		OrderA:    a,
		OrderB:    b,
		AmountInA: amountInA,
		AmountInB: amountInB,
	}, true
}
