// Package pricing implements the exact-integer price logic of the matcher:
// tolerance overlap (IsCompatible), amount negotiation (Negotiate) and
// the per-order slippage bound (CheckTrade).
//
// Rates are Q96 fixed point: a priceX96 of p means p/2^96 units of
// tokenOut per unit of tokenIn. All arithmetic runs on math/big so that
// products of 256-bit operands never overflow.
package pricing

import (
	"math/big"

	"github.com/Aidin1998/sigswap/internal/swap/model"
)

var (
	q96  = new(big.Int).Lsh(big.NewInt(1), 96)
	q192 = new(big.Int).Lsh(big.NewInt(1), 192)
	bps  = big.NewInt(model.MaxSlippageBps)
)

// Q96 returns a fresh copy of 2^96.
func Q96() *big.Int { return new(big.Int).Set(q96) }

// tolerance returns 10000 - maxSlippageBps.
func tolerance(o *model.Order) *big.Int {
	s := int64(o.MaxSlippageBps)
	if s > model.MaxSlippageBps {
		s = model.MaxSlippageBps
	}
	return big.NewInt(model.MaxSlippageBps - s)
}

// IsCompatible reports whether the tolerance bands of two inverse orders
// overlap. A's worst acceptable rate is pA·(1-sA); B's worst acceptable
// rate, seen from A's side, is 1/(pB·(1-sB)). The bands overlap when
// A's floor does not exceed B's ceiling:
//
//	pA·(10000-sA) · pB·(10000-sB) <= 2^192 · 10000²
//
// The inequality is the same when evaluated from B's side, so the
// relation is symmetric. Orders that do not trade the same pair in
// opposite directions are never compatible.
func IsCompatible(a, b *model.Order) bool {
	if !a.Inverse(b) {
		return false
	}
	if a.PriceX96 == nil || b.PriceX96 == nil || a.PriceX96.Sign() <= 0 || b.PriceX96.Sign() <= 0 {
		return false
	}

	// A's worst case must be at least as good as what B is willing to
	// give, and vice versa; both reduce to the same cross product.
	lhs := new(big.Int).Mul(a.PriceX96, tolerance(a))
	lhs.Mul(lhs, b.PriceX96)
	lhs.Mul(lhs, tolerance(b))

	rhs := new(big.Int).Mul(q192, bps)
	rhs.Mul(rhs, bps)

	return lhs.Cmp(rhs) <= 0
}

// floorRate is the least favourable Q96 rate the order accepts in its own
// direction, rounded down.
func floorRate(o *model.Order) *big.Int {
	r := new(big.Int).Mul(o.PriceX96, tolerance(o))
	return r.Quo(r, bps)
}

// Negotiate picks a trade rate and amounts for two compatible orders. It
// returns how much of A's tokenIn is sold and how much of A's tokenOut
// (B's tokenIn) A receives.
//
// The rate is the midpoint between A's floor and B's inverse ceiling,
// both expressed in A's direction. amountInA is the largest quantity that
// stays within both declared maxima at that rate. The counter-amount is
// then nudged into the interval both slippage floors allow when rounding
// pushed it out. The result is a feasible heuristic, not an optimal
// clearing price; callers must run CheckTrade on both sides.
func Negotiate(a, b *model.Order) (amountInA, amountOutA *big.Int) {
	fA := floorRate(a)
	fB := floorRate(b)

	var ceilA *big.Int
	if fB.Sign() == 0 {
		// B accepts any rate: settle at A's stated price.
		ceilA = new(big.Int).Set(a.PriceX96)
		if ceilA.Cmp(fA) < 0 {
			ceilA.Set(fA)
		}
	} else {
		ceilA = new(big.Int).Quo(q192, fB)
	}

	rate := new(big.Int).Add(fA, ceilA)
	rate.Rsh(rate, 1)

	amountInA = new(big.Int).Set(a.MaxAmountIn)
	if rate.Sign() > 0 {
		capB := new(big.Int).Mul(b.MaxAmountIn, q96)
		capB.Quo(capB, rate)
		if capB.Cmp(amountInA) < 0 {
			amountInA = capB
		}
	}

	amountOutA = new(big.Int).Mul(amountInA, rate)
	amountOutA.Rsh(amountOutA, 96)

	lo, hi := outInterval(a, b, amountInA)
	if hi == nil || lo.Cmp(hi) <= 0 {
		if amountOutA.Cmp(lo) < 0 {
			amountOutA.Set(lo)
		}
		if hi != nil && amountOutA.Cmp(hi) > 0 {
			amountOutA.Set(hi)
		}
	}
	if amountOutA.Cmp(b.MaxAmountIn) > 0 {
		amountOutA.Set(b.MaxAmountIn)
	}
	return amountInA, amountOutA
}

// outInterval returns the exact range of counter-amounts for amountInA
// that satisfies both slippage floors. hi is nil when B accepts any rate.
//
//	lo = ceil(x·pA·(10000-sA) / (2^96·10000))
//	hi = floor(x·2^96·10000 / (pB·(10000-sB)))
func outInterval(a, b *model.Order, x *big.Int) (lo, hi *big.Int) {
	num := new(big.Int).Mul(x, a.PriceX96)
	num.Mul(num, tolerance(a))
	den := new(big.Int).Mul(q96, bps)
	lo = ceilDiv(num, den)

	den = new(big.Int).Mul(b.PriceX96, tolerance(b))
	if den.Sign() == 0 {
		return lo, nil
	}
	num = new(big.Int).Mul(x, q96)
	num.Mul(num, bps)
	hi = num.Quo(num, den)
	return lo, hi
}

func ceilDiv(n, d *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(n, d, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// CheckTrade reports whether selling amountIn of the order's tokenIn for
// amountOut of its tokenOut respects the order's bounds: amountIn must be
// within [MinAmountIn, MaxAmountIn] and the realised rate must not fall
// below the slippage floor,
//
//	amountOut·2^96·10000 >= amountIn·priceX96·(10000-slippage)
func CheckTrade(o *model.Order, amountIn, amountOut *big.Int) bool {
	if amountIn == nil || amountOut == nil || amountIn.Sign() < 0 || amountOut.Sign() < 0 {
		return false
	}
	if amountIn.Cmp(o.MinAmountIn) < 0 || amountIn.Cmp(o.MaxAmountIn) > 0 {
		return false
	}

	lhs := new(big.Int).Mul(amountOut, q96)
	lhs.Mul(lhs, bps)

	rhs := new(big.Int).Mul(amountIn, o.PriceX96)
	rhs.Mul(rhs, tolerance(o))

	return lhs.Cmp(rhs) >= 0
}
