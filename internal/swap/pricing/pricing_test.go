package pricing_test

import (
	"math/big"
	"testing"

	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/Aidin1998/sigswap/internal/swap/pricing"
	"github.com/Aidin1998/sigswap/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// order builds an unsigned order selling token "A" or "B" for the other.
func order(in, _ string, min, max int64, price *big.Int, slippage uint32) *model.Order {
	o := &model.Order{
		MinAmountIn:    big.NewInt(min),
		MaxAmountIn:    big.NewInt(max),
		PriceX96:       price,
		MaxSlippageBps: slippage,
		Nonce:          new(big.Int),
	}
	if in == "A" {
		o.TokenIn, o.TokenOut = testutil.TokenA, testutil.TokenB
	} else {
		o.TokenIn, o.TokenOut = testutil.TokenB, testutil.TokenA
	}
	return o
}

func TestScenario_CompatibleWithSlippage(t *testing.T) {
	a := order("A", "B", 1, 100, testutil.Price(2, 1), 100)
	b := order("B", "A", 1, 200, testutil.Price(1, 2), 100)

	require.True(t, pricing.IsCompatible(a, b))

	in, out := pricing.Negotiate(a, b)
	assert.True(t, in.Cmp(big.NewInt(100)) <= 0, "amountInA %s exceeds A's max", in)
	assert.True(t, in.Sign() > 0)
	assert.True(t, pricing.CheckTrade(a, in, out), "A rejects %s -> %s", in, out)
	assert.True(t, pricing.CheckTrade(b, out, in), "B rejects %s -> %s", out, in)
}

func TestScenario_IncompatibleNoSlippage(t *testing.T) {
	a := order("A", "B", 1, 100, testutil.Price(2, 1), 0)
	b := order("B", "A", 1, 200, testutil.Price(3, 1), 0)

	assert.False(t, pricing.IsCompatible(a, b))
	assert.False(t, pricing.IsCompatible(b, a))
}

func TestIsCompatible(t *testing.T) {
	t.Run("exact inverse without slippage", func(t *testing.T) {
		a := order("A", "B", 1, 100, testutil.Price(2, 1), 0)
		b := order("B", "A", 1, 200, testutil.Price(1, 2), 0)
		assert.True(t, pricing.IsCompatible(a, b))

		in, out := pricing.Negotiate(a, b)
		assert.Equal(t, int64(100), in.Int64())
		assert.Equal(t, int64(200), out.Int64())
		assert.True(t, pricing.CheckTrade(a, in, out))
		assert.True(t, pricing.CheckTrade(b, out, in))
	})

	t.Run("slightly greedy counterpart", func(t *testing.T) {
		// B wants 0.51 A per B, A only gives 0.5 without slippage.
		a := order("A", "B", 1, 100, testutil.Price(2, 1), 0)
		b := order("B", "A", 1, 200, testutil.Price(51, 100), 0)
		assert.False(t, pricing.IsCompatible(a, b))

		// 2% slippage on B's side closes the gap.
		b.MaxSlippageBps = 200
		assert.True(t, pricing.IsCompatible(a, b))
	})

	t.Run("same direction", func(t *testing.T) {
		a := order("A", "B", 1, 100, testutil.Price(1, 1), 10000)
		b := order("A", "B", 1, 100, testutil.Price(1, 1), 10000)
		assert.False(t, pricing.IsCompatible(a, b))
	})

	t.Run("full slippage accepts anything", func(t *testing.T) {
		a := order("A", "B", 1, 1000, testutil.Price(1000, 1), 0)
		b := order("B", "A", 1, 1_000_000, testutil.Price(1000, 1), 10000)
		require.True(t, pricing.IsCompatible(a, b))

		in, out := pricing.Negotiate(a, b)
		assert.True(t, pricing.CheckTrade(a, in, out))
		assert.True(t, pricing.CheckTrade(b, out, in))
	})

	t.Run("wide operands", func(t *testing.T) {
		huge := new(big.Int).Lsh(big.NewInt(1), 190)
		a := order("A", "B", 1, 100, huge, 0)
		b := order("B", "A", 1, 100, new(big.Int).Lsh(big.NewInt(1), 10), 0)
		// 2^190 · 2^10 = 2^200 > 2^192
		assert.False(t, pricing.IsCompatible(a, b))
		b.PriceX96 = big.NewInt(1)
		assert.True(t, pricing.IsCompatible(a, b))
	})
}

func TestCheckTrade(t *testing.T) {
	o := order("A", "B", 10, 100, testutil.Price(2, 1), 100)

	cases := []struct {
		name    string
		in, out int64
		ok      bool
	}{
		{"exact price", 50, 100, true},
		{"within slippage", 50, 99, true},
		{"at floor", 100, 198, true},
		{"below floor", 100, 197, false},
		{"below min", 9, 1_000_000, false},
		{"above max", 101, 1_000_000, false},
		{"at min", 10, 20, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.ok, pricing.CheckTrade(o, big.NewInt(tc.in), big.NewInt(tc.out)))
		})
	}

	assert.False(t, pricing.CheckTrade(o, nil, big.NewInt(1)))
}

func TestCheckTrade_BoundsDominate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		min := rapid.Int64Range(0, 1_000_000).Draw(t, "min")
		max := rapid.Int64Range(min, 2_000_000).Draw(t, "max")
		o := order("A", "B", min, max, testutil.Price(1, 1), rapid.Uint32Range(0, 10000).Draw(t, "slippage"))

		out := new(big.Int).Lsh(big.NewInt(1), 250)
		below := rapid.Int64Range(-1, min-1).Draw(t, "below")
		above := rapid.Int64Range(max+1, max+1_000_000).Draw(t, "above")
		if below >= 0 {
			assert.False(t, pricing.CheckTrade(o, big.NewInt(below), out))
		}
		assert.False(t, pricing.CheckTrade(o, big.NewInt(above), out))
	})
}

// overlappingPair draws two inverse orders whose tolerance bands overlap
// by at least one percent.
func overlappingPair(t *rapid.T) (*model.Order, *model.Order) {
	num := rapid.Int64Range(1, 1000).Draw(t, "num")
	den := rapid.Int64Range(1, 1000).Draw(t, "den")
	k := rapid.Int64Range(900, 1000).Draw(t, "k")

	pA := testutil.Price(num, den)
	// pB = k/1000 of the exact inverse of pA
	pB := new(big.Int).Mul(pricing.Q96(), big.NewInt(den*k))
	pB.Quo(pB, big.NewInt(num*1000))

	a := order("A", "B", 1, rapid.Int64Range(1e12, 1e18).Draw(t, "maxA"), pA, rapid.Uint32Range(50, 500).Draw(t, "sA"))
	b := order("B", "A", 1, rapid.Int64Range(1e12, 1e18).Draw(t, "maxB"), pB, rapid.Uint32Range(50, 500).Draw(t, "sB"))
	return a, b
}

func TestNegotiate_SatisfiesBothSides(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a, b := overlappingPair(t)
		if !pricing.IsCompatible(a, b) {
			t.Fatalf("generated pair should overlap")
		}
		in, out := pricing.Negotiate(a, b)
		if !pricing.CheckTrade(a, in, out) {
			t.Fatalf("A rejects negotiated trade %s -> %s", in, out)
		}
		if !pricing.CheckTrade(b, out, in) {
			t.Fatalf("B rejects negotiated trade %s -> %s", out, in)
		}
	})
}

func TestNegotiate_FullSlippageCounterpart(t *testing.T) {
	t.Run("rounding lifted to A's floor", func(t *testing.T) {
		a := order("A", "B", 0, 1, big.NewInt(1), 0)
		b := order("B", "A", 0, 1, big.NewInt(1), 10000)
		require.True(t, pricing.IsCompatible(a, b))

		in, out := pricing.Negotiate(a, b)
		assert.Equal(t, int64(1), in.Int64())
		assert.Equal(t, int64(1), out.Int64())
		assert.True(t, pricing.CheckTrade(a, in, out))
		assert.True(t, pricing.CheckTrade(b, out, in))
	})

	rapid.Check(t, func(t *rapid.T) {
		pA := new(big.Int).SetUint64(rapid.Uint64Range(1, 1<<40).Draw(t, "pA"))
		pA.Lsh(pA, uint(rapid.IntRange(0, 96).Draw(t, "shiftA")))
		sA := rapid.Uint32Range(0, 10000).Draw(t, "sA")
		a := order("A", "B", 0, rapid.Int64Range(1, 1_000_000).Draw(t, "maxA"), pA, sA)
		b := order("B", "A", 0, rapid.Int64Range(1, 1_000_000).Draw(t, "maxB"), testutil.Price(1, 1), 10000)

		in, out := pricing.Negotiate(a, b)

		// smallest counter-amount A's floor accepts for the chosen quantity
		num := new(big.Int).Mul(in, pA)
		num.Mul(num, big.NewInt(int64(10000-sA)))
		den := new(big.Int).Mul(pricing.Q96(), big.NewInt(10000))
		lo := new(big.Int).Add(num, new(big.Int).Sub(den, big.NewInt(1)))
		lo.Quo(lo, den)
		if lo.Cmp(b.MaxAmountIn) > 0 {
			// no counter-amount within B's maximum
			return
		}

		if !pricing.CheckTrade(a, in, out) {
			t.Fatalf("A rejects negotiated trade %s -> %s (floor %s)", in, out, lo)
		}
		if !pricing.CheckTrade(b, out, in) {
			t.Fatalf("B rejects negotiated trade %s -> %s", out, in)
		}
	})
}

func TestIsCompatible_Symmetric(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pA := new(big.Int).SetUint64(rapid.Uint64Range(1, 1<<63).Draw(t, "pA"))
		pA.Lsh(pA, uint(rapid.IntRange(0, 120).Draw(t, "shiftA")))
		pB := new(big.Int).SetUint64(rapid.Uint64Range(1, 1<<63).Draw(t, "pB"))
		pB.Lsh(pB, uint(rapid.IntRange(0, 120).Draw(t, "shiftB")))

		a := order("A", "B", 1, 100, pA, rapid.Uint32Range(0, 10000).Draw(t, "sA"))
		b := order("B", "A", 1, 100, pB, rapid.Uint32Range(0, 10000).Draw(t, "sB"))
		if pricing.IsCompatible(a, b) != pricing.IsCompatible(b, a) {
			t.Fatalf("asymmetric result for %s / %s", pA, pB)
		}
	})
}

func TestDecimal(t *testing.T) {
	assert.Equal(t, "2", pricing.Decimal(testutil.Price(2, 1)).String())
	assert.Equal(t, "0.5", pricing.Decimal(testutil.Price(1, 2)).String())
	assert.True(t, pricing.Decimal(nil).IsZero())

	assert.Equal(t, "2", pricing.Rate(big.NewInt(99), big.NewInt(198)).String())
	assert.True(t, pricing.Rate(big.NewInt(0), big.NewInt(5)).IsZero())
}
