package pricing

import (
	"math/big"

	"github.com/shopspring/decimal"
)

var q96Decimal = decimal.NewFromBigInt(q96, 0)

// Decimal renders a Q96 rate as a human-readable decimal. It is lossy and
// only meant for display.
func Decimal(priceX96 *big.Int) decimal.Decimal {
	if priceX96 == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(priceX96, 0).DivRound(q96Decimal, 18)
}

// Rate returns amountOut/amountIn as a decimal, or zero when amountIn is
// zero.
func Rate(amountIn, amountOut *big.Int) decimal.Decimal {
	if amountIn == nil || amountOut == nil || amountIn.Sign() == 0 {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amountOut, 0).DivRound(decimal.NewFromBigInt(amountIn, 0), 18)
}
