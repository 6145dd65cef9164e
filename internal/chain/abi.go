package chain

import (
	"math/big"
	"strings"

	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const exchangeABIJSON = `[
  {"type":"function","name":"executeTrade","stateMutability":"nonpayable","inputs":[
    {"name":"orderA","type":"tuple","components":[
      {"name":"user","type":"address"},{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},
      {"name":"minAmountIn","type":"uint256"},{"name":"maxAmountIn","type":"uint256"},{"name":"priceX96","type":"uint256"},
      {"name":"maxSlippageBps","type":"uint256"},{"name":"nonce","type":"uint256"},{"name":"expirationBlock","type":"uint256"}]},
    {"name":"signatureA","type":"bytes"},
    {"name":"orderB","type":"tuple","components":[
      {"name":"user","type":"address"},{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},
      {"name":"minAmountIn","type":"uint256"},{"name":"maxAmountIn","type":"uint256"},{"name":"priceX96","type":"uint256"},
      {"name":"maxSlippageBps","type":"uint256"},{"name":"nonce","type":"uint256"},{"name":"expirationBlock","type":"uint256"}]},
    {"name":"signatureB","type":"bytes"},
    {"name":"amountInA","type":"uint256"},
    {"name":"amountInB","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"CancelOrder","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"nonce","type":"uint256","indexed":false}]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	exchangeABI = mustParseABI(exchangeABIJSON)
	erc20ABI    = mustParseABI(erc20ABIJSON)

	// CancelOrderTopic is the topic0 of the exchange's CancelOrder event.
	CancelOrderTopic = exchangeABI.Events["CancelOrder"].ID
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// orderTuple mirrors the contract's Order struct for ABI encoding.
type orderTuple struct {
	User            common.Address
	TokenIn         common.Address
	TokenOut        common.Address
	MinAmountIn     *big.Int
	MaxAmountIn     *big.Int
	PriceX96        *big.Int
	MaxSlippageBps  *big.Int
	Nonce           *big.Int
	ExpirationBlock *big.Int
}

func toTuple(o *model.Order) orderTuple {
	return orderTuple{
		User:            o.User,
		TokenIn:         o.TokenIn,
		TokenOut:        o.TokenOut,
		MinAmountIn:     o.MinAmountIn,
		MaxAmountIn:     o.MaxAmountIn,
		PriceX96:        o.PriceX96,
		MaxSlippageBps:  new(big.Int).SetUint64(uint64(o.MaxSlippageBps)),
		Nonce:           o.Nonce,
		ExpirationBlock: new(big.Int).SetUint64(o.ExpirationBlock),
	}
}
