// Package model holds the value types shared by the matching core:
// signed orders, structured rejections, match candidates and receipts.
package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// MaxSlippageBps is the basis-point denominator; a slippage of
// MaxSlippageBps accepts any rate.
const MaxSlippageBps = 10000

// SignatureLength is the size of an r||s||v secp256k1 signature.
const SignatureLength = crypto.SignatureLength

// Order is a signed swap intent. Orders are immutable once accepted:
// the book stores pointers and callers must never modify a stored Order.
type Order struct {
	ID              uint64         `json:"id"`
	User            common.Address `json:"user"`
	TokenIn         common.Address `json:"token_in"`
	TokenOut        common.Address `json:"token_out"`
	MinAmountIn     *big.Int       `json:"min_amount_in"`
	MaxAmountIn     *big.Int       `json:"max_amount_in"`
	PriceX96        *big.Int       `json:"price_x96"`
	MaxSlippageBps  uint32         `json:"max_slippage_bps"`
	Nonce           *big.Int       `json:"nonce"`
	ExpirationBlock uint64         `json:"expiration_block"`
	Signature       []byte         `json:"signature"`
}

// WithID returns a copy of the order carrying the given intake id.
func (o *Order) WithID(id uint64) *Order {
	c := *o
	c.ID = id
	return &c
}

// Hash returns keccak256 over the packed encoding of the signed fields:
// three 20-byte addresses followed by six 32-byte big-endian words.
func (o *Order) Hash() common.Hash {
	return crypto.Keccak256Hash(
		o.User.Bytes(),
		o.TokenIn.Bytes(),
		o.TokenOut.Bytes(),
		word(o.MinAmountIn),
		word(o.MaxAmountIn),
		word(o.PriceX96),
		word(new(big.Int).SetUint64(uint64(o.MaxSlippageBps))),
		word(o.Nonce),
		word(new(big.Int).SetUint64(o.ExpirationBlock)),
	)
}

// SigningDigest is the EIP-191 personal-message digest of Hash; this is
// what wallets sign when asked to sign the 32-byte order hash.
func (o *Order) SigningDigest() []byte {
	h := o.Hash()
	return accounts.TextHash(h.Bytes())
}

// cancelDomain prefixes cancel hashes so that an order signature can
// never be replayed as a cancellation.
var cancelDomain = []byte("sigswap.cancel")

// CancelHash is what the owner signs to withdraw a resting order:
// keccak256("sigswap.cancel" ‖ id ‖ Hash).
func (o *Order) CancelHash() common.Hash {
	h := o.Hash()
	return crypto.Keccak256Hash(cancelDomain, word(new(big.Int).SetUint64(o.ID)), h.Bytes())
}

// CancelDigest is the EIP-191 personal-message digest of CancelHash.
func (o *Order) CancelDigest() []byte {
	h := o.CancelHash()
	return accounts.TextHash(h.Bytes())
}

// Inverse reports whether the two orders trade the same pair in
// opposite directions.
func (o *Order) Inverse(other *Order) bool {
	return o.TokenIn == other.TokenOut && o.TokenOut == other.TokenIn
}

func word(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return math.U256Bytes(new(big.Int).Set(v))
}

// MatchCandidate is a pair of orders with negotiated amounts. AmountInB
// is what order A receives and order B pays.
type MatchCandidate struct {
	OrderA    *Order
	OrderB    *Order
	AmountInA *big.Int
	AmountInB *big.Int
}

// IDs returns the ids of both orders.
func (m *MatchCandidate) IDs() []uint64 {
	return []uint64{m.OrderA.ID, m.OrderB.ID}
}

// Receipt describes a confirmed settlement transaction.
type Receipt struct {
	TxHash      common.Hash `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
	GasUsed     uint64      `json:"gas_used"`
}
