package model

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// OrderRequest is the wire form of an order as submitted by a wallet.
// Integers are decimal or 0x-prefixed hex strings so that uint256 values
// survive JSON.
type OrderRequest struct {
	User            string `json:"user" validate:"required,eth_addr"`
	TokenIn         string `json:"tokenIn" validate:"required,eth_addr"`
	TokenOut        string `json:"tokenOut" validate:"required,eth_addr,nefield=TokenIn"`
	MinAmountIn     string `json:"minAmountIn" validate:"required"`
	MaxAmountIn     string `json:"maxAmountIn" validate:"required"`
	PriceX96        string `json:"priceX96" validate:"required"`
	MaxSlippageBps  uint32 `json:"maxSlippageBps" validate:"max=10000"`
	Nonce           string `json:"nonce" validate:"required"`
	ExpirationBlock uint64 `json:"expirationBlock" validate:"required"`
	Signature       string `json:"signature" validate:"required,hexadecimal"`
}

// ParseOrder turns a request into a typed Order. Any malformed field
// yields a *Rejection; the id is left zero for the intake boundary to
// assign.
func ParseOrder(req *OrderRequest) (*Order, error) {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			reason := ReasonBadBounds
			if fe.Field() == "Signature" {
				reason = ReasonBadSignature
			}
			return nil, Reject(reason, "field %s failed %q", fe.Field(), fe.Tag())
		}
		return nil, Reject(ReasonBadBounds, "%v", err)
	}

	order := &Order{
		User:            common.HexToAddress(req.User),
		TokenIn:         common.HexToAddress(req.TokenIn),
		TokenOut:        common.HexToAddress(req.TokenOut),
		MaxSlippageBps:  req.MaxSlippageBps,
		ExpirationBlock: req.ExpirationBlock,
	}

	var err error
	if order.MinAmountIn, err = parseUint256("minAmountIn", req.MinAmountIn); err != nil {
		return nil, err
	}
	if order.MaxAmountIn, err = parseUint256("maxAmountIn", req.MaxAmountIn); err != nil {
		return nil, err
	}
	if order.PriceX96, err = parseUint256("priceX96", req.PriceX96); err != nil {
		return nil, err
	}
	if order.Nonce, err = parseUint256("nonce", req.Nonce); err != nil {
		return nil, err
	}

	if order.Signature, err = decodeSignature(req.Signature); err != nil {
		return nil, err
	}
	return order, nil
}

// CancelRequest withdraws a resting order. Signature is the owner's
// EIP-191 signature over the order's CancelHash.
type CancelRequest struct {
	Signature string `json:"signature" validate:"required,hexadecimal"`
}

// ParseCancel decodes the signature of a cancel request.
func ParseCancel(req *CancelRequest) ([]byte, error) {
	if err := validate.Struct(req); err != nil {
		return nil, Reject(ReasonBadSignature, "field Signature failed validation")
	}
	return decodeSignature(req.Signature)
}

func decodeSignature(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, Reject(ReasonBadSignature, "signature: %v", err)
	}
	if len(sig) != SignatureLength {
		return nil, Reject(ReasonBadSignature, "signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	return sig, nil
}

func parseUint256(field, s string) (*big.Int, error) {
	v, ok := math.ParseBig256(strings.TrimSpace(s))
	if !ok {
		return nil, Reject(ReasonBadBounds, "%s: %q is not a uint256", field, s)
	}
	if v.Sign() < 0 {
		return nil, Reject(ReasonBadBounds, "%s: negative value", field)
	}
	return v, nil
}

// ToRequest renders an order back into its wire form.
func (o *Order) ToRequest() *OrderRequest {
	return &OrderRequest{
		User:            o.User.Hex(),
		TokenIn:         o.TokenIn.Hex(),
		TokenOut:        o.TokenOut.Hex(),
		MinAmountIn:     o.MinAmountIn.String(),
		MaxAmountIn:     o.MaxAmountIn.String(),
		PriceX96:        o.PriceX96.String(),
		MaxSlippageBps:  o.MaxSlippageBps,
		Nonce:           o.Nonce.String(),
		ExpirationBlock: o.ExpirationBlock,
		Signature:       hexutil.Encode(o.Signature),
	}
}

func (o *Order) String() string {
	return fmt.Sprintf("order#%d(%s %s->%s)", o.ID, o.User.Hex(), o.TokenIn.Hex(), o.TokenOut.Hex())
}
