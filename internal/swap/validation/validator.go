// Package validation checks orders at intake and again right before
// settlement, when ledger state may have moved.
package validation

import (
	"context"
	"fmt"
	"math/big"

	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"go.uber.org/zap"
)

// Mode selects which checks run.
type Mode uint8

const (
	// Intake runs the structural and signature checks only.
	Intake Mode = iota
	// PreSettlement adds nonce, balance, allowance and expiry checks
	// against current ledger state.
	PreSettlement
)

func (m Mode) String() string {
	if m == PreSettlement {
		return "pre_settlement"
	}
	return "intake"
}

// SignerRecoverer recovers the address that produced a signature over a
// 32-byte digest.
type SignerRecoverer interface {
	RecoverSigner(digest []byte, sig []byte) (common.Address, error)
}

// Ledger is the read side of the chain client.
type Ledger interface {
	SignerRecoverer
	GetNonce(ctx context.Context, user common.Address) (*big.Int, error)
	GetBalance(ctx context.Context, token, user common.Address) (*big.Int, error)
	GetAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	GetCurrentBlock(ctx context.Context) (uint64, error)
}

// Validator runs the validation pipeline. Spender is the exchange
// contract that pulls tokens during settlement.
type Validator struct {
	ledger  Ledger
	spender common.Address
	logger  *zap.Logger
}

// NewValidator creates a validator reading from ledger.
func NewValidator(ledger Ledger, spender common.Address, logger *zap.Logger) *Validator {
	return &Validator{ledger: ledger, spender: spender, logger: logger}
}

// Validate runs the checks of the given mode. amountIn is the quantity
// of tokenIn the order is about to sell and is only read in
// PreSettlement mode.
//
// A non-nil *Rejection means the order failed a check. A non-nil error
// means the ledger could not be read and nothing is known about the
// order.
func (v *Validator) Validate(ctx context.Context, o *model.Order, mode Mode, amountIn *big.Int) (*model.Rejection, error) {
	if rej := CheckStructure(o); rej != nil {
		return rej, nil
	}
	if rej := v.checkSignature(o); rej != nil {
		return rej, nil
	}
	if mode == Intake {
		return nil, nil
	}
	return v.checkLedger(ctx, o, amountIn)
}

// ValidateIntake is Validate in Intake mode; it never touches the network.
func (v *Validator) ValidateIntake(o *model.Order) *model.Rejection {
	rej, _ := v.Validate(context.Background(), o, Intake, nil)
	return rej
}

// ValidatePreSettlement is Validate in PreSettlement mode.
func (v *Validator) ValidatePreSettlement(ctx context.Context, o *model.Order, amountIn *big.Int) (*model.Rejection, error) {
	return v.Validate(ctx, o, PreSettlement, amountIn)
}

func uint256(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(math.MaxBig256) <= 0
}

// CheckStructure verifies the invariants an order must satisfy
// regardless of ledger state.
func CheckStructure(o *model.Order) *model.Rejection {
	switch {
	case o == nil:
		return model.Reject(model.ReasonBadBounds, "missing order")
	case o.User == (common.Address{}):
		return model.Reject(model.ReasonBadBounds, "zero user address")
	case o.TokenIn == (common.Address{}) || o.TokenOut == (common.Address{}):
		return model.Reject(model.ReasonBadBounds, "zero token address")
	case o.TokenIn == o.TokenOut:
		return model.Reject(model.ReasonBadBounds, "tokenIn equals tokenOut")
	case !uint256(o.MinAmountIn) || !uint256(o.MaxAmountIn):
		return model.Reject(model.ReasonBadBounds, "amount bounds are not uint256")
	case o.MaxAmountIn.Sign() == 0:
		return model.Reject(model.ReasonBadBounds, "maxAmountIn is zero")
	case o.MinAmountIn.Cmp(o.MaxAmountIn) > 0:
		return model.Reject(model.ReasonBadBounds, "minAmountIn %s exceeds maxAmountIn %s", o.MinAmountIn, o.MaxAmountIn)
	case !uint256(o.PriceX96) || o.PriceX96.Sign() == 0:
		return model.Reject(model.ReasonBadBounds, "priceX96 must be a positive uint256")
	case o.MaxSlippageBps > model.MaxSlippageBps:
		return model.Reject(model.ReasonBadBounds, "maxSlippageBps %d above %d", o.MaxSlippageBps, model.MaxSlippageBps)
	case !uint256(o.Nonce):
		return model.Reject(model.ReasonBadBounds, "nonce is not uint256")
	case len(o.Signature) != model.SignatureLength:
		return model.Reject(model.ReasonBadSignature, "signature must be %d bytes", model.SignatureLength)
	}
	return nil
}

func (v *Validator) checkSignature(o *model.Order) *model.Rejection {
	return v.checkSigner(o.SigningDigest(), o.Signature, o.User)
}

// CheckCancel verifies that sig is the order owner's signature over the
// order's cancel digest.
func (v *Validator) CheckCancel(o *model.Order, sig []byte) *model.Rejection {
	return v.checkSigner(o.CancelDigest(), sig, o.User)
}

func (v *Validator) checkSigner(digest, sig []byte, user common.Address) *model.Rejection {
	signer, err := v.ledger.RecoverSigner(digest, sig)
	if err != nil {
		return model.Reject(model.ReasonBadSignature, "recover: %v", err)
	}
	if signer == (common.Address{}) {
		return model.Reject(model.ReasonBadSignature, "signature recovers to the zero address")
	}
	if signer != user {
		return model.Reject(model.ReasonBadSignature, "signed by %s, not %s", signer.Hex(), user.Hex())
	}
	return nil
}

func (v *Validator) checkLedger(ctx context.Context, o *model.Order, amountIn *big.Int) (*model.Rejection, error) {
	if amountIn == nil {
		amountIn = o.MaxAmountIn
	}

	block, err := v.ledger.GetCurrentBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("read block height: %w", err)
	}
	if block >= o.ExpirationBlock {
		return model.Reject(model.ReasonExpired, "expired at block %d, chain at %d", o.ExpirationBlock, block), nil
	}

	nonce, err := v.ledger.GetNonce(ctx, o.User)
	if err != nil {
		return nil, fmt.Errorf("read nonce of %s: %w", o.User.Hex(), err)
	}
	if o.Nonce.Cmp(nonce) < 0 {
		return model.Reject(model.ReasonStaleNonce, "order nonce %s below ledger nonce %s", o.Nonce, nonce), nil
	}

	balance, err := v.ledger.GetBalance(ctx, o.TokenIn, o.User)
	if err != nil {
		return nil, fmt.Errorf("read balance of %s: %w", o.User.Hex(), err)
	}
	if balance.Cmp(amountIn) < 0 {
		return model.Reject(model.ReasonInsufficientBalance, "balance %s below %s", balance, amountIn), nil
	}

	allowance, err := v.ledger.GetAllowance(ctx, o.TokenIn, o.User, v.spender)
	if err != nil {
		return nil, fmt.Errorf("read allowance of %s: %w", o.User.Hex(), err)
	}
	if allowance.Cmp(amountIn) < 0 {
		return model.Reject(model.ReasonInsufficientAllowance, "allowance %s below %s", allowance, amountIn), nil
	}

	v.logger.Debug("order passed pre-settlement checks",
		zap.Uint64("order_id", o.ID),
		zap.Uint64("block", block),
		zap.String("amount_in", amountIn.String()))
	return nil, nil
}
