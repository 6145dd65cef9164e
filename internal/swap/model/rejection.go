package model

import "fmt"

// Reason identifies why an order was rejected or dropped.
type Reason uint8

const (
	ReasonBadBounds Reason = iota + 1
	ReasonBadSignature
	ReasonExpired
	ReasonStaleNonce
	ReasonInsufficientBalance
	ReasonInsufficientAllowance
	ReasonSettlementFailure
	ReasonLedgerUnavailable
)

var reasonNames = map[Reason]string{
	ReasonBadBounds:             "bad_bounds",
	ReasonBadSignature:          "bad_signature",
	ReasonExpired:               "expired",
	ReasonStaleNonce:            "stale_nonce",
	ReasonInsufficientBalance:   "insufficient_balance",
	ReasonInsufficientAllowance: "insufficient_allowance",
	ReasonSettlementFailure:     "settlement_failure",
	ReasonLedgerUnavailable:     "ledger_unavailable",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// MarshalText renders the reason by name for JSON payloads.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Class groups reasons by how the order's owner has to react.
type Class uint8

const (
	// ClassStructural orders are malformed and never retried.
	ClassStructural Class = iota + 1
	// ClassStale orders were valid once; the user must resubmit.
	ClassStale
	// ClassSettlement orders took part in a failed on-chain settlement.
	ClassSettlement
	// ClassTransient rejections come from ledger outages; the order stays.
	ClassTransient
)

func (c Class) String() string {
	switch c {
	case ClassStructural:
		return "structural"
	case ClassStale:
		return "stale"
	case ClassSettlement:
		return "settlement"
	case ClassTransient:
		return "transient"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Class returns the taxonomy bucket of the reason.
func (r Reason) Class() Class {
	switch r {
	case ReasonBadBounds, ReasonBadSignature:
		return ClassStructural
	case ReasonExpired, ReasonStaleNonce, ReasonInsufficientBalance, ReasonInsufficientAllowance:
		return ClassStale
	case ReasonSettlementFailure:
		return ClassSettlement
	default:
		return ClassTransient
	}
}

// Rejection is a structured rejection value. It implements error so it
// can travel through error returns at the boundary.
type Rejection struct {
	Reason Reason `json:"reason"`
	Class  Class  `json:"class"`
	Detail string `json:"detail,omitempty"`
}

// Reject builds a rejection for reason with a formatted detail.
func Reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{
		Reason: reason,
		Class:  reason.Class(),
		Detail: fmt.Sprintf(format, args...),
	}
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return r.Reason.String()
	}
	return r.Reason.String() + ": " + r.Detail
}
