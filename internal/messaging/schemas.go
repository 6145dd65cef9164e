package messaging

import (
	"strconv"
	"time"

	"github.com/Aidin1998/sigswap/internal/swap/events"
	"github.com/Aidin1998/sigswap/internal/swap/pricing"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MessageType defines the type of message being sent
type MessageType string

const (
	// Order Events
	MsgOrderAccepted  MessageType = "order.accepted"
	MsgOrderCancelled MessageType = "order.cancelled"
	MsgOrderRejected  MessageType = "order.rejected"
	MsgOrderDeferred  MessageType = "order.deferred"

	// Trade Events
	MsgTradeSettled MessageType = "trade.settled"
)

// Topic is a Kafka topic name.
type Topic string

const (
	TopicOrderEvents Topic = "sigswap.order-events"
	TopicTradeEvents Topic = "sigswap.trade-events"
)

// BaseMessage contains common fields for all messages
type BaseMessage struct {
	MessageID string      `json:"message_id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Version   string      `json:"version"`
	Source    string      `json:"source"`
}

// OrderEventMessage represents order-related events
type OrderEventMessage struct {
	BaseMessage
	OrderID         string          `json:"order_id"`
	User            string          `json:"user"`
	TokenIn         string          `json:"token_in"`
	TokenOut        string          `json:"token_out"`
	MinAmountIn     string          `json:"min_amount_in"`
	MaxAmountIn     string          `json:"max_amount_in"`
	PriceX96        string          `json:"price_x96"`
	Price           decimal.Decimal `json:"price"`
	MaxSlippageBps  uint32          `json:"max_slippage_bps"`
	Nonce           string          `json:"nonce"`
	ExpirationBlock uint64          `json:"expiration_block"`
	Reason          string          `json:"reason,omitempty"`
	Class           string          `json:"class,omitempty"`
	Detail          string          `json:"detail,omitempty"`
}

// TradeEventMessage represents a settled match
type TradeEventMessage struct {
	BaseMessage
	TradeID     string          `json:"trade_id"`
	OrderAID    string          `json:"order_a_id"`
	OrderBID    string          `json:"order_b_id"`
	UserA       string          `json:"user_a"`
	UserB       string          `json:"user_b"`
	TokenA      string          `json:"token_a"`
	TokenB      string          `json:"token_b"`
	AmountInA   string          `json:"amount_in_a"`
	AmountInB   string          `json:"amount_in_b"`
	Price       decimal.Decimal `json:"price"`
	TxHash      string          `json:"tx_hash,omitempty"`
	BlockNumber uint64          `json:"block_number,omitempty"`
	GasUsed     uint64          `json:"gas_used,omitempty"`
}

// GetTopic returns the appropriate topic for a message type
func GetTopic(msgType MessageType) Topic {
	switch msgType {
	case MsgTradeSettled:
		return TopicTradeEvents
	default:
		return TopicOrderEvents
	}
}

// NewBaseMessage creates a new base message with common fields
func NewBaseMessage(msgType MessageType, source string, at time.Time) BaseMessage {
	if at.IsZero() {
		at = time.Now()
	}
	return BaseMessage{
		MessageID: uuid.New().String(),
		Type:      msgType,
		Timestamp: at.UTC(),
		Version:   "1.0",
		Source:    source,
	}
}

var orderTypes = map[events.Kind]MessageType{
	events.OrderAccepted:  MsgOrderAccepted,
	events.OrderCancelled: MsgOrderCancelled,
	events.OrderRejected:  MsgOrderRejected,
	events.OrderDeferred:  MsgOrderDeferred,
}

// FromEvent converts a core event into a message, its topic and its
// partition key. ok is false for events that carry nothing to publish.
func FromEvent(e events.Event, source string) (msg any, topic Topic, key string, ok bool) {
	if e.Kind == events.MatchSettled {
		if e.Match == nil {
			return nil, "", "", false
		}
		m := NewTradeEventMessage(e, source)
		return m, GetTopic(m.Type), m.TradeID, true
	}
	msgType, known := orderTypes[e.Kind]
	if !known || e.Order == nil {
		return nil, "", "", false
	}
	o := e.Order
	m := &OrderEventMessage{
		BaseMessage:     NewBaseMessage(msgType, source, e.Time),
		OrderID:         strconv.FormatUint(o.ID, 10),
		User:            o.User.Hex(),
		TokenIn:         o.TokenIn.Hex(),
		TokenOut:        o.TokenOut.Hex(),
		MinAmountIn:     o.MinAmountIn.String(),
		MaxAmountIn:     o.MaxAmountIn.String(),
		PriceX96:        o.PriceX96.String(),
		Price:           pricing.Decimal(o.PriceX96),
		MaxSlippageBps:  o.MaxSlippageBps,
		Nonce:           o.Nonce.String(),
		ExpirationBlock: o.ExpirationBlock,
	}
	if e.Rejection != nil {
		m.Reason = e.Rejection.Reason.String()
		m.Class = e.Rejection.Class.String()
		m.Detail = e.Rejection.Detail
	}
	return m, GetTopic(msgType), o.User.Hex(), true
}

// NewTradeEventMessage builds the message for a MatchSettled event.
func NewTradeEventMessage(e events.Event, source string) *TradeEventMessage {
	c := e.Match
	m := &TradeEventMessage{
		BaseMessage: NewBaseMessage(MsgTradeSettled, source, e.Time),
		TradeID:     uuid.New().String(),
		OrderAID:    strconv.FormatUint(c.OrderA.ID, 10),
		OrderBID:    strconv.FormatUint(c.OrderB.ID, 10),
		UserA:       c.OrderA.User.Hex(),
		UserB:       c.OrderB.User.Hex(),
		TokenA:      c.OrderA.TokenIn.Hex(),
		TokenB:      c.OrderA.TokenOut.Hex(),
		AmountInA:   c.AmountInA.String(),
		AmountInB:   c.AmountInB.String(),
		Price:       pricing.Rate(c.AmountInA, c.AmountInB),
	}
	if e.Receipt != nil {
		m.TradeID = e.Receipt.TxHash.Hex()
		m.TxHash = e.Receipt.TxHash.Hex()
		m.BlockNumber = e.Receipt.BlockNumber
		m.GasUsed = e.Receipt.GasUsed
	}
	return m
}
