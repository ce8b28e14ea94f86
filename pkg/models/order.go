package models

import (
	"time"
)

type Order struct {
	OrderID     string      `json:"order_id"`
	Owner       string      `json:"owner"`
	Instrument  Instrument  `json:"instrument"`
	Side        OrderSide   `json:"side"`
	Type        OrderType   `json:"type"`
	Quantity    float64     `json:"quantity"`
	LimitPrice  float64     `json:"limit_price,omitempty"`
	FillPrice   float64     `json:"fill_price,omitempty"`
	Status      OrderStatus `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	RequestedAt time.Time   `json:"requested_at"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Sign is +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled || s == OrderStatusRejected
}

// Rejection reasons recorded on orders.
const (
	ReasonInvalidSide      = "invalid_side"
	ReasonInvalidQuantity  = "invalid_quantity"
	ReasonInvalidPrice     = "invalid_price"
	ReasonInsufficientCash = "insufficient_cash"
	ReasonExposureLimit    = "exposure_limit"
	ReasonUncoveredShort   = "uncovered_option_short"
	ReasonContractExpired  = "contract_expired"
	ReasonNoQuote          = "no_quote"
	ReasonUnknownAccount   = "unknown_account"
	ReasonInvalidOrderType = "invalid_order_type"
)

type OrderRequest struct {
	Owner      string
	Instrument Instrument
	Side       OrderSide
	Type       OrderType
	Quantity   float64
	LimitPrice float64
}

// Fill is the record of an order converting to filled. Replaying the fills
// of an account in order reproduces its ledger.
type Fill struct {
	OrderID    string     `json:"order_id" csv:"order_id" structs:"order_id"`
	Owner      string     `json:"owner" csv:"owner" structs:"owner"`
	Instrument Instrument `json:"instrument" csv:"-" structs:"-"`
	Symbol     string     `json:"-" csv:"symbol" structs:"symbol"`
	Side       OrderSide  `json:"side" csv:"side" structs:"side"`
	Quantity   float64    `json:"quantity" csv:"quantity" structs:"quantity"`
	Price      float64    `json:"price" csv:"price" structs:"price"`
	Time       time.Time  `json:"time" csv:"time" structs:"-"`
}
