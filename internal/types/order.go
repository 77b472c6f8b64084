package types

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nirre55/trading-engine/pkg/errors"
)

type OrderSide string

type OrderType string

type OrderStatus string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// EntrySide maps a trade direction to the order side that opens it.
func EntrySide(d Direction) OrderSide {
	if d == DirectionLong {
		return OrderSideBuy
	}

	return OrderSideSell
}

// CloseSide maps a trade direction to the order side that closes it.
func CloseSide(d Direction) OrderSide {
	if d == DirectionLong {
		return OrderSideSell
	}

	return OrderSideBuy
}

// Order is a single exchange order owned by the Trade that created it. Status
// transitions happen only via gateway polling or fill detection.
type Order struct {
	ExchangeOrderID int64       `json:"exchange_order_id"`
	Symbol          string      `json:"symbol" validate:"required"`
	Side            OrderSide   `json:"side" validate:"required,oneof=BUY SELL"`
	Type            OrderType   `json:"type" validate:"required,oneof=MARKET LIMIT STOP_MARKET"`
	Quantity        float64     `json:"quantity" validate:"required,gt=0"`
	// Price is the limit price; zero for market orders.
	Price float64 `json:"price"`
	// StopPrice is the trigger price for stop-market orders.
	StopPrice    float64     `json:"stop_price"`
	Status       OrderStatus `json:"status"`
	FilledQty    float64     `json:"filled_qty"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	CreatedAt    time.Time   `json:"created_at"`
}

// OrderRequest describes an order to be placed through the gateway.
type OrderRequest struct {
	Symbol    string    `json:"symbol" validate:"required"`
	Side      OrderSide `json:"side" validate:"required,oneof=BUY SELL"`
	Type      OrderType `json:"type" validate:"required,oneof=MARKET LIMIT STOP_MARKET"`
	Quantity  float64   `json:"quantity" validate:"required,gt=0"`
	Price     float64   `json:"price" validate:"required_if=Type LIMIT"`
	StopPrice float64   `json:"stop_price" validate:"required_if=Type STOP_MARKET"`
	// ReduceOnly marks protection/exit orders so they can never flip the position.
	ReduceOnly bool `json:"reduce_only"`
}

// Validate checks the request shape before it reaches the exchange.
func (r *OrderRequest) Validate() error {
	validate := validator.New()
	if err := validate.Struct(r); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrder, "invalid order request", err)
	}

	return nil
}
