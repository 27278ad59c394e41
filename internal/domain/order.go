package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// OrderStatus is the lifecycle state reported by the broker.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusPartial  OrderStatus = "partial"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// OrderRequest is what a caller submits to place an order. Symbol, Type,
// Side and Size are required; the facade validates them before enqueueing.
type OrderRequest struct {
	ClientOrderID string           `json:"client_order_id,omitempty"`
	Symbol        string           `json:"symbol"`
	Type          OrderType        `json:"type"`
	Side          Side             `json:"side"`
	Size          decimal.Decimal  `json:"size"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
}

// Validate rejects requests the broker would refuse anyway.
func (r *OrderRequest) Validate() error {
	if r.Symbol == "" {
		return errors.New("order symbol is required")
	}
	switch r.Side {
	case SideBuy, SideSell:
	default:
		return errors.Errorf("invalid order side: %q", r.Side)
	}
	switch r.Type {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop:
	default:
		return errors.Errorf("invalid order type: %q", r.Type)
	}
	if !r.Size.IsPositive() {
		return errors.New("order size must be positive")
	}
	if r.Type != OrderTypeMarket {
		if r.Price == nil || !r.Price.IsPositive() {
			return errors.Errorf("%s orders require a positive price", r.Type)
		}
	}
	return nil
}

// Order is the broker's record of a placed order.
type Order struct {
	OrderID       string           `json:"order_id"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
	Symbol        string           `json:"symbol"`
	Type          OrderType        `json:"type"`
	Side          Side             `json:"side"`
	Size          decimal.Decimal  `json:"size"`
	FilledSize    decimal.Decimal  `json:"filled_size"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
	Status        OrderStatus      `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// IsOpen reports whether the order is still working on the book.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartial
}

// IsFinal reports whether the order reached a terminal state.
func (o *Order) IsFinal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}
