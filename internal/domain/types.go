package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus represents the lifecycle state of an order.
//
// CANCELLED is part of the status domain but no path in this service
// produces it; cancellation is handled outside the matching pipeline.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

// Order represents a limit order as persisted in the order store.
// Prices and quantities are exact decimals; FilledQuantity is cumulative
// and never decreases.
type Order struct {
	ID             string          `json:"id"`
	UserID         int64           `json:"userId"`
	TradingPair    string          `json:"tradingPair"`
	Side           Side            `json:"side"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	Status         OrderStatus     `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Trade represents one matched cross. Price is always the resting (maker)
// order's price, never the taker's. Immutable once created.
type Trade struct {
	ID          string          `json:"id"`
	TradingPair string          `json:"tradingPair"`
	BuyOrderID  string          `json:"buyOrderId"`
	SellOrderID string          `json:"sellOrderId"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// OrderSubmitted is the payload carried on the orders.new topic,
// keyed by trading pair. IDs are assigned upstream by the submission
// service, not by the engine.
type OrderSubmitted struct {
	ID          string          `json:"id"`
	UserID      int64           `json:"userId"`
	TradingPair string          `json:"tradingPair"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// Validate rejects payloads that fail schema validation instead of
// best-effort casting them into the engine.
func (s *OrderSubmitted) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("order id is empty")
	}
	if s.TradingPair == "" {
		return fmt.Errorf("trading pair is empty")
	}
	if s.Side != SideBuy && s.Side != SideSell {
		return fmt.Errorf("invalid side %q", s.Side)
	}
	if !s.Price.IsPositive() {
		return fmt.Errorf("price must be positive, got %s", s.Price)
	}
	if !s.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s", s.Quantity)
	}
	return nil
}

// TradeExecuted is the payload carried on the trades.executed topic,
// keyed by trading pair: the trade row plus the derived aggressor side.
type TradeExecuted struct {
	Trade
	AggressorType Side `json:"aggressorType"`
}

// BookLevel is one resting order's slice of the rendered order book.
type BookLevel struct {
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"` // remaining, not original
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	Status         OrderStatus     `json:"status"`
}

// BookSnapshot is the rendered bid/ask view served to clients and cached
// in Redis. Bids are sorted by price descending, asks ascending.
type BookSnapshot struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

// Candlestick represents OHLCV data for a one-minute interval.
type Candlestick struct {
	TradingPair string          `json:"tradingPair"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	Timestamp   time.Time       `json:"timestamp"`
	Interval    string          `json:"interval"`
}
