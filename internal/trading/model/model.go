package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	errs "github.com/cantonex/engine/pkg/errors"
)

// Constants for order sides, kinds and statuses
const (
	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Order kinds
	OrderKindLimit  = "LIMIT"
	OrderKindMarket = "MARKET"

	// Order statuses
	OrderStatusPendingLock     = "PENDING_LOCK"
	OrderStatusOpen            = "OPEN"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"
)

// Order represents a trading order in the system.
type Order struct {
	ID        uuid.UUID       `json:"id"`
	Owner     string          `json:"owner"`
	Pair      string          `json:"pair"`
	Side      string          `json:"side"`
	Kind      string          `json:"kind"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Filled    decimal.Decimal `json:"filled"`
	Status    string          `json:"status"`
	StopPrice decimal.Decimal `json:"stop_price,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	// LockPrice is the per-unit quote price the balance lock was computed
	// with. For LIMIT buys it equals Price; for MARKET buys it is the
	// reference price padded by the configured buffer. Zero for sells.
	LockPrice decimal.Decimal `json:"-"`

	// Seq is a process-wide monotonic sequence number assigned on
	// acceptance, used for time priority within a price level.
	Seq uint64 `json:"-"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// IsTerminal reports whether the order can never fill again.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Validate checks order fields before the order becomes visible anywhere.
func (o *Order) Validate() error {
	if o.Side != OrderSideBuy && o.Side != OrderSideSell {
		return errs.Invalid("side must be BUY or SELL, got %q", o.Side)
	}
	if o.Kind != OrderKindLimit && o.Kind != OrderKindMarket {
		return errs.Invalid("kind must be LIMIT or MARKET, got %q", o.Kind)
	}
	if o.Quantity.LessThanOrEqual(decimal.Zero) {
		return errs.Invalid("quantity must be positive, got %s", o.Quantity)
	}
	if o.Kind == OrderKindLimit && o.Price.LessThanOrEqual(decimal.Zero) {
		return errs.Invalid("limit orders require a positive price, got %s", o.Price)
	}
	if o.StopPrice.IsNegative() {
		return errs.Invalid("stop price must not be negative, got %s", o.StopPrice)
	}
	if _, _, err := SplitPair(o.Pair); err != nil {
		return err
	}
	return nil
}

// BaseAsset returns the base currency of the order's pair ("BTC" for "BTC/USDT").
func (o *Order) BaseAsset() string {
	base, _, _ := SplitPair(o.Pair)
	return base
}

// QuoteAsset returns the quote currency of the order's pair ("USDT" for "BTC/USDT").
func (o *Order) QuoteAsset() string {
	_, quote, _ := SplitPair(o.Pair)
	return quote
}

// Clone returns a copy safe to hand to callers outside the pair lock.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// SplitPair splits a "BASE/QUOTE" trading pair symbol into its assets.
func SplitPair(pair string) (base, quote string, err error) {
	base, quote, ok := strings.Cut(pair, "/")
	if !ok || base == "" || quote == "" || base == quote {
		return "", "", errs.Invalid("malformed trading pair %q, want BASE/QUOTE", pair)
	}
	return base, quote, nil
}

// Trade represents a single match between a buy and a sell order.
// Trades are immutable once created.
type Trade struct {
	ID          uuid.UUID       `json:"id"`
	BuyOrderID  uuid.UUID       `json:"buy_order_id"`
	SellOrderID uuid.UUID       `json:"sell_order_id"`
	Buyer       string          `json:"buyer"`
	Seller      string          `json:"seller"`
	Pair        string          `json:"pair"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	CreatedAt   time.Time       `json:"created_at"`
}

// QuoteAmount returns price * quantity, the quote-asset leg of the trade.
func (t *Trade) QuoteAmount() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}
