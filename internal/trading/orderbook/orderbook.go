// Package orderbook implements the per-pair central limit order book:
// two btree-indexed sides of price levels holding resting LIMIT orders
// in price-time priority. MARKET orders never rest here.
//
// The book itself is not goroutine safe. All access is serialized by
// the lifecycle manager's per-pair lock, which is held for the whole
// validate -> lock -> insert -> match -> settle sequence.
package orderbook

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/cantonex/engine/internal/trading/model"
	errs "github.com/cantonex/engine/pkg/errors"
)

// priceLevel holds the FIFO queue of resting orders at one price.
type priceLevel struct {
	price  decimal.Decimal
	orders []*model.Order
}

func (pl *priceLevel) remove(orderID uuid.UUID) bool {
	for i, o := range pl.orders {
		if o.ID == orderID {
			pl.orders = append(pl.orders[:i], pl.orders[i+1:]...)
			return true
		}
	}
	return false
}

// Level is one aggregated depth row of the book view.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// OrderBook keeps the resting orders of a single trading pair.
type OrderBook struct {
	Pair string

	bids *btree.BTreeG[*priceLevel]
	asks *btree.BTreeG[*priceLevel]

	byID map[uuid.UUID]*model.Order

	lastTraded decimal.Decimal
	hasTraded  bool
}

func byPrice(a, b *priceLevel) bool { return a.price.LessThan(b.price) }

// NewOrderBook creates an empty book for the pair.
func NewOrderBook(pair string) *OrderBook {
	return &OrderBook{
		Pair: pair,
		bids: btree.NewBTreeG(byPrice),
		asks: btree.NewBTreeG(byPrice),
		byID: make(map[uuid.UUID]*model.Order),
	}
}

// Insert places a LIMIT order at the back of its price level's queue.
func (ob *OrderBook) Insert(order *model.Order) error {
	if order.Kind != model.OrderKindLimit {
		return errs.Internal(nil, "only limit orders may rest on the book")
	}
	if _, dup := ob.byID[order.ID]; dup {
		return errs.Internal(nil, "order already resting: "+order.ID.String())
	}
	side := ob.sideOf(order.Side)
	probe := &priceLevel{price: order.Price}
	level, ok := side.Get(probe)
	if !ok {
		level = &priceLevel{price: order.Price}
		side.Set(level)
	}
	level.orders = append(level.orders, order)
	ob.byID[order.ID] = order
	return nil
}

// Remove takes an order off the book, dropping its price level when it
// becomes empty.
func (ob *OrderBook) Remove(orderID uuid.UUID) (*model.Order, bool) {
	order, ok := ob.byID[orderID]
	if !ok {
		return nil, false
	}
	side := ob.sideOf(order.Side)
	probe := &priceLevel{price: order.Price}
	if level, found := side.Get(probe); found {
		level.remove(orderID)
		if len(level.orders) == 0 {
			side.Delete(level)
		}
	}
	delete(ob.byID, orderID)
	return order, true
}

// Get returns the resting order by ID.
func (ob *OrderBook) Get(orderID uuid.UUID) (*model.Order, bool) {
	o, ok := ob.byID[orderID]
	return o, ok
}

// Len returns the number of resting orders on one side.
func (ob *OrderBook) Len(side string) int {
	n := 0
	ob.ScanSide(side, func(*model.Order) bool {
		n++
		return true
	})
	return n
}

// BestBid returns the highest-priced resting buy order, earliest first
// at that price.
func (ob *OrderBook) BestBid() *model.Order {
	var best *model.Order
	ob.bids.Reverse(func(level *priceLevel) bool {
		if len(level.orders) > 0 {
			best = level.orders[0]
			return false
		}
		return true
	})
	return best
}

// BestAsk returns the lowest-priced resting sell order, earliest first
// at that price.
func (ob *OrderBook) BestAsk() *model.Order {
	var best *model.Order
	ob.asks.Scan(func(level *priceLevel) bool {
		if len(level.orders) > 0 {
			best = level.orders[0]
			return false
		}
		return true
	})
	return best
}

// ScanSide visits resting orders of a side in matching priority order:
// bids by price descending, asks by price ascending, time ascending
// within a level. The callback returns false to stop.
func (ob *OrderBook) ScanSide(side string, fn func(*model.Order) bool) {
	visit := func(level *priceLevel) bool {
		for _, o := range level.orders {
			if !fn(o) {
				return false
			}
		}
		return true
	}
	if side == model.OrderSideBuy {
		ob.bids.Reverse(visit)
	} else {
		ob.asks.Scan(visit)
	}
}

// PriceLevels aggregates one side of the book into at most depth rows,
// grouping orders whose prices round to the same value at the given
// decimal precision. Bids round down and asks round up so the displayed
// depth never looks better than the book. Read-only.
func (ob *OrderBook) PriceLevels(side string, depth int, precision int32) []Level {
	if depth <= 0 {
		return nil
	}
	levels := make([]Level, 0, depth)
	ob.ScanSide(side, func(o *model.Order) bool {
		var p decimal.Decimal
		if side == model.OrderSideBuy {
			p = o.Price.RoundFloor(precision)
		} else {
			p = o.Price.RoundCeil(precision)
		}
		n := len(levels)
		if n > 0 && levels[n-1].Price.Equal(p) {
			levels[n-1].Quantity = levels[n-1].Quantity.Add(o.Remaining())
			levels[n-1].Orders++
			return true
		}
		if n == depth {
			return false
		}
		levels = append(levels, Level{Price: p, Quantity: o.Remaining(), Orders: 1})
		return true
	})
	return levels
}

// Spread returns best ask minus best bid when both sides are populated.
func (ob *OrderBook) Spread() (decimal.Decimal, bool) {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid == nil || ask == nil {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// LastTradedPrice returns the most recent execution price on this book.
func (ob *OrderBook) LastTradedPrice() (decimal.Decimal, bool) {
	return ob.lastTraded, ob.hasTraded
}

// SetLastTradedPrice records an execution price.
func (ob *OrderBook) SetLastTradedPrice(p decimal.Decimal) {
	ob.lastTraded = p
	ob.hasTraded = true
}

func (ob *OrderBook) sideOf(side string) *btree.BTreeG[*priceLevel] {
	if side == model.OrderSideBuy {
		return ob.bids
	}
	return ob.asks
}
