// Package engine implements the matching algorithm. Given an incoming
// taker order and the pair's book it repeatedly pairs the taker with
// the best crossing maker, settles each trade through the Settler
// before committing the step, and leaves remainders resting.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cantonex/engine/internal/trading/model"
	"github.com/cantonex/engine/internal/trading/orderbook"
	errs "github.com/cantonex/engine/pkg/errors"
)

// Settler executes the asset transfers backing one trade. It is called
// once per match step, before the step commits: when it errors the step
// is rolled back and matching stops, so a trade record never exists
// without its transfers.
type Settler interface {
	SettleTrade(ctx context.Context, trade *model.Trade, buy, sell *model.Order) error
}

// Matcher runs the crossing loop for one taker at a time. It holds no
// state of its own; serialization is the caller's per-pair lock.
type Matcher struct {
	log *zap.Logger
}

func NewMatcher(log *zap.Logger) *Matcher {
	return &Matcher{log: log}
}

// Match crosses the taker against the book until no eligible maker
// remains or the taker is filled. Maker orders that become fully filled
// are removed from the book and marked FILLED; partial fills keep their
// place and price. The taker is never inserted here.
//
// On a settlement failure the in-flight step is undone and the error is
// returned together with the trades already committed.
func (m *Matcher) Match(ctx context.Context, book *orderbook.OrderBook, taker *model.Order, settler Settler) ([]*model.Trade, error) {
	var trades []*model.Trade

	for taker.Remaining().GreaterThan(decimal.Zero) {
		maker := m.bestCounter(book, taker)
		if maker == nil {
			break
		}

		qty := decimal.Min(taker.Remaining(), maker.Remaining())
		if qty.LessThanOrEqual(decimal.Zero) {
			return trades, errs.Internal(nil, "match computed non-positive quantity")
		}

		// The maker was resting first: the trade prints at its price and
		// the taker keeps any improvement.
		trade := &model.Trade{
			ID:        uuid.New(),
			Pair:      taker.Pair,
			Price:     maker.Price,
			Quantity:  qty,
			CreatedAt: time.Now(),
		}
		buy, sell := taker, maker
		if taker.Side == model.OrderSideSell {
			buy, sell = maker, taker
		}
		trade.BuyOrderID, trade.SellOrderID = buy.ID, sell.ID
		trade.Buyer, trade.Seller = buy.Owner, sell.Owner

		taker.Filled = taker.Filled.Add(qty)
		maker.Filled = maker.Filled.Add(qty)

		if err := settler.SettleTrade(ctx, trade, buy, sell); err != nil {
			// Undo this step; earlier steps already settled and stand.
			taker.Filled = taker.Filled.Sub(qty)
			maker.Filled = maker.Filled.Sub(qty)
			m.log.Error("settlement failed, match step rolled back",
				zap.String("pair", taker.Pair),
				zap.String("trade_id", trade.ID.String()),
				zap.Error(err))
			return trades, err
		}

		now := time.Now()
		m.applyFillStatus(maker, now)
		m.applyFillStatus(taker, now)
		if maker.Remaining().IsZero() {
			book.Remove(maker.ID)
		}
		book.SetLastTradedPrice(trade.Price)
		trades = append(trades, trade)

		if taker.Filled.GreaterThan(taker.Quantity) || maker.Filled.GreaterThan(maker.Quantity) {
			return trades, errs.Internal(nil, "fill exceeds order quantity")
		}
	}

	return trades, nil
}

// bestCounter returns the highest-priority maker the taker may trade
// with. Orders owned by the taker's party are skipped and matching
// continues at the next maker or price level; a non-self maker that no
// longer crosses ends the search, since later prices are strictly worse.
func (m *Matcher) bestCounter(book *orderbook.OrderBook, taker *model.Order) *model.Order {
	counterSide := model.OrderSideSell
	if taker.Side == model.OrderSideSell {
		counterSide = model.OrderSideBuy
	}

	var maker *model.Order
	book.ScanSide(counterSide, func(o *model.Order) bool {
		if o.Owner == taker.Owner {
			return true // self-trade prevention: skip and continue
		}
		if !crosses(taker, o) {
			return false
		}
		maker = o
		return false
	})
	return maker
}

// crosses reports whether the taker's price is compatible with the
// maker's. MARKET takers cross any maker.
func crosses(taker, maker *model.Order) bool {
	if taker.Kind == model.OrderKindMarket {
		return true
	}
	if taker.Side == model.OrderSideBuy {
		return taker.Price.GreaterThanOrEqual(maker.Price)
	}
	return taker.Price.LessThanOrEqual(maker.Price)
}

func (m *Matcher) applyFillStatus(o *model.Order, at time.Time) {
	if o.Remaining().IsZero() {
		o.Status = model.OrderStatusFilled
	} else {
		o.Status = model.OrderStatusPartiallyFilled
	}
	o.UpdatedAt = at
}
