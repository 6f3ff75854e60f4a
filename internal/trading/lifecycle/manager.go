// Package lifecycle drives the order state machine and coordinates
// settlement with the external balance ledger. It owns the per-pair
// serialization lock: every mutating operation on a pair (place, match,
// cancel, stop-trigger cancel) runs under that lock for the entire
// validate -> lock -> insert -> match -> settle sequence, including the
// ledger calls. Pairs process independently.
package lifecycle

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cantonex/engine/internal/ledger"
	"github.com/cantonex/engine/internal/trading/engine"
	"github.com/cantonex/engine/internal/trading/model"
	"github.com/cantonex/engine/internal/trading/orderbook"
	errs "github.com/cantonex/engine/pkg/errors"
	"github.com/cantonex/engine/pkg/metrics"
)

// Config holds the lifecycle manager's tunables.
type Config struct {
	// Pairs are the trading pairs bootstrapped at startup.
	Pairs []string
	// AllowDynamicPairs creates a book on first reference to an unknown
	// pair instead of rejecting the order.
	AllowDynamicPairs bool
	// MarketBuyBuffer pads the reference price when computing the quote
	// lock for a MARKET buy (e.g. 1.10 locks 110% of the reference).
	MarketBuyBuffer decimal.Decimal
	// TradeHistoryLimit caps the in-memory trade history kept per pair.
	TradeHistoryLimit int
}

// TradeSink receives every settled trade, e.g. for websocket fanout.
type TradeSink interface {
	PublishTrade(t *model.Trade)
}

// StopRegistry tracks stop conditions for resting orders.
type StopRegistry interface {
	Register(order *model.Order) error
	Unregister(orderID uuid.UUID)
}

// pairState is the unit of serialization: its mutex guards the book and
// trade history of one pair.
type pairState struct {
	mu     sync.Mutex
	book   *orderbook.OrderBook
	trades []*model.Trade
}

// Manager implements the order lifecycle state machine
// (PENDING_LOCK -> OPEN -> PARTIALLY_FILLED -> FILLED | CANCELLED, with
// REJECTED terminal before the order is ever visible) and acts as the
// settlement coordinator for the matching engine.
type Manager struct {
	log     *zap.Logger
	ledger  ledger.Client
	retry   ledger.RetryPolicy
	matcher *engine.Matcher
	cfg     Config

	sink  TradeSink
	stops StopRegistry

	mu     sync.RWMutex
	pairs  map[string]*pairState
	orders map[uuid.UUID]*model.Order

	seq atomic.Uint64
}

// NewManager builds a manager with books for the configured pairs.
func NewManager(log *zap.Logger, client ledger.Client, retry ledger.RetryPolicy, cfg Config) (*Manager, error) {
	if cfg.MarketBuyBuffer.LessThan(decimal.NewFromInt(1)) {
		cfg.MarketBuyBuffer = decimal.RequireFromString("1.1")
	}
	if cfg.TradeHistoryLimit <= 0 {
		cfg.TradeHistoryLimit = 1000
	}
	m := &Manager{
		log:     log,
		ledger:  client,
		retry:   retry,
		matcher: engine.NewMatcher(log),
		cfg:     cfg,
		pairs:   make(map[string]*pairState),
		orders:  make(map[uuid.UUID]*model.Order),
	}
	for _, pair := range cfg.Pairs {
		if _, _, err := model.SplitPair(pair); err != nil {
			return nil, err
		}
		m.pairs[pair] = &pairState{book: orderbook.NewOrderBook(pair)}
	}
	return m, nil
}

// SetTradeSink attaches an optional trade fanout. Not safe to call once
// orders are flowing.
func (m *Manager) SetTradeSink(sink TradeSink) { m.sink = sink }

// SetStopRegistry attaches the stop-loss monitor. Not safe to call once
// orders are flowing.
func (m *Manager) SetStopRegistry(stops StopRegistry) { m.stops = stops }

// PlaceOrder validates the order, locks the required balance, and runs
// it through the matching engine. The returned order snapshot reflects
// any immediate fills; returned trades are already settled.
func (m *Manager) PlaceOrder(ctx context.Context, owner, pair, side, kind string, price, quantity, stopPrice decimal.Decimal) (*model.Order, []*model.Trade, error) {
	start := time.Now()
	defer func() { metrics.OrderLatency.Observe(time.Since(start).Seconds()) }()

	now := time.Now()
	order := &model.Order{
		ID:        uuid.New(),
		Owner:     owner,
		Pair:      pair,
		Side:      side,
		Kind:      kind,
		Price:     price,
		Quantity:  quantity,
		Filled:    decimal.Zero,
		StopPrice: stopPrice,
		Status:    model.OrderStatusPendingLock,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if owner == "" {
		return nil, nil, m.reject(errs.Invalid("owner party identifier is required"))
	}
	if err := order.Validate(); err != nil {
		return nil, nil, m.reject(err)
	}

	ps, err := m.pairState(pair)
	if err != nil {
		return nil, nil, m.reject(err)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	lockAsset, lockAmount, lockPrice, err := m.lockRequirement(ctx, ps, order)
	if err != nil {
		return nil, nil, m.reject(err)
	}
	order.LockPrice = lockPrice

	// Lock success gates order visibility: until here the order does not
	// exist anywhere.
	err = m.retry.Do(ctx, m.log, "lock_balance", func(ctx context.Context) error {
		return m.ledger.LockBalance(ctx, owner, lockAsset, lockAmount, "lock:"+order.ID.String())
	})
	if err != nil {
		order.Status = model.OrderStatusRejected
		return nil, nil, m.reject(err)
	}

	order.Seq = m.seq.Add(1)
	order.Status = model.OrderStatusOpen
	err = m.retry.Do(ctx, m.log, "create_order_record", func(ctx context.Context) error {
		return m.ledger.CreateOrderRecord(ctx, order)
	})
	if err != nil {
		// The lock must not outlive an order that was never recorded.
		order.Status = model.OrderStatusRejected
		if uerr := m.unlockAmount(ctx, order, lockAsset, lockAmount, "unlock:"+order.ID.String()); uerr != nil {
			m.log.Error("failed to release lock for unrecorded order",
				zap.String("order_id", order.ID.String()), zap.Error(uerr))
		}
		return nil, nil, m.reject(err)
	}

	m.trackOrder(order)

	trades, matchErr := m.matcher.Match(ctx, ps.book, order, &pairSettler{m: m, ps: ps})
	m.syncCounterparties(ctx, trades, order)

	if matchErr != nil {
		// A settlement step failed and was rolled back. Cancel the
		// remainder so no phantom order rests while the ledger is unwell.
		m.cancelRemainderLocked(ctx, order)
		m.persistOrder(ctx, order)
		return order.Clone(), trades, matchErr
	}

	if order.Remaining().GreaterThan(decimal.Zero) {
		if order.Kind == model.OrderKindMarket {
			// MARKET orders never rest: the unfilled remainder is
			// cancelled and its lock released.
			m.cancelRemainderLocked(ctx, order)
		} else if ierr := ps.book.Insert(order); ierr != nil {
			m.log.Error("failed to rest remainder", zap.Error(ierr))
		}
	}

	m.persistOrder(ctx, order)

	if !order.IsTerminal() && order.StopPrice.IsPositive() && m.stops != nil {
		if serr := m.stops.Register(order); serr != nil {
			m.log.Warn("stop registration failed",
				zap.String("order_id", order.ID.String()), zap.Error(serr))
		}
	}

	metrics.OrdersProcessed.WithLabelValues(order.Side).Inc()
	return order.Clone(), trades, nil
}

// CancelOrder cancels the remaining quantity of an open order owned by
// owner and releases the remaining locked balance. Terminal orders
// return ALREADY_TERMINAL; unknown or foreign orders return NOT_FOUND.
func (m *Manager) CancelOrder(ctx context.Context, owner string, orderID uuid.UUID) error {
	order, ps := m.lookupOrder(orderID)
	if order == nil {
		return errs.NotFound("order %s not found", orderID)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	// Re-check under the pair lock: the order may have terminated while
	// we waited for an in-flight match.
	order, _ = m.lookupOrder(orderID)
	if order == nil {
		return errs.NotFound("order %s not found", orderID)
	}
	if order.Owner != owner {
		// Do not reveal other parties' orders.
		return errs.NotFound("order %s not found", orderID)
	}
	if order.IsTerminal() {
		return errs.AlreadyTerminal("order %s is %s", orderID, order.Status)
	}

	prevStatus := order.Status
	ps.book.Remove(orderID)
	order.Status = model.OrderStatusCancelled
	order.UpdatedAt = time.Now()

	asset, amount := m.remainingLock(order)
	if amount.IsPositive() {
		err := m.unlockAmount(ctx, order, asset, amount, "unlock:"+order.ID.String())
		if err != nil {
			// Leave the order live so the caller can retry the cancel;
			// funds must not stay locked behind a cancelled order.
			order.Status = prevStatus
			if ierr := ps.book.Insert(order); ierr != nil {
				m.log.Error("failed to restore order after unlock failure", zap.Error(ierr))
			}
			return err
		}
	}

	m.persistOrder(ctx, order)
	return nil
}

// OpenOrders returns snapshots of the owner's non-terminal orders,
// oldest first.
func (m *Manager) OpenOrders(owner string) []*model.Order {
	type entry struct {
		order *model.Order
		ps    *pairState
	}
	m.mu.RLock()
	entries := make([]entry, 0, 8)
	for _, o := range m.orders {
		if o.Owner == owner {
			entries = append(entries, entry{order: o, ps: m.pairs[o.Pair]})
		}
	}
	m.mu.RUnlock()

	out := make([]*model.Order, 0, len(entries))
	for _, e := range entries {
		e.ps.mu.Lock()
		out = append(out, e.order.Clone())
		e.ps.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// BookSnapshot is the aggregated depth view of one pair.
type BookSnapshot struct {
	Pair      string            `json:"pair"`
	Bids      []orderbook.Level `json:"bids"`
	Asks      []orderbook.Level `json:"asks"`
	Spread    *decimal.Decimal  `json:"spread,omitempty"`
	LastPrice *decimal.Decimal  `json:"last_price,omitempty"`
}

// OrderBookSnapshot aggregates the pair's book into depth rows at the
// given price precision. Read-only.
func (m *Manager) OrderBookSnapshot(pair string, depth int, precision int32) (*BookSnapshot, error) {
	ps, err := m.existingPairState(pair)
	if err != nil {
		return nil, err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	snap := &BookSnapshot{
		Pair: pair,
		Bids: ps.book.PriceLevels(model.OrderSideBuy, depth, precision),
		Asks: ps.book.PriceLevels(model.OrderSideSell, depth, precision),
	}
	if spread, ok := ps.book.Spread(); ok {
		snap.Spread = &spread
	}
	if last, ok := ps.book.LastTradedPrice(); ok {
		snap.LastPrice = &last
	}
	return snap, nil
}

// TradeHistory returns up to limit trades for the pair, newest first.
func (m *Manager) TradeHistory(pair string, limit int) ([]*model.Trade, error) {
	ps, err := m.existingPairState(pair)
	if err != nil {
		return nil, err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	n := len(ps.trades)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*model.Trade, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, ps.trades[i])
	}
	return out, nil
}

// LastPrice reports the pair's last traded price, used by the stop-loss
// monitor.
func (m *Manager) LastPrice(pair string) (decimal.Decimal, bool) {
	ps, err := m.existingPairState(pair)
	if err != nil {
		return decimal.Zero, false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.book.LastTradedPrice()
}

// Pairs lists the known trading pairs.
func (m *Manager) Pairs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pairs))
	for p := range m.pairs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Rehydrate rebuilds the books from the ledger's open order records.
// Must run before the engine serves traffic.
func (m *Manager) Rehydrate(ctx context.Context) error {
	var open []*model.Order
	err := m.retry.Do(ctx, m.log, "list_open_orders", func(ctx context.Context) error {
		var lerr error
		open, lerr = m.ledger.ListOpenOrders(ctx)
		return lerr
	})
	if err != nil {
		return err
	}

	sort.Slice(open, func(i, j int) bool {
		if open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].Seq < open[j].Seq
		}
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})

	restored := 0
	for _, o := range open {
		if o.Kind != model.OrderKindLimit || o.IsTerminal() {
			continue
		}
		ps, perr := m.pairState(o.Pair)
		if perr != nil {
			m.log.Warn("skipping open order with unknown pair",
				zap.String("order_id", o.ID.String()), zap.String("pair", o.Pair))
			continue
		}
		ps.mu.Lock()
		o.Seq = m.seq.Add(1)
		if ierr := ps.book.Insert(o); ierr != nil {
			ps.mu.Unlock()
			m.log.Warn("skipping unrestorable order",
				zap.String("order_id", o.ID.String()), zap.Error(ierr))
			continue
		}
		if last, ok, _ := m.ledger.GetLastTradedPrice(ctx, o.Pair); ok {
			if _, has := ps.book.LastTradedPrice(); !has {
				ps.book.SetLastTradedPrice(last)
			}
		}
		ps.mu.Unlock()
		m.trackOrder(o)
		if o.StopPrice.IsPositive() && m.stops != nil {
			if serr := m.stops.Register(o); serr != nil {
				m.log.Warn("stop re-registration failed",
					zap.String("order_id", o.ID.String()), zap.Error(serr))
			}
		}
		restored++
	}

	m.log.Info("order books rehydrated", zap.Int("orders", restored))
	return nil
}

// --- settlement ---

// pairSettler settles trades for one pair while its lock is held.
type pairSettler struct {
	m  *Manager
	ps *pairState
}

// SettleTrade atomically moves the base leg from the seller's locked
// holding to the buyer and the quote leg from the buyer's locked holding
// to the seller, then releases any price-improvement surplus the buyer
// had locked above the execution price.
func (s *pairSettler) SettleTrade(ctx context.Context, trade *model.Trade, buy, sell *model.Order) error {
	m := s.m
	base, quote, err := model.SplitPair(trade.Pair)
	if err != nil {
		return err
	}

	transfers := []ledger.Transfer{
		{From: sell.Owner, To: buy.Owner, Asset: base, Amount: trade.Quantity},
		{From: buy.Owner, To: sell.Owner, Asset: quote, Amount: trade.QuoteAmount()},
	}
	err = m.retry.Do(ctx, m.log, "transfer_locked", func(ctx context.Context) error {
		return m.ledger.TransferLockedBatch(ctx, transfers, "settle:"+trade.ID.String())
	})
	if err != nil {
		return err
	}

	// The buyer locked at LockPrice per unit; a maker-priced execution
	// below that leaves surplus quote locked against nothing.
	if buy.LockPrice.GreaterThan(trade.Price) {
		surplus := buy.LockPrice.Sub(trade.Price).Mul(trade.Quantity)
		uerr := m.retry.Do(ctx, m.log, "unlock_balance", func(ctx context.Context) error {
			return m.ledger.UnlockBalance(ctx, buy.Owner, quote, surplus, "improve:"+trade.ID.String())
		})
		if uerr != nil {
			// The trade already settled; surplus stays locked until the
			// ledger recovers. Logged as bug-class for reconciliation.
			m.log.Error("price-improvement unlock failed",
				zap.String("trade_id", trade.ID.String()),
				zap.String("buyer", buy.Owner),
				zap.Error(uerr))
		}
	}

	s.ps.trades = append(s.ps.trades, trade)
	if over := len(s.ps.trades) - m.cfg.TradeHistoryLimit; over > 0 {
		s.ps.trades = s.ps.trades[over:]
	}
	metrics.TradesExecuted.WithLabelValues(trade.Pair).Inc()
	if m.sink != nil {
		m.sink.PublishTrade(trade)
	}
	return nil
}

// --- internals ---

func (m *Manager) reject(err error) error {
	metrics.OrdersRejected.WithLabelValues(errs.KindOf(err)).Inc()
	return err
}

// lockRequirement computes which asset and amount must be locked before
// the order is accepted. SELL locks the base quantity; BUY locks quote
// at the limit price, or at a buffered reference price for MARKET buys.
func (m *Manager) lockRequirement(ctx context.Context, ps *pairState, order *model.Order) (asset string, amount, lockPrice decimal.Decimal, err error) {
	base, quote, err := model.SplitPair(order.Pair)
	if err != nil {
		return "", decimal.Zero, decimal.Zero, err
	}
	if order.Side == model.OrderSideSell {
		return base, order.Quantity, decimal.Zero, nil
	}
	if order.Kind == model.OrderKindLimit {
		return quote, order.Price.Mul(order.Quantity), order.Price, nil
	}

	// MARKET buy: lock a conservative upper bound over a reference
	// price, preferring the book's own last trade, then the best ask,
	// then the ledger's last traded price.
	ref, ok := ps.book.LastTradedPrice()
	if !ok {
		if ask := ps.book.BestAsk(); ask != nil {
			ref, ok = ask.Price, true
		}
	}
	if !ok {
		var ledgerLast decimal.Decimal
		var has bool
		lerr := m.retry.Do(ctx, m.log, "get_last_traded_price", func(ctx context.Context) error {
			var gerr error
			ledgerLast, has, gerr = m.ledger.GetLastTradedPrice(ctx, order.Pair)
			return gerr
		})
		if lerr == nil && has {
			ref, ok = ledgerLast, true
		}
	}
	if !ok {
		return "", decimal.Zero, decimal.Zero,
			errs.Invalid("no reference price for MARKET buy on %s", order.Pair)
	}
	lockPrice = ref.Mul(m.cfg.MarketBuyBuffer)
	return quote, lockPrice.Mul(order.Quantity), lockPrice, nil
}

// remainingLock returns the asset and amount still locked behind the
// order's unfilled quantity.
func (m *Manager) remainingLock(order *model.Order) (string, decimal.Decimal) {
	if order.Side == model.OrderSideSell {
		return order.BaseAsset(), order.Remaining()
	}
	return order.QuoteAsset(), order.Remaining().Mul(order.LockPrice)
}

func (m *Manager) unlockAmount(ctx context.Context, order *model.Order, asset string, amount decimal.Decimal, idemKey string) error {
	return m.retry.Do(ctx, m.log, "unlock_balance", func(ctx context.Context) error {
		return m.ledger.UnlockBalance(ctx, order.Owner, asset, amount, idemKey)
	})
}

// cancelRemainderLocked marks the order cancelled (or filled when
// nothing remains) and releases its remaining lock. Caller holds the
// pair lock.
func (m *Manager) cancelRemainderLocked(ctx context.Context, order *model.Order) {
	rem := order.Remaining()
	if rem.IsZero() {
		return
	}
	asset, amount := m.remainingLock(order)
	if amount.IsPositive() {
		if err := m.unlockAmount(ctx, order, asset, amount, "unlock:"+order.ID.String()); err != nil {
			m.log.Error("failed to unlock cancelled remainder",
				zap.String("order_id", order.ID.String()), zap.Error(err))
		}
	}
	order.Status = model.OrderStatusCancelled
	order.UpdatedAt = time.Now()
}

// syncCounterparties persists state changes of the makers touched by a
// match. The taker itself is persisted by the caller.
func (m *Manager) syncCounterparties(ctx context.Context, trades []*model.Trade, taker *model.Order) {
	seen := make(map[uuid.UUID]struct{}, len(trades))
	for _, t := range trades {
		counterID := t.BuyOrderID
		if counterID == taker.ID {
			counterID = t.SellOrderID
		}
		if _, done := seen[counterID]; done {
			continue
		}
		seen[counterID] = struct{}{}
		if maker, _ := m.lookupOrder(counterID); maker != nil {
			m.persistOrder(ctx, maker)
		}
	}
}

// persistOrder upserts the order record and, for terminal orders,
// archives it and drops all in-memory tracking. Failures here are
// logged, not surfaced: the trade or cancel already took effect.
func (m *Manager) persistOrder(ctx context.Context, order *model.Order) {
	err := m.retry.Do(ctx, m.log, "create_order_record", func(ctx context.Context) error {
		return m.ledger.CreateOrderRecord(ctx, order)
	})
	if err != nil {
		m.log.Error("failed to persist order record",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}
	if !order.IsTerminal() {
		return
	}
	err = m.retry.Do(ctx, m.log, "archive_order_record", func(ctx context.Context) error {
		return m.ledger.ArchiveOrderRecord(ctx, order.ID)
	})
	if err != nil {
		m.log.Error("failed to archive order record",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}
	if m.stops != nil {
		m.stops.Unregister(order.ID)
	}
	m.untrackOrder(order.ID)
}

func (m *Manager) trackOrder(order *model.Order) {
	m.mu.Lock()
	m.orders[order.ID] = order
	m.mu.Unlock()
}

func (m *Manager) untrackOrder(orderID uuid.UUID) {
	m.mu.Lock()
	delete(m.orders, orderID)
	m.mu.Unlock()
}

func (m *Manager) lookupOrder(orderID uuid.UUID) (*model.Order, *pairState) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	return o, m.pairs[o.Pair]
}

// pairState returns the state for pair, creating it when dynamic pairs
// are allowed.
func (m *Manager) pairState(pair string) (*pairState, error) {
	m.mu.RLock()
	ps, ok := m.pairs[pair]
	m.mu.RUnlock()
	if ok {
		return ps, nil
	}
	if _, _, err := model.SplitPair(pair); err != nil {
		return nil, err
	}
	if !m.cfg.AllowDynamicPairs {
		return nil, errs.NotFound("unknown trading pair %s", pair)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok = m.pairs[pair]; ok {
		return ps, nil
	}
	ps = &pairState{book: orderbook.NewOrderBook(pair)}
	m.pairs[pair] = ps
	return ps, nil
}

func (m *Manager) existingPairState(pair string) (*pairState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps, ok := m.pairs[pair]
	if !ok {
		return nil, errs.NotFound("unknown trading pair %s", pair)
	}
	return ps, nil
}
