// Package trigger implements the stop-loss monitor: a fixed-interval
// watcher that compares each registered stop order's threshold against
// the pair's last traded price and cancels the order on a breach.
// Trigger latency is bounded by the tick interval.
package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cantonex/engine/internal/trading/model"
	errs "github.com/cantonex/engine/pkg/errors"
	"github.com/cantonex/engine/pkg/metrics"
)

// Direction of the price breach that fires a condition.
const (
	DirectionBelow = "below" // sell-stop: fires when price <= stop
	DirectionAbove = "above" // buy-stop: fires when price >= stop
)

// PriceSource reports the last traded price per pair.
type PriceSource interface {
	LastPrice(pair string) (decimal.Decimal, bool)
}

// Canceller cancels orders on behalf of their owner. Cancellation goes
// through the lifecycle manager so the tick never races a match on the
// same pair: it queues on the same per-pair lock.
type Canceller interface {
	CancelOrder(ctx context.Context, owner string, orderID uuid.UUID) error
}

// Condition is one registered stop order.
type Condition struct {
	OrderID   uuid.UUID       `json:"order_id"`
	Owner     string          `json:"owner"`
	Pair      string          `json:"pair"`
	StopPrice decimal.Decimal `json:"stop_price"`
	Direction string          `json:"direction"`
	CreatedAt time.Time       `json:"created_at"`
}

// Monitor watches registered stop conditions on a fixed interval.
type Monitor struct {
	logger    *zap.SugaredLogger
	prices    PriceSource
	canceller Canceller

	mu         sync.RWMutex
	conditions map[uuid.UUID]*Condition

	interval      time.Duration
	maxConditions int

	running  int32
	stopChan chan struct{}
	workerWg sync.WaitGroup
}

// NewMonitor creates a stop-loss monitor ticking at interval.
func NewMonitor(logger *zap.SugaredLogger, prices PriceSource, canceller Canceller, interval time.Duration, maxConditions int) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	if maxConditions <= 0 {
		maxConditions = 10000
	}
	return &Monitor{
		logger:        logger,
		prices:        prices,
		canceller:     canceller,
		conditions:    make(map[uuid.UUID]*Condition),
		interval:      interval,
		maxConditions: maxConditions,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the monitoring loop.
func (tm *Monitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&tm.running, 0, 1) {
		return nil // Already running
	}
	tm.logger.Infow("Starting stop-loss monitor", "interval", tm.interval)
	tm.workerWg.Add(1)
	go tm.loop(ctx)
	return nil
}

// Stop stops the monitoring loop.
func (tm *Monitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&tm.running, 1, 0) {
		return nil // Not running
	}
	tm.logger.Info("Stopping stop-loss monitor")
	close(tm.stopChan)
	tm.workerWg.Wait()
	return nil
}

// Register adds a stop condition for the order. The direction derives
// from the side: a SELL stop protects a long and fires below the
// threshold, a BUY stop fires above it.
func (tm *Monitor) Register(order *model.Order) error {
	if !order.StopPrice.IsPositive() {
		return nil // No stop price specified
	}
	direction := DirectionBelow
	if order.Side == model.OrderSideBuy {
		direction = DirectionAbove
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if len(tm.conditions) >= tm.maxConditions {
		return errs.Invalid("stop monitor at capacity (%d conditions)", tm.maxConditions)
	}
	tm.conditions[order.ID] = &Condition{
		OrderID:   order.ID,
		Owner:     order.Owner,
		Pair:      order.Pair,
		StopPrice: order.StopPrice,
		Direction: direction,
		CreatedAt: time.Now(),
	}
	tm.logger.Debugw("Registered stop condition",
		"order_id", order.ID,
		"stop_price", order.StopPrice,
		"direction", direction)
	return nil
}

// Unregister removes the condition for an order, if any.
func (tm *Monitor) Unregister(orderID uuid.UUID) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if _, ok := tm.conditions[orderID]; ok {
		delete(tm.conditions, orderID)
		tm.logger.Debugw("Removed stop condition", "order_id", orderID)
	}
}

// ConditionCount returns the number of registered conditions.
func (tm *Monitor) ConditionCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.conditions)
}

func (tm *Monitor) loop(ctx context.Context) {
	defer tm.workerWg.Done()
	ticker := time.NewTicker(tm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tm.stopChan:
			return
		case <-ticker.C:
			tm.Tick(ctx)
		}
	}
}

// Tick evaluates every registered condition once. Exported so tests can
// drive the monitor without waiting on the ticker.
func (tm *Monitor) Tick(ctx context.Context) {
	tm.mu.RLock()
	snapshot := make([]*Condition, 0, len(tm.conditions))
	for _, c := range tm.conditions {
		snapshot = append(snapshot, c)
	}
	tm.mu.RUnlock()

	for _, c := range snapshot {
		price, ok := tm.prices.LastPrice(c.Pair)
		if !ok {
			continue
		}
		if !breached(c, price) {
			continue
		}
		err := tm.canceller.CancelOrder(ctx, c.Owner, c.OrderID)
		if err != nil && errs.KindOf(err) != errs.KindNotFound && errs.KindOf(err) != errs.KindAlreadyTerminal {
			tm.logger.Warnw("Stop cancel failed, will retry next tick",
				"order_id", c.OrderID, "error", err)
			continue
		}
		if err == nil {
			metrics.StopTriggers.Inc()
			tm.logger.Infow("Stop condition breached, order cancelled",
				"order_id", c.OrderID,
				"pair", c.Pair,
				"stop_price", c.StopPrice,
				"last_price", price)
		}
		tm.Unregister(c.OrderID)
	}
}

func breached(c *Condition, price decimal.Decimal) bool {
	if c.Direction == DirectionAbove {
		return price.GreaterThanOrEqual(c.StopPrice)
	}
	return price.LessThanOrEqual(c.StopPrice)
}
