// Package trading assembles the matching engine stack behind a single
// service interface consumed by the API layer.
package trading

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cantonex/engine/internal/ledger"
	"github.com/cantonex/engine/internal/trading/lifecycle"
	"github.com/cantonex/engine/internal/trading/model"
	"github.com/cantonex/engine/internal/trading/trigger"
)

// Service defines trading operations for dependency injection
type Service interface {
	Start(ctx context.Context) error
	Stop() error
	PlaceOrder(ctx context.Context, owner, pair, side, kind string, price, quantity, stopPrice decimal.Decimal) (*model.Order, []*model.Trade, error)
	CancelOrder(ctx context.Context, owner string, orderID uuid.UUID) error
	GetOrderBook(pair string, depth int, precision int32) (*lifecycle.BookSnapshot, error)
	GetOpenOrders(owner string) []*model.Order
	GetTradeHistory(pair string, limit int) ([]*model.Trade, error)
	Pairs() []string
}

// Config holds the wiring parameters for the trading stack.
type Config struct {
	Lifecycle         lifecycle.Config
	StopInterval      time.Duration
	MaxStopConditions int
}

type service struct {
	logger  *zap.Logger
	manager *lifecycle.Manager
	monitor *trigger.Monitor
}

// NewService wires the lifecycle manager and the stop-loss monitor
// against the given ledger client. sink may be nil.
func NewService(logger *zap.Logger, client ledger.Client, retry ledger.RetryPolicy, cfg Config, sink lifecycle.TradeSink) (Service, error) {
	manager, err := lifecycle.NewManager(logger, client, retry, cfg.Lifecycle)
	if err != nil {
		return nil, err
	}
	monitor := trigger.NewMonitor(logger.Sugar(), manager, manager, cfg.StopInterval, cfg.MaxStopConditions)
	manager.SetStopRegistry(monitor)
	if sink != nil {
		manager.SetTradeSink(sink)
	}
	return &service{
		logger:  logger,
		manager: manager,
		monitor: monitor,
	}, nil
}

// Start rehydrates the books from the ledger and begins stop monitoring.
func (s *service) Start(ctx context.Context) error {
	if err := s.manager.Rehydrate(ctx); err != nil {
		return err
	}
	if err := s.monitor.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("Trading service started")
	return nil
}

// Stop halts the stop-loss monitor.
func (s *service) Stop() error {
	if err := s.monitor.Stop(); err != nil {
		return err
	}
	s.logger.Info("Trading service stopped")
	return nil
}

func (s *service) PlaceOrder(ctx context.Context, owner, pair, side, kind string, price, quantity, stopPrice decimal.Decimal) (*model.Order, []*model.Trade, error) {
	return s.manager.PlaceOrder(ctx, owner, pair, side, kind, price, quantity, stopPrice)
}

func (s *service) CancelOrder(ctx context.Context, owner string, orderID uuid.UUID) error {
	return s.manager.CancelOrder(ctx, owner, orderID)
}

func (s *service) GetOrderBook(pair string, depth int, precision int32) (*lifecycle.BookSnapshot, error) {
	return s.manager.OrderBookSnapshot(pair, depth, precision)
}

func (s *service) GetOpenOrders(owner string) []*model.Order {
	return s.manager.OpenOrders(owner)
}

func (s *service) GetTradeHistory(pair string, limit int) ([]*model.Trade, error) {
	return s.manager.TradeHistory(pair, limit)
}

func (s *service) Pairs() []string {
	return s.manager.Pairs()
}
