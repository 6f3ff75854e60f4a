// Command cantonex runs the matching engine with its HTTP API and
// WebSocket trade feed. Balances live in the external ledger; this
// binary wires the in-memory client for local runs.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cantonex/engine/internal/api"
	"github.com/cantonex/engine/internal/config"
	"github.com/cantonex/engine/internal/ledger"
	"github.com/cantonex/engine/internal/trading"
	"github.com/cantonex/engine/internal/trading/lifecycle"
	"github.com/cantonex/engine/internal/ws"
	"github.com/cantonex/engine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panicOnBoot("load config", err)
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panicOnBoot("init logger", err)
	}
	defer log.Sync()

	client := ledger.NewInMemory()
	retry := ledger.RetryPolicy{
		MaxAttempts:     cfg.Ledger.MaxAttempts,
		InitialInterval: cfg.Ledger.InitialBackoff,
		MaxInterval:     cfg.Ledger.MaxBackoff,
		CallTimeout:     cfg.Ledger.CallTimeout,
	}

	hub := ws.NewHub(log)
	defer hub.Close()

	svc, err := trading.NewService(log, client, retry, trading.Config{
		Lifecycle: lifecycle.Config{
			Pairs:             cfg.Trading.Pairs,
			AllowDynamicPairs: cfg.Trading.AllowDynamicPairs,
			MarketBuyBuffer:   decimal.NewFromFloat(cfg.Trading.MarketBuyBuffer),
			TradeHistoryLimit: cfg.Trading.TradeHistoryLimit,
		},
		StopInterval:      cfg.StopMonitor.Interval,
		MaxStopConditions: cfg.StopMonitor.MaxConditions,
	}, hub)
	if err != nil {
		log.Fatal("Failed to build trading service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start trading service", zap.Error(err))
	}

	router := api.NewRouter(svc, hub, log)
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := svc.Stop(); err != nil {
		log.Error("Trading service shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}

func panicOnBoot(stage string, err error) {
	// Logger may not exist yet at this point.
	panic(stage + ": " + err.Error())
}
