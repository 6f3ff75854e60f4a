package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersProcessed counts accepted orders by side (BUY/SELL)
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cantonex_orders_processed_total",
		Help: "Total number of orders accepted by the engine",
	},
	[]string{"side"},
)

// OrdersRejected counts rejected orders by error kind
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cantonex_orders_rejected_total",
		Help: "Total number of orders rejected before acceptance",
	},
	[]string{"reason"},
)

// TradesExecuted counts matched trades per trading pair
var TradesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cantonex_trades_executed_total",
		Help: "Total number of trades produced by the matching engine",
	},
	[]string{"pair"},
)

// OrderLatency records latency distribution for order processing
var OrderLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "cantonex_order_processing_latency_seconds",
		Help:    "Latency in seconds to process individual orders",
		Buckets: prometheus.DefBuckets,
	},
)

// LedgerRetries counts retried ledger calls by operation
var LedgerRetries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cantonex_ledger_retries_total",
		Help: "Total number of retried calls against the balance ledger",
	},
	[]string{"op"},
)

// StopTriggers counts stop conditions that breached and were acted on
var StopTriggers = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "cantonex_stop_triggers_total",
		Help: "Total number of stop orders cancelled after a price breach",
	},
)

func init() {
	prometheus.MustRegister(OrdersProcessed, OrdersRejected, TradesExecuted, OrderLatency)
	prometheus.MustRegister(LedgerRetries, StopTriggers)
}
