// Package ledger defines the client interface to the external balance
// ledger of record. The ledger is authoritative for balances and order
// records; this engine only coordinates locking, transfers and unlocks
// against it. Every mutating call carries an idempotency key so that a
// retry after a timeout cannot double-apply.
package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cantonex/engine/internal/trading/model"
)

// Transfer is one leg of a settlement: Amount of Asset moves from the
// From party's locked holding to the To party's available holding.
type Transfer struct {
	From   string
	To     string
	Asset  string
	Amount decimal.Decimal
}

// Client is the engine's view of the external balance ledger.
//
// Implementations must treat calls sharing an idempotency key as the
// same logical operation: the first application wins, repeats are no-ops
// returning success.
type Client interface {
	// LockBalance moves amount from the party's available balance to its
	// locked balance. Fails with an INSUFFICIENT_FUNDS error, without
	// partial effect, when available < amount.
	LockBalance(ctx context.Context, party, asset string, amount decimal.Decimal, idemKey string) error

	// UnlockBalance moves amount from locked back to available.
	UnlockBalance(ctx context.Context, party, asset string, amount decimal.Decimal, idemKey string) error

	// TransferLocked moves a single locked holding to the counterparty's
	// available balance.
	TransferLocked(ctx context.Context, t Transfer, idemKey string) error

	// TransferLockedBatch applies all transfers atomically: either every
	// leg applies or none do. Settlement uses this for the two legs of a
	// trade.
	TransferLockedBatch(ctx context.Context, transfers []Transfer, idemKey string) error

	// CreateOrderRecord upserts the order's durable record. Called after
	// every state transition.
	CreateOrderRecord(ctx context.Context, order *model.Order) error

	// ArchiveOrderRecord removes the order from the ledger's active set
	// once it is terminal. The record itself is retained as history.
	ArchiveOrderRecord(ctx context.Context, orderID uuid.UUID) error

	// ListOpenOrders returns all non-terminal order records, used to
	// rehydrate the books on startup.
	ListOpenOrders(ctx context.Context) ([]*model.Order, error)

	// GetLastTradedPrice returns the last traded price the ledger has
	// observed for the pair, if any.
	GetLastTradedPrice(ctx context.Context, pair string) (decimal.Decimal, bool, error)
}
