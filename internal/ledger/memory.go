package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cantonex/engine/internal/trading/model"
	errs "github.com/cantonex/engine/pkg/errors"
)

type accountKey struct {
	party string
	asset string
}

type account struct {
	available decimal.Decimal
	locked    decimal.Decimal
}

// InMemory is a process-local Client implementation. It stands in for
// the external ledger in tests and single-node deployments; it honors
// the same idempotency and no-partial-effect contracts.
type InMemory struct {
	mu        sync.Mutex
	accounts  map[accountKey]*account
	applied   map[string]struct{}
	orders    map[uuid.UUID]*model.Order
	archived  map[uuid.UUID]struct{}
	lastPrice map[string]decimal.Decimal
}

var _ Client = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		accounts:  make(map[accountKey]*account),
		applied:   make(map[string]struct{}),
		orders:    make(map[uuid.UUID]*model.Order),
		archived:  make(map[uuid.UUID]struct{}),
		lastPrice: make(map[string]decimal.Decimal),
	}
}

// Deposit credits available balance. Bootstrap/test helper, not part of
// the Client interface.
func (l *InMemory) Deposit(party, asset string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acct(party, asset).available = l.acct(party, asset).available.Add(amount)
}

// Balances returns (available, locked) for a party and asset.
func (l *InMemory) Balances(party, asset string) (decimal.Decimal, decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.acct(party, asset)
	return a.available, a.locked
}

// SetLastPrice seeds the last traded price for a pair.
func (l *InMemory) SetLastPrice(pair string, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastPrice[pair] = price
}

// acct must be called with l.mu held.
func (l *InMemory) acct(party, asset string) *account {
	key := accountKey{party: party, asset: asset}
	a, ok := l.accounts[key]
	if !ok {
		a = &account{available: decimal.Zero, locked: decimal.Zero}
		l.accounts[key] = a
	}
	return a
}

// seen must be called with l.mu held. It records the idempotency key and
// reports whether the operation was already applied.
func (l *InMemory) seen(idemKey string) bool {
	if _, ok := l.applied[idemKey]; ok {
		return true
	}
	l.applied[idemKey] = struct{}{}
	return false
}

func (l *InMemory) LockBalance(ctx context.Context, party, asset string, amount decimal.Decimal, idemKey string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return errs.Invalid("lock amount must be positive, got %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen(idemKey) {
		return nil
	}
	a := l.acct(party, asset)
	if a.available.LessThan(amount) {
		delete(l.applied, idemKey)
		return errs.InsufficientFunds("%s has %s %s available, need %s", party, a.available, asset, amount)
	}
	a.available = a.available.Sub(amount)
	a.locked = a.locked.Add(amount)
	return nil
}

func (l *InMemory) UnlockBalance(ctx context.Context, party, asset string, amount decimal.Decimal, idemKey string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return errs.Invalid("unlock amount must be positive, got %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen(idemKey) {
		return nil
	}
	a := l.acct(party, asset)
	if a.locked.LessThan(amount) {
		delete(l.applied, idemKey)
		return errs.Internal(nil, "unlock exceeds locked holding")
	}
	a.locked = a.locked.Sub(amount)
	a.available = a.available.Add(amount)
	return nil
}

func (l *InMemory) TransferLocked(ctx context.Context, t Transfer, idemKey string) error {
	return l.TransferLockedBatch(ctx, []Transfer{t}, idemKey)
}

func (l *InMemory) TransferLockedBatch(ctx context.Context, transfers []Transfer, idemKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen(idemKey) {
		return nil
	}
	// Validate every leg before applying any, so a failure has no
	// partial effect.
	for _, t := range transfers {
		if t.Amount.LessThanOrEqual(decimal.Zero) {
			delete(l.applied, idemKey)
			return errs.Invalid("transfer amount must be positive, got %s", t.Amount)
		}
		if l.acct(t.From, t.Asset).locked.LessThan(t.Amount) {
			delete(l.applied, idemKey)
			return errs.Internal(nil, "transfer exceeds locked holding")
		}
	}
	for _, t := range transfers {
		from := l.acct(t.From, t.Asset)
		to := l.acct(t.To, t.Asset)
		from.locked = from.locked.Sub(t.Amount)
		to.available = to.available.Add(t.Amount)
	}
	return nil
}

func (l *InMemory) CreateOrderRecord(ctx context.Context, order *model.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[order.ID] = order.Clone()
	return nil
}

func (l *InMemory) ArchiveOrderRecord(ctx context.Context, orderID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.orders[orderID]; !ok {
		return errs.NotFound("order record %s not found", orderID)
	}
	l.archived[orderID] = struct{}{}
	return nil
}

func (l *InMemory) ListOpenOrders(ctx context.Context) ([]*model.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*model.Order
	for id, o := range l.orders {
		if _, gone := l.archived[id]; gone {
			continue
		}
		if o.IsTerminal() {
			continue
		}
		out = append(out, o.Clone())
	}
	return out, nil
}

func (l *InMemory) GetLastTradedPrice(ctx context.Context, pair string) (decimal.Decimal, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.lastPrice[pair]
	return p, ok, nil
}
