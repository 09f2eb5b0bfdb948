package margin

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/margin/pkg/safemath"
)

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	Events EventSink
	Logger log.Logger

	// FeeRecipient receives collateral deducted as fees.
	FeeRecipient AccountID
}

// DefaultLedgerConfig returns a config that discards events and sends fees to
// the "margin/fees" account.
func DefaultLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		Events:       discardSink{},
		Logger:       log.Root().New("module", "ledger"),
		FeeRecipient: NewAccountID("margin/fees"),
	}
}

// AdjustmentKind selects how Update changes a position amount.
type AdjustmentKind uint8

const (
	TopUp AdjustmentKind = iota
	Fee
)

func (k AdjustmentKind) String() string {
	switch k {
	case TopUp:
		return "topup"
	case Fee:
		return "fee"
	default:
		return fmt.Sprintf("adjustment(%d)", uint8(k))
	}
}

// Adjustment is an amount change applied by Update.
type Adjustment struct {
	Kind   AdjustmentKind
	Amount Balance
}

// Ledger owns the positions, the id counter and the open interest totals.
//
// Each mutation applies the ledger write, the aggregate write and the vault
// call in that order and undoes the earlier steps if a later one fails. Events
// are emitted only after all three succeed. Mutations hold the write lock for
// their whole duration, so readers never see a partially applied operation.
type Ledger struct {
	oracle       OracleSource
	vault        VaultSink
	events       EventSink
	logger       log.Logger
	feeRecipient AccountID

	positions map[positionKey]Position
	nextID    PositionID
	totals    OpenInterest

	mu sync.RWMutex
}

// NewLedger creates an empty ledger.
func NewLedger(oracle OracleSource, vault VaultSink, config *LedgerConfig) *Ledger {
	if config == nil {
		config = DefaultLedgerConfig()
	}
	defaults := DefaultLedgerConfig()
	if config.Events == nil {
		config.Events = defaults.Events
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.FeeRecipient.IsZero() {
		config.FeeRecipient = defaults.FeeRecipient
	}

	return &Ledger{
		oracle:       oracle,
		vault:        vault,
		events:       config.Events,
		logger:       config.Logger,
		feeRecipient: config.FeeRecipient,
		positions:    make(map[positionKey]Position),
	}
}

// Open records a new position and asks the vault to take amount of token
// from owner as collateral.
func (l *Ledger) Open(ctx context.Context, owner AccountID, token TokenID, amount Balance, direction Direction, leverage uint32) (PositionID, error) {
	if amount.IsZero() {
		return 0, ErrZeroAmount
	}
	if leverage == 0 {
		return 0, ErrInvalidLeverage
	}
	if direction != Long && direction != Short {
		return 0, fmt.Errorf("unknown direction %d", direction)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	if id == math.MaxUint64 {
		return 0, fmt.Errorf("position id counter: %w", ErrOverflow)
	}
	key := positionKey{owner: owner, id: id}
	if _, exists := l.positions[key]; exists {
		return 0, ErrDuplicateOpen
	}

	entryPrice, err := l.oracle.SpotPrice(ctx)
	if err != nil {
		return 0, fmt.Errorf("entry price: %w", err)
	}
	createdAt, err := l.oracle.Now(ctx)
	if err != nil {
		return 0, fmt.Errorf("creation time: %w", err)
	}

	position := Position{
		Owner:      owner,
		ID:         id,
		Token:      token,
		Amount:     amount,
		Direction:  direction,
		Leverage:   leverage,
		EntryPrice: entryPrice,
		CreatedAt:  createdAt,
	}
	notional, err := position.Notional()
	if err != nil {
		return 0, fmt.Errorf("notional value: %w", err)
	}

	l.positions[key] = position
	if err := l.totals.Add(direction, notional); err != nil {
		delete(l.positions, key)
		return 0, fmt.Errorf("open interest: %w", err)
	}
	if err := l.vault.AddLiquidity(ctx, token, amount, owner); err != nil {
		l.undoTotals(direction, notional, false)
		delete(l.positions, key)
		return 0, fmt.Errorf("vault add liquidity: %w", err)
	}
	l.nextID = id + 1

	l.events.Emit(PositionOpened{Owner: owner, PositionID: id, Amount: amount})
	l.logger.Debug("Position opened",
		"owner", owner,
		"id", id,
		"direction", direction,
		"amount", amount.Dec(),
		"leverage", leverage,
		"entryPrice", entryPrice.Dec())

	return id, nil
}

// Close removes a position and releases its collateral to the owner.
func (l *Ledger) Close(ctx context.Context, owner AccountID, id PositionID) error {
	_, err := l.CloseTo(ctx, owner, id, owner)
	return err
}

// CloseTo removes a position and releases its collateral to recipient. It
// returns the position as it was before removal.
func (l *Ledger) CloseTo(ctx context.Context, owner AccountID, id PositionID, recipient AccountID) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := positionKey{owner: owner, id: id}
	position, ok := l.positions[key]
	if !ok {
		return Position{}, ErrNotFound
	}
	notional, err := position.Notional()
	if err != nil {
		return Position{}, fmt.Errorf("notional value: %w", err)
	}

	delete(l.positions, key)
	if err := l.totals.Sub(position.Direction, notional); err != nil {
		l.positions[key] = position
		return Position{}, fmt.Errorf("open interest: %w", err)
	}
	if err := l.vault.RemoveLiquidity(ctx, position.Token, position.Amount, owner, recipient); err != nil {
		l.undoTotals(position.Direction, notional, true)
		l.positions[key] = position
		return Position{}, fmt.Errorf("vault remove liquidity: %w", err)
	}

	l.events.Emit(PositionClosed{Owner: owner, PositionID: id})
	l.logger.Debug("Position closed", "owner", owner, "id", id, "recipient", recipient)

	return position, nil
}

// Update applies adj to a position. A top-up adds collateral through the
// vault. A fee is taken from the collateral and paid to the fee recipient,
// and it may not reduce the amount to zero.
func (l *Ledger) Update(ctx context.Context, owner AccountID, id PositionID, adj Adjustment) error {
	_, err := l.update(ctx, owner, id, adj)
	return err
}

// TopUp adds amount to a position.
func (l *Ledger) TopUp(ctx context.Context, owner AccountID, id PositionID, amount Balance) error {
	return l.Update(ctx, owner, id, Adjustment{Kind: TopUp, Amount: amount})
}

// DeductFee subtracts fee from a position.
func (l *Ledger) DeductFee(ctx context.Context, owner AccountID, id PositionID, fee Balance) error {
	return l.Update(ctx, owner, id, Adjustment{Kind: Fee, Amount: fee})
}

func (l *Ledger) update(ctx context.Context, owner AccountID, id PositionID, adj Adjustment) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := positionKey{owner: owner, id: id}
	position, ok := l.positions[key]
	if !ok {
		return Position{}, ErrNotFound
	}

	var (
		newAmount *Balance
		err       error
	)
	switch adj.Kind {
	case TopUp:
		newAmount, err = safemath.Add(&position.Amount, &adj.Amount)
	case Fee:
		newAmount, err = safemath.Sub(&position.Amount, &adj.Amount)
		if err == nil && newAmount.IsZero() {
			err = ErrZeroAmount
		}
	default:
		err = fmt.Errorf("unknown adjustment kind %d", adj.Kind)
	}
	if err != nil {
		return Position{}, err
	}
	delta, err := safemath.Mul(&adj.Amount, &position.EntryPrice)
	if err != nil {
		return Position{}, fmt.Errorf("notional delta: %w", err)
	}

	updated := position
	updated.Amount = *newAmount
	l.positions[key] = updated

	decrease := adj.Kind == Fee
	if decrease {
		err = l.totals.Sub(position.Direction, delta)
	} else {
		err = l.totals.Add(position.Direction, delta)
	}
	if err != nil {
		l.positions[key] = position
		return Position{}, fmt.Errorf("open interest: %w", err)
	}

	if !adj.Amount.IsZero() {
		if decrease {
			err = l.vault.RemoveLiquidity(ctx, position.Token, adj.Amount, owner, l.feeRecipient)
		} else {
			err = l.vault.UpdateLiquidity(ctx, position.Token, adj.Amount, owner)
		}
		if err != nil {
			l.undoTotals(position.Direction, delta, decrease)
			l.positions[key] = position
			return Position{}, fmt.Errorf("vault %s: %w", adj.Kind, err)
		}
	}

	l.events.Emit(PositionUpdated{Owner: owner, PositionID: id, Amount: updated.Amount})
	l.logger.Debug("Position updated",
		"owner", owner,
		"id", id,
		"kind", adj.Kind,
		"delta", adj.Amount.Dec(),
		"amount", updated.Amount.Dec())

	return updated, nil
}

// undoTotals reverses a totals change made earlier in the same operation.
// wasSub is true when the change being undone was a subtraction.
func (l *Ledger) undoTotals(d Direction, notional *Balance, wasSub bool) {
	var err error
	if wasSub {
		err = l.totals.Add(d, notional)
	} else {
		err = l.totals.Sub(d, notional)
	}
	if err != nil {
		l.logger.Error("Open interest rollback failed", "direction", d, "error", err)
	}
}

// Get returns the active position for (owner, id).
func (l *Ledger) Get(owner AccountID, id PositionID) (Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	position, ok := l.positions[positionKey{owner: owner, id: id}]
	if !ok {
		return Position{}, ErrNotFound
	}
	return position, nil
}

// Positions returns every active position ordered by owner, then id.
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.sortedPositions()
}

func (l *Ledger) sortedPositions() []Position {
	keys := make([]positionKey, 0, len(l.positions))
	for k := range l.positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	out := make([]Position, len(keys))
	for i, k := range keys {
		out[i] = l.positions[k]
	}
	return out
}

// Len returns the number of active positions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// NextID returns the id the next Open will allocate.
func (l *Ledger) NextID() PositionID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextID
}

// Longs returns the total long notional.
func (l *Ledger) Longs() Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totals.Long()
}

// Shorts returns the total short notional.
func (l *Ledger) Shorts() Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totals.Short()
}
