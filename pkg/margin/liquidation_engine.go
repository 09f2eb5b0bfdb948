package margin

import (
	"context"
	"fmt"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/margin/pkg/safemath"
)

// Valuation holds the figures a liquidation decision is based on.
type Valuation struct {
	CurrentPrice Balance
	Deposit      Balance // amount × entry price
	EntryValue   Balance // deposit × leverage
	RealValue    Balance // amount × leverage × current price
}

// Value computes the valuation of p at currentPrice.
func Value(p Position, currentPrice Balance) (Valuation, error) {
	deposit, err := safemath.Mul(&p.Amount, &p.EntryPrice)
	if err != nil {
		return Valuation{}, fmt.Errorf("deposit: %w", err)
	}
	entryValue, err := safemath.MulUint64(deposit, uint64(p.Leverage))
	if err != nil {
		return Valuation{}, fmt.Errorf("entry value: %w", err)
	}
	exposure, err := safemath.MulUint64(&p.Amount, uint64(p.Leverage))
	if err != nil {
		return Valuation{}, fmt.Errorf("real value: %w", err)
	}
	realValue, err := safemath.Mul(exposure, &currentPrice)
	if err != nil {
		return Valuation{}, fmt.Errorf("real value: %w", err)
	}

	return Valuation{
		CurrentPrice: currentPrice,
		Deposit:      *deposit,
		EntryValue:   *entryValue,
		RealValue:    *realValue,
	}, nil
}

// Loss returns how much value the position has lost since entry. ok is false
// when the position is at or above break-even in its direction.
func (v *Valuation) Loss(d Direction) (loss *Balance, ok bool) {
	var err error
	if d == Short {
		loss, err = safemath.Sub(&v.RealValue, &v.EntryValue)
	} else {
		loss, err = safemath.Sub(&v.EntryValue, &v.RealValue)
	}
	if err != nil {
		return nil, false
	}
	return loss, true
}

// LiquidationPolicy decides whether a position is force-closed.
type LiquidationPolicy func(p Position, v Valuation) bool

// ExactLossPolicy liquidates when the loss equals the deposit exactly. A
// position in profit never qualifies.
func ExactLossPolicy(p Position, v Valuation) bool {
	loss, ok := v.Loss(p.Direction)
	return ok && loss.Eq(&v.Deposit)
}

// LossThresholdPolicy liquidates when the loss reaches or exceeds the
// deposit.
func LossThresholdPolicy(p Position, v Valuation) bool {
	loss, ok := v.Loss(p.Direction)
	return ok && !loss.Lt(&v.Deposit)
}

// Outcome is the result of a position review.
type Outcome uint8

const (
	OutcomeFeeCollected Outcome = iota
	OutcomeLiquidated
)

func (o Outcome) String() string {
	if o == OutcomeLiquidated {
		return "liquidated"
	}
	return "fee_collected"
}

// Review describes what ReviewPosition did.
type Review struct {
	Outcome   Outcome
	Position  Position // as it was before the review
	Valuation Valuation
	Fee       Balance
	Recipient AccountID // collateral recipient on liquidation
}

// EngineConfig configures a LiquidationEngine.
type EngineConfig struct {
	Policy LiquidationPolicy
	Fees   FeePolicy

	// SeizeTo picks who receives the collateral of a liquidated position.
	SeizeTo func(Position) AccountID

	Events EventSink
	Logger log.Logger
}

// DefaultEngineConfig uses ExactLossPolicy, a 10 bps leverage-scaled fee and
// returns liquidated collateral to its owner.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Policy:  ExactLossPolicy,
		Fees:    LeverageScaledFee{BasisPoints: decimal.NewFromInt(10)},
		SeizeTo: func(p Position) AccountID { return p.Owner },
		Events:  discardSink{},
		Logger:  log.Root().New("module", "liquidation"),
	}
}

// LiquidationEngine reviews positions and either charges a maintenance fee
// or liquidates.
type LiquidationEngine struct {
	ledger  *Ledger
	oracle  OracleSource
	policy  LiquidationPolicy
	fees    FeePolicy
	seizeTo func(Position) AccountID
	events  EventSink
	logger  log.Logger
}

// NewLiquidationEngine creates an engine over ledger.
func NewLiquidationEngine(ledger *Ledger, oracle OracleSource, config *EngineConfig) *LiquidationEngine {
	defaults := DefaultEngineConfig()
	if config == nil {
		config = defaults
	}
	if config.Policy == nil {
		config.Policy = defaults.Policy
	}
	if config.Fees == nil {
		config.Fees = defaults.Fees
	}
	if config.SeizeTo == nil {
		config.SeizeTo = defaults.SeizeTo
	}
	if config.Events == nil {
		config.Events = defaults.Events
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &LiquidationEngine{
		ledger:  ledger,
		oracle:  oracle,
		policy:  config.Policy,
		fees:    config.Fees,
		seizeTo: config.SeizeTo,
		events:  config.Events,
		logger:  config.Logger,
	}
}

// ReviewPosition values a position at the current price and either
// liquidates it or deducts the maintenance fee. A position whose fee is at
// least its amount is liquidated.
func (e *LiquidationEngine) ReviewPosition(ctx context.Context, owner AccountID, id PositionID) (Review, error) {
	position, err := e.ledger.Get(owner, id)
	if err != nil {
		return Review{}, err
	}
	price, err := e.oracle.SpotPrice(ctx)
	if err != nil {
		return Review{}, fmt.Errorf("current price: %w", err)
	}
	valuation, err := Value(position, price)
	if err != nil {
		return Review{}, err
	}

	review := Review{Position: position, Valuation: valuation}

	if e.policy(position, valuation) {
		return e.liquidate(ctx, review)
	}

	fee, err := e.fees.Fee(position)
	if err != nil {
		return Review{}, fmt.Errorf("maintenance fee: %w", err)
	}
	// A fee that would consume the collateral closes the position instead.
	if !fee.Lt(&position.Amount) {
		e.logger.Info("Maintenance fee exceeds collateral",
			"owner", owner,
			"id", id,
			"fee", fee.Dec(),
			"amount", position.Amount.Dec())
		return e.liquidate(ctx, review)
	}
	if err := e.ledger.DeductFee(ctx, owner, id, fee); err != nil {
		return Review{}, fmt.Errorf("collect fee: %w", err)
	}

	review.Outcome = OutcomeFeeCollected
	review.Fee = fee
	e.events.Emit(MaintenanceFeeCollected{Owner: owner, PositionID: id, Fee: fee})
	e.logger.Debug("Maintenance fee collected", "owner", owner, "id", id, "fee", fee.Dec())
	return review, nil
}

// Liquidate force-closes a position regardless of the policy.
func (e *LiquidationEngine) Liquidate(ctx context.Context, owner AccountID, id PositionID) (Review, error) {
	position, err := e.ledger.Get(owner, id)
	if err != nil {
		return Review{}, err
	}
	return e.liquidate(ctx, Review{Position: position})
}

func (e *LiquidationEngine) liquidate(ctx context.Context, review Review) (Review, error) {
	position := review.Position
	recipient := e.seizeTo(position)

	if _, err := e.ledger.CloseTo(ctx, position.Owner, position.ID, recipient); err != nil {
		return Review{}, fmt.Errorf("liquidate: %w", err)
	}

	review.Outcome = OutcomeLiquidated
	review.Recipient = recipient
	e.events.Emit(Liquidated{
		Owner:      position.Owner,
		PositionID: position.ID,
		Amount:     position.Amount,
		Recipient:  recipient,
	})
	e.logger.Info("Position liquidated",
		"owner", position.Owner,
		"id", position.ID,
		"amount", position.Amount.Dec(),
		"recipient", recipient,
		"price", review.Valuation.CurrentPrice.Dec())
	return review, nil
}
