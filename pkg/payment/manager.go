// Package payment runs the periodic maintenance sweep over open positions.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"go.uber.org/multierr"

	"github.com/luxfi/margin/pkg/margin"
	"github.com/luxfi/margin/pkg/safemath"
)

// SweepReport summarizes one pass over the ledger.
type SweepReport struct {
	Reviewed      int
	FeesCollected int
	Liquidated    int
	Failed        int
	FeeTotal      margin.Balance
}

// Manager reviews positions through the liquidation engine.
type Manager struct {
	ledger *margin.Ledger
	engine *margin.LiquidationEngine
	logger log.Logger
}

// NewManager creates a manager. A nil logger uses the "payment" module logger.
func NewManager(ledger *margin.Ledger, engine *margin.LiquidationEngine, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.Root().New("module", "payment")
	}
	return &Manager{ledger: ledger, engine: engine, logger: logger}
}

// Sweep reviews every active position in (owner, id) order. A failed review
// does not stop the sweep. The returned error combines all failures.
func (m *Manager) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	var (
		report SweepReport
		errs   error
	)

	for _, p := range m.ledger.Positions() {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}

		report.Reviewed++
		review, err := m.engine.ReviewPosition(ctx, p.Owner, p.ID)
		if err != nil {
			report.Failed++
			errs = multierr.Append(errs, fmt.Errorf("position %s/%d: %w", p.Owner, p.ID, err))
			continue
		}

		switch review.Outcome {
		case margin.OutcomeLiquidated:
			report.Liquidated++
		case margin.OutcomeFeeCollected:
			report.FeesCollected++
			total, err := safemath.Add(&report.FeeTotal, &review.Fee)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("fee total: %w", err))
				continue
			}
			report.FeeTotal = *total
		}
	}

	m.logger.Info("Maintenance sweep finished",
		"reviewed", report.Reviewed,
		"fees", report.FeesCollected,
		"liquidated", report.Liquidated,
		"failed", report.Failed,
		"feeTotal", report.FeeTotal.Dec(),
		"elapsed", time.Since(start))
	return report, errs
}

// CollectFee deducts fee from a single position without a liquidation check.
func (m *Manager) CollectFee(ctx context.Context, owner margin.AccountID, id margin.PositionID, fee margin.Balance) error {
	return m.ledger.DeductFee(ctx, owner, id, fee)
}

// Liquidate force-closes a position.
func (m *Manager) Liquidate(ctx context.Context, owner margin.AccountID, id margin.PositionID) (margin.Review, error) {
	return m.engine.Liquidate(ctx, owner, id)
}
