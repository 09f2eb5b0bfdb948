// Package oracle provides a settable price source with a deviation circuit
// breaker.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/margin/pkg/margin"
)

var (
	ErrNoPrice        = errors.New("no price available")
	ErrPriceDeviation = errors.New("price deviation exceeds limit")
	ErrZeroPrice      = errors.New("price must be positive")
)

// DeviationGuard rejects price updates that move further than
// MaxChangePercent from the last accepted price. A rejected update trips the
// guard and every later update is refused until Reset. A zero
// MaxChangePercent disables the check.
type DeviationGuard struct {
	MaxChangePercent decimal.Decimal

	lastValid margin.Balance
	tripped   bool
	tripCount int
}

var hundred = decimal.NewFromInt(100)

// Check accepts or rejects price and records it when accepted.
func (g *DeviationGuard) Check(price margin.Balance) error {
	if g.tripped {
		return fmt.Errorf("%w: guard tripped", ErrPriceDeviation)
	}
	if g.lastValid.IsZero() || g.MaxChangePercent.IsZero() {
		g.lastValid = price
		return nil
	}

	last := decimal.NewFromBigInt(g.lastValid.ToBig(), 0)
	change := decimal.NewFromBigInt(price.ToBig(), 0).Sub(last).Abs().Div(last).Mul(hundred)
	if change.GreaterThan(g.MaxChangePercent) {
		g.tripped = true
		g.tripCount++
		return fmt.Errorf("%w: %s%% > %s%%", ErrPriceDeviation, change.StringFixed(2), g.MaxChangePercent)
	}

	g.lastValid = price
	return nil
}

// Tripped reports whether the guard is refusing updates.
func (g *DeviationGuard) Tripped() bool { return g.tripped }

// TripCount returns how many times the guard has tripped.
func (g *DeviationGuard) TripCount() int { return g.tripCount }

// Reset re-arms a tripped guard. The last accepted price is kept.
func (g *DeviationGuard) Reset() { g.tripped = false }

// Config configures an Oracle.
type Config struct {
	MaxChangePercent decimal.Decimal
	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger log.Logger
}

// DefaultConfig allows at most a 10% move per update.
func DefaultConfig() *Config {
	return &Config{
		MaxChangePercent: decimal.NewFromInt(10),
		Clock:            time.Now,
		Logger:           log.Root().New("module", "oracle"),
	}
}

// Oracle holds the spot and mark prices. It implements margin.OracleSource.
type Oracle struct {
	spot      margin.Balance
	mark      margin.Balance
	spotGuard DeviationGuard
	markGuard DeviationGuard
	clock     func() time.Time
	logger    log.Logger

	mu sync.RWMutex
}

var _ margin.OracleSource = (*Oracle)(nil)

// New creates an oracle with no prices set.
func New(config *Config) *Oracle {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Oracle{
		spotGuard: DeviationGuard{MaxChangePercent: config.MaxChangePercent},
		markGuard: DeviationGuard{MaxChangePercent: config.MaxChangePercent},
		clock:     config.Clock,
		logger:    config.Logger,
	}
}

// SetPrice sets the spot price.
func (o *Oracle) SetPrice(price margin.Balance) error {
	return o.set(&o.spot, &o.spotGuard, "spot", price)
}

// SetMarkPrice sets the mark price.
func (o *Oracle) SetMarkPrice(price margin.Balance) error {
	return o.set(&o.mark, &o.markGuard, "mark", price)
}

func (o *Oracle) set(dst *margin.Balance, guard *DeviationGuard, kind string, price margin.Balance) error {
	if price.IsZero() {
		return ErrZeroPrice
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := guard.Check(price); err != nil {
		o.logger.Warn("Price update rejected",
			"kind", kind,
			"price", price.Dec(),
			"last", dst.Dec(),
			"trips", guard.TripCount(),
			"error", err)
		return err
	}
	*dst = price
	return nil
}

// Reset re-arms both deviation guards.
func (o *Oracle) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.spotGuard.Reset()
	o.markGuard.Reset()
	o.logger.Info("Price guards reset")
}

// Tripped reports whether either guard is refusing updates.
func (o *Oracle) Tripped() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.spotGuard.Tripped() || o.markGuard.Tripped()
}

func (o *Oracle) SpotPrice(context.Context) (margin.Balance, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.spot.IsZero() {
		return margin.Balance{}, fmt.Errorf("spot: %w", ErrNoPrice)
	}
	return o.spot, nil
}

// MarkPrice returns the mark price, or the spot price if no mark price has
// been set.
func (o *Oracle) MarkPrice(ctx context.Context) (margin.Balance, error) {
	o.mu.RLock()
	mark := o.mark
	o.mu.RUnlock()
	if mark.IsZero() {
		return o.SpotPrice(ctx)
	}
	return mark, nil
}

func (o *Oracle) Now(context.Context) (time.Time, error) {
	return o.clock(), nil
}
