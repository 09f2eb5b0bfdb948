package margin

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/luxfi/margin/pkg/safemath"
)

// FundingRate derives the funding rate from the price skew and the
// long/short imbalance:
//
//	rate = ((mark - spot) / spot) * |long - short| / (long + short)
//
// All inputs are unsigned, so mark < spot fails with ErrUnderflow. Both
// divisions truncate. It returns ErrNoOpenInterest when long + short is zero.
func FundingRate(spot, mark, long, short *Balance) (*Balance, error) {
	skew, err := safemath.Sub(mark, spot)
	if err != nil {
		return nil, fmt.Errorf("price skew: %w", err)
	}
	factor, err := safemath.Div(skew, spot)
	if err != nil {
		return nil, fmt.Errorf("funding factor: %w", err)
	}

	imbalance := safemath.AbsDiff(long, short)
	total, err := safemath.Add(long, short)
	if err != nil {
		return nil, fmt.Errorf("total open interest: %w", err)
	}
	if total.IsZero() {
		return nil, ErrNoOpenInterest
	}

	scaled, err := safemath.Mul(factor, imbalance)
	if err != nil {
		return nil, fmt.Errorf("funding rate: %w", err)
	}
	return safemath.Div(scaled, total)
}

// FundingQuote is the funding rate together with its inputs and the
// untruncated ratios.
type FundingQuote struct {
	SpotPrice    Balance
	MarkPrice    Balance
	Long         Balance
	Short        Balance
	Rate         Balance
	PremiumIndex decimal.Decimal // (mark - spot) / spot
	Imbalance    decimal.Decimal // |long - short| / (long + short)
}

// CalculateFundingRate returns the current funding rate. With no open
// interest the rate is zero.
func (l *Ledger) CalculateFundingRate(ctx context.Context) (Balance, error) {
	q, err := l.FundingQuote(ctx)
	if err != nil {
		return Balance{}, err
	}
	return q.Rate, nil
}

// FundingQuote reads spot and mark prices from the oracle and computes the
// funding rate against the current totals.
func (l *Ledger) FundingQuote(ctx context.Context) (FundingQuote, error) {
	spot, err := l.oracle.SpotPrice(ctx)
	if err != nil {
		return FundingQuote{}, fmt.Errorf("spot price: %w", err)
	}
	mark, err := l.oracle.MarkPrice(ctx)
	if err != nil {
		return FundingQuote{}, fmt.Errorf("mark price: %w", err)
	}

	l.mu.RLock()
	long, short := l.totals.Long(), l.totals.Short()
	l.mu.RUnlock()

	q := FundingQuote{
		SpotPrice: spot,
		MarkPrice: mark,
		Long:      long,
		Short:     short,
	}

	rate, err := FundingRate(&spot, &mark, &long, &short)
	switch {
	case errors.Is(err, ErrNoOpenInterest):
		l.logger.Debug("Funding rate requested with no open interest")
	case err != nil:
		return FundingQuote{}, err
	default:
		q.Rate = *rate
	}

	if !spot.IsZero() {
		q.PremiumIndex = toDecimal(&mark).Sub(toDecimal(&spot)).Div(toDecimal(&spot))
	}
	if total, err := safemath.Add(&long, &short); err == nil && !total.IsZero() {
		q.Imbalance = toDecimal(safemath.AbsDiff(&long, &short)).Div(toDecimal(total))
	}
	return q, nil
}

func toDecimal(b *Balance) decimal.Decimal {
	return decimal.NewFromBigInt(b.ToBig(), 0)
}
