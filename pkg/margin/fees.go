package margin

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FeePolicy computes the maintenance fee charged when a review does not
// liquidate.
type FeePolicy interface {
	Fee(p Position) (Balance, error)
}

// FlatFee charges the same amount on every review.
type FlatFee struct {
	Amount Balance
}

func (f FlatFee) Fee(Position) (Balance, error) {
	return f.Amount, nil
}

// LeverageScaledFee charges amount × leverage × BasisPoints / 10000,
// truncated.
type LeverageScaledFee struct {
	BasisPoints decimal.Decimal
}

var bpsDenominator = decimal.NewFromInt(10_000)

func (f LeverageScaledFee) Fee(p Position) (Balance, error) {
	if f.BasisPoints.IsNegative() {
		return Balance{}, fmt.Errorf("negative fee rate %s", f.BasisPoints)
	}
	fee := toDecimal(&p.Amount).
		Mul(decimal.NewFromInt(int64(p.Leverage))).
		Mul(f.BasisPoints).
		Div(bpsDenominator).
		Truncate(0)

	out, overflow := uint256.FromBig(fee.BigInt())
	if overflow {
		return Balance{}, ErrOverflow
	}
	return *out, nil
}
