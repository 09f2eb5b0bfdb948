package margin

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFundingRate(t *testing.T) {
	tests := []struct {
		name                    string
		spot, mark, long, short uint64
		want                    uint64
		wantErr                 error
	}{
		{name: "ScenarioC", spot: 100, mark: 300, long: 300, short: 100, want: 1},
		{name: "Balanced", spot: 100, mark: 300, long: 200, short: 200, want: 0},
		{name: "OneSided", spot: 100, mark: 500, long: 0, short: 70, want: 4},
		{name: "MarkEqualsSpot", spot: 100, mark: 100, long: 900, short: 100, want: 0},
		{name: "FactorTruncates", spot: 100, mark: 150, long: 300, short: 100, want: 0},
		{name: "MarkBelowSpot", spot: 100, mark: 99, long: 1, short: 0, wantErr: ErrUnderflow},
		{name: "ZeroSpot", spot: 0, mark: 10, long: 1, short: 0, wantErr: ErrDivByZero},
		{name: "NoOpenInterest", spot: 100, mark: 200, wantErr: ErrNoOpenInterest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spot, mark, long, short := bal(tt.spot), bal(tt.mark), bal(tt.long), bal(tt.short)
			rate, err := FundingRate(&spot, &mark, &long, &short)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, rate.Uint64())
		})
	}
}

func TestFundingRateSymmetric(t *testing.T) {
	spot, mark := bal(100), bal(400)
	a, b := bal(700), bal(100)

	r1, err := FundingRate(&spot, &mark, &a, &b)
	require.NoError(t, err)
	r2, err := FundingRate(&spot, &mark, &b, &a)
	require.NoError(t, err)
	assert.True(t, r1.Eq(r2))
}

func TestNoOpenInterestIsDivByZero(t *testing.T) {
	assert.ErrorIs(t, ErrNoOpenInterest, ErrDivByZero)
}

func TestLedgerFundingRate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(100)

	rate, err := f.ledger.CalculateFundingRate(ctx)
	require.NoError(t, err)
	assert.True(t, rate.IsZero(), "no open interest gives a zero rate")

	_, err = f.ledger.Open(ctx, alice, 1, bal(3), Long, 2)
	require.NoError(t, err)
	_, err = f.ledger.Open(ctx, bob, 1, bal(1), Short, 2)
	require.NoError(t, err)
	f.oracle.setMark(300)

	rate, err = f.ledger.CalculateFundingRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rate.Uint64())

	q, err := f.ledger.FundingQuote(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), q.Long.Uint64())
	assert.Equal(t, uint64(100), q.Short.Uint64())
	assert.True(t, q.PremiumIndex.Equal(decimal.NewFromInt(2)), q.PremiumIndex.String())
	assert.True(t, q.Imbalance.Equal(decimal.RequireFromString("0.5")), q.Imbalance.String())

	f.oracle.setMark(50)
	_, err = f.ledger.CalculateFundingRate(ctx)
	assert.ErrorIs(t, err, ErrUnderflow)
}
