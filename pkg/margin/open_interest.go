package margin

import (
	"github.com/luxfi/margin/pkg/safemath"
)

// OpenInterest holds the running notional totals per direction. It is not
// safe for concurrent use; the ledger guards it.
type OpenInterest struct {
	long  Balance
	short Balance
}

func (oi *OpenInterest) side(d Direction) *Balance {
	if d == Short {
		return &oi.short
	}
	return &oi.long
}

// Add adds notional to the total for d.
func (oi *OpenInterest) Add(d Direction, notional *Balance) error {
	total := oi.side(d)
	sum, err := safemath.Add(total, notional)
	if err != nil {
		return err
	}
	total.Set(sum)
	return nil
}

// Sub removes notional from the total for d. An underflow means the totals
// already disagreed with the positions and is reported as is.
func (oi *OpenInterest) Sub(d Direction, notional *Balance) error {
	total := oi.side(d)
	diff, err := safemath.Sub(total, notional)
	if err != nil {
		return err
	}
	total.Set(diff)
	return nil
}

// Long returns the total long notional.
func (oi *OpenInterest) Long() Balance { return oi.long }

// Short returns the total short notional.
func (oi *OpenInterest) Short() Balance { return oi.short }

// Total returns long + short.
func (oi *OpenInterest) Total() (*Balance, error) {
	return safemath.Add(&oi.long, &oi.short)
}

// Imbalance returns |long - short|.
func (oi *OpenInterest) Imbalance() *Balance {
	return safemath.AbsDiff(&oi.long, &oi.short)
}
