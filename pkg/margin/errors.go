package margin

import (
	"errors"
	"fmt"

	"github.com/luxfi/margin/pkg/safemath"
)

var (
	ErrOverflow  = safemath.ErrOverflow
	ErrUnderflow = safemath.ErrUnderflow
	ErrDivByZero = safemath.ErrDivByZero

	ErrNotFound        = errors.New("position not found")
	ErrDuplicateOpen   = errors.New("position slot already occupied")
	ErrZeroAmount      = errors.New("position amount must be positive")
	ErrInvalidLeverage = errors.New("leverage must be at least 1")
	ErrInvariant       = errors.New("ledger invariant violated")

	// ErrNoOpenInterest is returned by FundingRate when both totals are zero.
	ErrNoOpenInterest = fmt.Errorf("no open interest: %w", ErrDivByZero)
)
