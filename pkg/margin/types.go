// Package margin implements the leveraged position ledger: position
// bookkeeping, aggregate open interest, the funding rate and the
// maintenance/liquidation engine.
package margin

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/blake2b"

	"github.com/luxfi/margin/pkg/safemath"
)

// Balance is an unsigned 256-bit amount, price or notional value.
type Balance = uint256.Int

// TokenID identifies the traded instrument.
type TokenID uint64

// PositionID is unique per ledger and never reused.
type PositionID uint64

// AccountID identifies the owner of a position.
type AccountID [32]byte

// NewAccountID derives an account id from a seed as its BLAKE2b-256 digest.
func NewAccountID(seed string) AccountID {
	return AccountID(blake2b.Sum256([]byte(seed)))
}

// ParseAccountID decodes a hex account id, with or without 0x prefix.
func ParseAccountID(s string) (AccountID, error) {
	var id AccountID
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid account id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid account id length %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (a AccountID) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether the id is unset.
func (a AccountID) IsZero() bool {
	return a == AccountID{}
}

// Direction is the side of a position.
type Direction uint8

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// ParseDirection accepts "long" or "short".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "long", "LONG", "Long":
		return Long, nil
	case "short", "SHORT", "Short":
		return Short, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Position is one margin trade. A position is active for as long as it is
// present in the ledger.
type Position struct {
	Owner      AccountID
	ID         PositionID
	Token      TokenID
	Amount     Balance
	Direction  Direction
	Leverage   uint32
	EntryPrice Balance
	CreatedAt  time.Time
}

// Notional returns Amount × EntryPrice.
func (p *Position) Notional() (*Balance, error) {
	return safemath.Mul(&p.Amount, &p.EntryPrice)
}

type positionKey struct {
	owner AccountID
	id    PositionID
}

func (k positionKey) less(o positionKey) bool {
	if c := bytes.Compare(k.owner[:], o.owner[:]); c != 0 {
		return c < 0
	}
	return k.id < o.id
}
