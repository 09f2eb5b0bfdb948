package margin

import (
	"context"
	"time"
)

// OracleSource supplies prices and the timestamp recorded on open.
type OracleSource interface {
	SpotPrice(ctx context.Context) (Balance, error)
	MarkPrice(ctx context.Context) (Balance, error)
	Now(ctx context.Context) (time.Time, error)
}

// VaultSink custodies the collateral behind positions. A non-nil error means
// the transfer did not happen.
type VaultSink interface {
	AddLiquidity(ctx context.Context, token TokenID, amount Balance, owner AccountID) error
	UpdateLiquidity(ctx context.Context, token TokenID, amount Balance, owner AccountID) error
	RemoveLiquidity(ctx context.Context, token TokenID, amount Balance, owner, recipient AccountID) error
}

// EventSink receives notifications after a mutation has committed. Emit must
// not block the caller.
type EventSink interface {
	Emit(Event)
}

type discardSink struct{}

func (discardSink) Emit(Event) {}
