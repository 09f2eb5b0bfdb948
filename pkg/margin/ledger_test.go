package margin

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(100)

	id, err := f.ledger.Open(ctx, alice, 123, bal(1), Long, 10)
	require.NoError(t, err)
	assert.Equal(t, PositionID(0), id)

	longs := f.ledger.Longs()
	assert.Equal(t, uint64(100), longs.Uint64())

	position, err := f.ledger.Get(alice, 0)
	require.NoError(t, err)
	assert.Equal(t, TokenID(123), position.Token)
	assert.Equal(t, uint64(1), position.Amount.Uint64())
	assert.Equal(t, uint32(10), position.Leverage)
	assert.Equal(t, uint64(100), position.EntryPrice.Uint64())
	assert.Equal(t, f.oracle.now, position.CreatedAt)

	require.Len(t, f.vault.calls, 1)
	assert.Equal(t, vaultCall{method: "add", token: 123, amount: 1, owner: alice}, f.vault.calls[0])
	assert.Equal(t, []string{TopicPositionOpened}, f.events.topics())
	assert.Equal(t, PositionOpened{Owner: alice, PositionID: 0, Amount: bal(1)}, f.events.events[0])
}

func TestOpenAssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(100)

	for want := PositionID(0); want < 3; want++ {
		id, err := f.ledger.Open(ctx, alice, 1, bal(5), Short, 2)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	// Ids are per ledger, not per owner.
	id, err := f.ledger.Open(ctx, bob, 1, bal(5), Short, 2)
	require.NoError(t, err)
	assert.Equal(t, PositionID(3), id)

	require.NoError(t, f.ledger.Close(ctx, bob, 3))
	id, err = f.ledger.Open(ctx, bob, 1, bal(5), Short, 2)
	require.NoError(t, err)
	assert.Equal(t, PositionID(4), id, "closed ids are never reused")

	shorts := f.ledger.Shorts()
	assert.Equal(t, uint64(4*5*100), shorts.Uint64())
}

func TestOpenValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(100)

	_, err := f.ledger.Open(ctx, alice, 1, bal(0), Long, 10)
	assert.ErrorIs(t, err, ErrZeroAmount)

	_, err = f.ledger.Open(ctx, alice, 1, bal(1), Long, 0)
	assert.ErrorIs(t, err, ErrInvalidLeverage)

	_, err = f.ledger.Open(ctx, alice, 1, bal(1), Direction(7), 1)
	assert.Error(t, err)

	assert.Equal(t, 0, f.ledger.Len())
	assert.Empty(t, f.vault.calls)
}

func TestOpenDuplicateGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(100)

	occupant := Position{Owner: alice, ID: 0, Token: 9, Amount: bal(3), Direction: Long, Leverage: 1, EntryPrice: bal(100)}
	f.ledger.positions[positionKey{owner: alice, id: 0}] = occupant

	_, err := f.ledger.Open(ctx, alice, 1, bal(1), Long, 10)
	assert.ErrorIs(t, err, ErrDuplicateOpen)

	got, err := f.ledger.Get(alice, 0)
	require.NoError(t, err)
	assert.Equal(t, occupant, got)
	assert.Equal(t, PositionID(0), f.ledger.NextID())
	longs := f.ledger.Longs()
	assert.True(t, longs.IsZero())
	assert.Empty(t, f.vault.calls)
	assert.Empty(t, f.events.topics())

	// The same slot for another owner is free.
	id, err := f.ledger.Open(ctx, bob, 1, bal(1), Long, 10)
	require.NoError(t, err)
	assert.Equal(t, PositionID(0), id)
}

func TestOpenCounterOverflow(t *testing.T) {
	f := newFixture(100)
	f.ledger.nextID = math.MaxUint64

	_, err := f.ledger.Open(context.Background(), alice, 1, bal(1), Long, 10)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, 0, f.ledger.Len())
}

func TestOpenRollsBackOnVaultFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(100)
	f.vault.fail["add"] = errVaultDown

	_, err := f.ledger.Open(ctx, alice, 1, bal(10), Long, 10)
	assert.ErrorIs(t, err, errVaultDown)

	assert.Equal(t, 0, f.ledger.Len())
	assert.Equal(t, PositionID(0), f.ledger.NextID())
	longs := f.ledger.Longs()
	assert.True(t, longs.IsZero())
	assert.Empty(t, f.events.topics())
}

func TestOpenOracleFailure(t *testing.T) {
	f := newFixture(100)
	f.oracle.err = errVaultDown

	_, err := f.ledger.Open(context.Background(), alice, 1, bal(10), Long, 10)
	assert.ErrorIs(t, err, errVaultDown)
	assert.Equal(t, 0, f.ledger.Len())
}

func TestClosePosition(t *testing.T) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		f := newFixture(100)
		before := f.ledger.Longs()

		id, err := f.ledger.Open(ctx, alice, 1, bal(100), Long, 10)
		require.NoError(t, err)
		require.NoError(t, f.ledger.Close(ctx, alice, id))

		after := f.ledger.Longs()
		assert.True(t, before.Eq(&after))
		_, err = f.ledger.Get(alice, id)
		assert.ErrorIs(t, err, ErrNotFound)

		require.Len(t, f.vault.calls, 2)
		assert.Equal(t, vaultCall{method: "remove", token: 1, amount: 100, owner: alice, recipient: alice}, f.vault.calls[1])
		assert.Equal(t, []string{TopicPositionOpened, TopicPositionClosed}, f.events.topics())
	})

	t.Run("ScenarioB", func(t *testing.T) {
		f := newFixture(100)
		_, err := f.ledger.Open(ctx, alice, 123, bal(1), Long, 10)
		require.NoError(t, err)

		require.NoError(t, f.ledger.Close(ctx, alice, 0))
		longs := f.ledger.Longs()
		assert.True(t, longs.IsZero())
		_, err = f.ledger.Get(alice, 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DecrementsByNotional", func(t *testing.T) {
		f := newFixture(100)
		_, err := f.ledger.Open(ctx, alice, 1, bal(3), Long, 10)
		require.NoError(t, err)
		f.oracle.setSpot(250)
		_, err = f.ledger.Open(ctx, alice, 1, bal(2), Long, 10)
		require.NoError(t, err)

		longs := f.ledger.Longs()
		assert.Equal(t, uint64(300+500), longs.Uint64())

		require.NoError(t, f.ledger.Close(ctx, alice, 0))
		longs = f.ledger.Longs()
		assert.Equal(t, uint64(500), longs.Uint64())
	})

	t.Run("CloseTwice", func(t *testing.T) {
		f := newFixture(100)
		id, err := f.ledger.Open(ctx, alice, 1, bal(1), Short, 1)
		require.NoError(t, err)

		require.NoError(t, f.ledger.Close(ctx, alice, id))
		assert.ErrorIs(t, f.ledger.Close(ctx, alice, id), ErrNotFound)
	})

	t.Run("NeverOpened", func(t *testing.T) {
		f := newFixture(100)
		assert.ErrorIs(t, f.ledger.Close(ctx, alice, 42), ErrNotFound)
		assert.Empty(t, f.vault.calls)
	})

	t.Run("WrongOwner", func(t *testing.T) {
		f := newFixture(100)
		id, err := f.ledger.Open(ctx, alice, 1, bal(1), Long, 1)
		require.NoError(t, err)
		assert.ErrorIs(t, f.ledger.Close(ctx, bob, id), ErrNotFound)
	})

	t.Run("RollsBackOnVaultFailure", func(t *testing.T) {
		f := newFixture(100)
		id, err := f.ledger.Open(ctx, alice, 1, bal(7), Short, 3)
		require.NoError(t, err)
		f.vault.fail["remove"] = errVaultDown

		assert.ErrorIs(t, f.ledger.Close(ctx, alice, id), errVaultDown)

		position, err := f.ledger.Get(alice, id)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), position.Amount.Uint64())
		shorts := f.ledger.Shorts()
		assert.Equal(t, uint64(700), shorts.Uint64())
		assert.Equal(t, []string{TopicPositionOpened}, f.events.topics())
	})

	t.Run("CloseToRecipient", func(t *testing.T) {
		f := newFixture(100)
		id, err := f.ledger.Open(ctx, alice, 1, bal(7), Short, 3)
		require.NoError(t, err)

		closed, err := f.ledger.CloseTo(ctx, alice, id, bob)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), closed.Amount.Uint64())
		assert.Equal(t, bob, f.vault.calls[1].recipient)
	})
}

func TestUpdatePosition(t *testing.T) {
	ctx := context.Background()

	open := func(t *testing.T) *fixture {
		f := newFixture(10)
		_, err := f.ledger.Open(ctx, alice, 1, bal(100), Long, 5)
		require.NoError(t, err)
		return f
	}

	t.Run("FeeDeduction", func(t *testing.T) {
		f := open(t)
		require.NoError(t, f.ledger.Update(ctx, alice, 0, Adjustment{Kind: Fee, Amount: bal(50)}))

		position, err := f.ledger.Get(alice, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(50), position.Amount.Uint64())
		longs := f.ledger.Longs()
		assert.Equal(t, uint64(500), longs.Uint64())

		feeAccount := DefaultLedgerConfig().FeeRecipient
		assert.Equal(t, vaultCall{method: "remove", token: 1, amount: 50, owner: alice, recipient: feeAccount}, f.vault.calls[1])
		assert.Equal(t, PositionUpdated{Owner: alice, PositionID: 0, Amount: bal(50)}, f.events.events[1])
	})

	t.Run("FeeUnderflow", func(t *testing.T) {
		f := open(t)
		err := f.ledger.DeductFee(ctx, alice, 0, bal(150))
		assert.ErrorIs(t, err, ErrUnderflow)

		position, err := f.ledger.Get(alice, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), position.Amount.Uint64())
		longs := f.ledger.Longs()
		assert.Equal(t, uint64(1000), longs.Uint64())
		assert.Len(t, f.vault.calls, 1)
	})

	t.Run("FeeConsumingWholeAmount", func(t *testing.T) {
		f := open(t)
		assert.ErrorIs(t, f.ledger.DeductFee(ctx, alice, 0, bal(100)), ErrZeroAmount)
	})

	t.Run("ZeroFee", func(t *testing.T) {
		f := open(t)
		require.NoError(t, f.ledger.DeductFee(ctx, alice, 0, bal(0)))
		assert.Len(t, f.vault.calls, 1, "zero adjustments skip the vault")
		assert.Equal(t, []string{TopicPositionOpened, TopicPositionUpdated}, f.events.topics())
	})

	t.Run("TopUp", func(t *testing.T) {
		f := open(t)
		require.NoError(t, f.ledger.TopUp(ctx, alice, 0, bal(25)))

		position, err := f.ledger.Get(alice, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(125), position.Amount.Uint64())
		assert.Equal(t, PositionID(0), position.ID)
		longs := f.ledger.Longs()
		assert.Equal(t, uint64(1250), longs.Uint64())
		assert.Equal(t, vaultCall{method: "update", token: 1, amount: 25, owner: alice}, f.vault.calls[1])
	})

	t.Run("TopUpOverflow", func(t *testing.T) {
		f := open(t)
		var huge Balance
		huge.SetAllOne()
		assert.ErrorIs(t, f.ledger.TopUp(ctx, alice, 0, huge), ErrOverflow)
	})

	t.Run("NotFound", func(t *testing.T) {
		f := open(t)
		assert.ErrorIs(t, f.ledger.TopUp(ctx, alice, 9, bal(1)), ErrNotFound)
	})

	t.Run("RollsBackOnVaultFailure", func(t *testing.T) {
		f := open(t)
		f.vault.fail["update"] = errVaultDown

		assert.ErrorIs(t, f.ledger.TopUp(ctx, alice, 0, bal(25)), errVaultDown)

		position, err := f.ledger.Get(alice, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), position.Amount.Uint64())
		longs := f.ledger.Longs()
		assert.Equal(t, uint64(1000), longs.Uint64())
		assert.Equal(t, []string{TopicPositionOpened}, f.events.topics())
	})
}

func TestInvariantHoldsAcrossOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(100)

	prices := []uint64{100, 120, 80, 95, 130, 101}
	for i, price := range prices {
		f.oracle.setSpot(price)
		owner := alice
		if i%2 == 1 {
			owner = bob
		}
		direction := Long
		if i%3 == 0 {
			direction = Short
		}
		_, err := f.ledger.Open(ctx, owner, TokenID(i), bal(uint64(10+i)), direction, uint32(i+1))
		require.NoError(t, err)
		require.NoError(t, f.ledger.CheckInvariant())
	}

	require.NoError(t, f.ledger.TopUp(ctx, bob, 1, bal(4)))
	require.NoError(t, f.ledger.CheckInvariant())
	require.NoError(t, f.ledger.DeductFee(ctx, alice, 2, bal(3)))
	require.NoError(t, f.ledger.CheckInvariant())
	require.NoError(t, f.ledger.Close(ctx, bob, 3))
	require.NoError(t, f.ledger.CheckInvariant())
	require.NoError(t, f.ledger.Close(ctx, alice, 0))
	require.NoError(t, f.ledger.CheckInvariant())

	var long, short uint64
	for _, p := range f.ledger.Positions() {
		n := p.Amount.Uint64() * p.EntryPrice.Uint64()
		if p.Direction == Long {
			long += n
		} else {
			short += n
		}
	}
	longs, shorts := f.ledger.Longs(), f.ledger.Shorts()
	assert.Equal(t, long, longs.Uint64())
	assert.Equal(t, short, shorts.Uint64())
}

func TestPositionsOrdering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1)

	for i := 0; i < 4; i++ {
		owner := alice
		if i%2 == 0 {
			owner = bob
		}
		_, err := f.ledger.Open(ctx, owner, 1, bal(1), Long, 1)
		require.NoError(t, err)
	}

	positions := f.ledger.Positions()
	require.Len(t, positions, 4)
	for i := 1; i < len(positions); i++ {
		prev := positionKey{owner: positions[i-1].Owner, id: positions[i-1].ID}
		cur := positionKey{owner: positions[i].Owner, id: positions[i].ID}
		assert.True(t, prev.less(cur))
	}
}

func TestAccountID(t *testing.T) {
	id := NewAccountID("alice")
	assert.False(t, id.IsZero())
	assert.NotEqual(t, id, NewAccountID("bob"))

	parsed, err := ParseAccountID("0x" + id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseAccountID("abcd")
	assert.Error(t, err)
	_, err = ParseAccountID("zz")
	assert.Error(t, err)
}
