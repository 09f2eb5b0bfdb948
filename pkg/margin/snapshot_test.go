package margin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(100)

	_, err := f.ledger.Open(ctx, alice, 1, bal(3), Long, 2)
	require.NoError(t, err)
	_, err = f.ledger.Open(ctx, bob, 1, bal(2), Short, 4)
	require.NoError(t, err)
	_, err = f.ledger.Open(ctx, alice, 2, bal(9), Long, 1)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Close(ctx, alice, 2))

	snap := f.ledger.Snapshot()
	assert.Equal(t, PositionID(3), snap.NextID)
	assert.Len(t, snap.Positions, 2)
	assert.Equal(t, uint64(300), snap.Long.Uint64())
	assert.Equal(t, uint64(200), snap.Short.Uint64())

	restored := newFixture(100)
	require.NoError(t, restored.ledger.Restore(snap))
	assert.Equal(t, snap, restored.ledger.Snapshot())
	require.NoError(t, restored.ledger.CheckInvariant())

	id, err := restored.ledger.Open(ctx, bob, 1, bal(1), Long, 1)
	require.NoError(t, err)
	assert.Equal(t, PositionID(3), id)
}

func TestRestoreRejectsInconsistentState(t *testing.T) {
	valid := func() Snapshot {
		return Snapshot{
			NextID: 2,
			Positions: []Position{
				{Owner: alice, ID: 0, Amount: bal(2), Direction: Long, Leverage: 1, EntryPrice: bal(10)},
				{Owner: bob, ID: 1, Amount: bal(1), Direction: Short, Leverage: 3, EntryPrice: bal(7)},
			},
			Long:  bal(20),
			Short: bal(7),
		}
	}

	tests := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{name: "WrongLongTotal", mutate: func(s *Snapshot) { s.Long = bal(21) }},
		{name: "WrongShortTotal", mutate: func(s *Snapshot) { s.Short = bal(0) }},
		{name: "IDNotBelowNext", mutate: func(s *Snapshot) { s.NextID = 1 }},
		{name: "Duplicate", mutate: func(s *Snapshot) {
			s.Positions = append(s.Positions, s.Positions[0])
			s.Long = bal(40)
		}},
		{name: "ZeroAmount", mutate: func(s *Snapshot) { s.Positions[0].Amount = bal(0); s.Long = bal(0) }},
		{name: "ZeroLeverage", mutate: func(s *Snapshot) { s.Positions[1].Leverage = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(1)
			snap := valid()
			tt.mutate(&snap)

			err := f.ledger.Restore(snap)
			assert.ErrorIs(t, err, ErrInvariant)
			assert.Equal(t, 0, f.ledger.Len())
			assert.Equal(t, PositionID(0), f.ledger.NextID())
		})
	}

	f := newFixture(1)
	require.NoError(t, f.ledger.Restore(valid()))
	assert.Equal(t, 2, f.ledger.Len())
}

func TestCheckInvariantDetectsDrift(t *testing.T) {
	f := newFixture(10)
	_, err := f.ledger.Open(context.Background(), alice, 1, bal(5), Long, 1)
	require.NoError(t, err)
	require.NoError(t, f.ledger.CheckInvariant())

	drift := bal(1)
	require.NoError(t, f.ledger.totals.Add(Long, &drift))
	assert.ErrorIs(t, f.ledger.CheckInvariant(), ErrInvariant)
}
