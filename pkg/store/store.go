// Package store persists ledger snapshots in a luxfi/database.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/margin/pkg/margin"
)

const (
	positionPrefix = "position/"
	metaKey        = "ledger/meta"
)

var ErrCorrupt = errors.New("corrupt ledger record")

type positionRecord struct {
	Owner      string    `json:"owner"`
	ID         uint64    `json:"id"`
	Token      uint64    `json:"token"`
	Amount     string    `json:"amount"`
	Direction  string    `json:"direction"`
	Leverage   uint32    `json:"leverage"`
	EntryPrice string    `json:"entryPrice"`
	CreatedAt  time.Time `json:"createdAt"`
}

type metaRecord struct {
	NextID uint64 `json:"nextId"`
	Long   string `json:"long"`
	Short  string `json:"short"`
}

// Store reads and writes snapshots. Positions live under
// position/<owner-hex>/<id-16hex> and the counter and totals under
// ledger/meta.
type Store struct {
	db     database.Database
	logger log.Logger
}

// New wraps db. A nil logger uses the "store" module logger.
func New(db database.Database, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Root().New("module", "store")
	}
	return &Store{db: db, logger: logger}
}

func positionKey(owner margin.AccountID, id margin.PositionID) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x", positionPrefix, owner, uint64(id)))
}

// Save writes snap in one batch and deletes positions that are no longer
// present.
func (s *Store) Save(snap margin.Snapshot) error {
	stale, err := s.positionKeys()
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Reset()

	for _, p := range snap.Positions {
		key := positionKey(p.Owner, p.ID)
		value, err := json.Marshal(positionRecord{
			Owner:      p.Owner.String(),
			ID:         uint64(p.ID),
			Token:      uint64(p.Token),
			Amount:     p.Amount.Dec(),
			Direction:  p.Direction.String(),
			Leverage:   p.Leverage,
			EntryPrice: p.EntryPrice.Dec(),
			CreatedAt:  p.CreatedAt,
		})
		if err != nil {
			return err
		}
		if err := batch.Put(key, value); err != nil {
			return err
		}
		delete(stale, string(key))
	}
	for key := range stale {
		if err := batch.Delete([]byte(key)); err != nil {
			return err
		}
	}

	meta, err := json.Marshal(metaRecord{
		NextID: uint64(snap.NextID),
		Long:   snap.Long.Dec(),
		Short:  snap.Short.Dec(),
	})
	if err != nil {
		return err
	}
	if err := batch.Put([]byte(metaKey), meta); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	s.logger.Debug("Snapshot saved",
		"positions", len(snap.Positions),
		"removed", len(stale),
		"nextID", snap.NextID)
	return nil
}

func (s *Store) positionKeys() (map[string]struct{}, error) {
	it := s.db.NewIteratorWithPrefix([]byte(positionPrefix))
	defer it.Release()

	keys := make(map[string]struct{})
	for it.Next() {
		keys[string(it.Key())] = struct{}{}
	}
	return keys, it.Error()
}

// Load reads the stored snapshot. With nothing stored it returns an empty
// snapshot.
func (s *Store) Load() (margin.Snapshot, error) {
	raw, err := s.db.Get([]byte(metaKey))
	if errors.Is(err, database.ErrNotFound) {
		s.logger.Info("No stored ledger found, starting fresh")
		return margin.Snapshot{}, nil
	}
	if err != nil {
		return margin.Snapshot{}, err
	}

	var meta metaRecord
	if err := json.Unmarshal(raw, &meta); err != nil {
		return margin.Snapshot{}, fmt.Errorf("%w: meta: %v", ErrCorrupt, err)
	}
	snap := margin.Snapshot{NextID: margin.PositionID(meta.NextID)}
	if snap.Long, err = parseBalance(meta.Long); err != nil {
		return margin.Snapshot{}, err
	}
	if snap.Short, err = parseBalance(meta.Short); err != nil {
		return margin.Snapshot{}, err
	}

	it := s.db.NewIteratorWithPrefix([]byte(positionPrefix))
	defer it.Release()
	for it.Next() {
		p, err := decodePosition(it.Value())
		if err != nil {
			return margin.Snapshot{}, fmt.Errorf("%s: %w", it.Key(), err)
		}
		if want := string(positionKey(p.Owner, p.ID)); want != string(it.Key()) {
			return margin.Snapshot{}, fmt.Errorf("%w: key %s holds %s", ErrCorrupt, it.Key(), strings.TrimPrefix(want, positionPrefix))
		}
		snap.Positions = append(snap.Positions, p)
	}
	if err := it.Error(); err != nil {
		return margin.Snapshot{}, err
	}

	s.logger.Info("Snapshot loaded", "positions", len(snap.Positions), "nextID", snap.NextID)
	return snap, nil
}

func decodePosition(raw []byte) (margin.Position, error) {
	var rec positionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return margin.Position{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	owner, err := margin.ParseAccountID(rec.Owner)
	if err != nil {
		return margin.Position{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	direction, err := margin.ParseDirection(rec.Direction)
	if err != nil {
		return margin.Position{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	amount, err := parseBalance(rec.Amount)
	if err != nil {
		return margin.Position{}, err
	}
	entry, err := parseBalance(rec.EntryPrice)
	if err != nil {
		return margin.Position{}, err
	}
	return margin.Position{
		Owner:      owner,
		ID:         margin.PositionID(rec.ID),
		Token:      margin.TokenID(rec.Token),
		Amount:     amount,
		Direction:  direction,
		Leverage:   rec.Leverage,
		EntryPrice: entry,
		CreatedAt:  rec.CreatedAt,
	}, nil
}

func parseBalance(s string) (margin.Balance, error) {
	b, err := uint256.FromDecimal(s)
	if err != nil {
		return margin.Balance{}, fmt.Errorf("%w: balance %q: %v", ErrCorrupt, s, err)
	}
	return *b, nil
}
