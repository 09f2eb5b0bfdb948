package margin

import (
	"encoding/json"
	"fmt"
)

// Event topics.
const (
	TopicPositionOpened          = "position.opened"
	TopicPositionUpdated         = "position.updated"
	TopicPositionClosed          = "position.closed"
	TopicMaintenanceFeeCollected = "position.fee_collected"
	TopicLiquidated              = "position.liquidated"
)

// Event is a ledger notification.
type Event interface {
	Topic() string
	Key() (AccountID, PositionID)
}

type PositionOpened struct {
	Owner      AccountID
	PositionID PositionID
	Amount     Balance
}

type PositionUpdated struct {
	Owner      AccountID
	PositionID PositionID
	Amount     Balance
}

type PositionClosed struct {
	Owner      AccountID
	PositionID PositionID
}

type MaintenanceFeeCollected struct {
	Owner      AccountID
	PositionID PositionID
	Fee        Balance
}

// Liquidated follows the PositionClosed emitted by the forced close.
type Liquidated struct {
	Owner      AccountID
	PositionID PositionID
	Amount     Balance
	Recipient  AccountID
}

func (PositionOpened) Topic() string          { return TopicPositionOpened }
func (PositionUpdated) Topic() string         { return TopicPositionUpdated }
func (PositionClosed) Topic() string          { return TopicPositionClosed }
func (MaintenanceFeeCollected) Topic() string { return TopicMaintenanceFeeCollected }
func (Liquidated) Topic() string              { return TopicLiquidated }

func (e PositionOpened) Key() (AccountID, PositionID)          { return e.Owner, e.PositionID }
func (e PositionUpdated) Key() (AccountID, PositionID)         { return e.Owner, e.PositionID }
func (e PositionClosed) Key() (AccountID, PositionID)          { return e.Owner, e.PositionID }
func (e MaintenanceFeeCollected) Key() (AccountID, PositionID) { return e.Owner, e.PositionID }
func (e Liquidated) Key() (AccountID, PositionID)              { return e.Owner, e.PositionID }

// Envelope is the wire form of an event. Balances are decimal strings.
type Envelope struct {
	Sequence   uint64 `json:"sequence"`
	Topic      string `json:"topic"`
	Owner      string `json:"owner"`
	PositionID uint64 `json:"positionId"`
	Amount     string `json:"amount,omitempty"`
	Fee        string `json:"fee,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
}

// NewEnvelope converts ev to its wire form.
func NewEnvelope(seq uint64, ev Event) (Envelope, error) {
	owner, id := ev.Key()
	env := Envelope{
		Sequence:   seq,
		Topic:      ev.Topic(),
		Owner:      owner.String(),
		PositionID: uint64(id),
	}

	switch e := ev.(type) {
	case PositionOpened:
		env.Amount = e.Amount.Dec()
	case PositionUpdated:
		env.Amount = e.Amount.Dec()
	case PositionClosed:
	case MaintenanceFeeCollected:
		env.Fee = e.Fee.Dec()
	case Liquidated:
		env.Amount = e.Amount.Dec()
		env.Recipient = e.Recipient.String()
	default:
		return Envelope{}, fmt.Errorf("unknown event type %T", ev)
	}
	return env, nil
}

// EncodeEvent returns the JSON envelope for ev.
func EncodeEvent(seq uint64, ev Event) ([]byte, error) {
	env, err := NewEnvelope(seq, ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
