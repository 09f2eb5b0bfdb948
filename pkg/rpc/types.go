package rpc

import (
	"errors"

	"github.com/luxfi/margin/pkg/margin"
	"github.com/luxfi/margin/pkg/oracle"
	"github.com/luxfi/margin/pkg/vault"
)

// Error codes carried in error replies.
const (
	CodeBadRequest      = "bad_request"
	CodeUnknownSubject  = "unknown_subject"
	CodeNotFound        = "not_found"
	CodeDuplicateOpen   = "duplicate_open"
	CodeZeroAmount      = "zero_amount"
	CodeInvalidLeverage = "invalid_leverage"
	CodeOverflow        = "overflow"
	CodeUnderflow       = "underflow"
	CodeDivByZero       = "div_by_zero"
	CodeInvariant       = "invariant"
	CodeInsufficient    = "insufficient_balance"
	CodeNoPrice         = "no_price"
	CodeInternal        = "internal"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{margin.ErrNotFound, CodeNotFound},
	{margin.ErrDuplicateOpen, CodeDuplicateOpen},
	{margin.ErrZeroAmount, CodeZeroAmount},
	{margin.ErrInvalidLeverage, CodeInvalidLeverage},
	{margin.ErrOverflow, CodeOverflow},
	{margin.ErrUnderflow, CodeUnderflow},
	{margin.ErrDivByZero, CodeDivByZero},
	{margin.ErrInvariant, CodeInvariant},
	{vault.ErrInsufficientBalance, CodeInsufficient},
	{vault.ErrZeroAmount, CodeZeroAmount},
	{oracle.ErrNoPrice, CodeNoPrice},
}

// ErrorCode maps err to its reply code.
func ErrorCode(err error) string {
	var bad *badRequestError
	if errors.As(err, &bad) {
		return CodeBadRequest
	}
	var unknown *unknownSubjectError
	if errors.As(err, &unknown) {
		return CodeUnknownSubject
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func badRequest(msg string) error { return &badRequestError{msg: msg} }

// Reply is the body of every response.
type Reply struct {
	Result interface{} `json:"result,omitempty"`
	Error  *ReplyError `json:"error,omitempty"`
}

type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type OpenRequest struct {
	Owner     string `json:"owner"`
	Token     uint64 `json:"token"`
	Amount    string `json:"amount"`
	Direction string `json:"direction"`
	Leverage  uint32 `json:"leverage"`
}

type OpenResult struct {
	ID uint64 `json:"id"`
}

type PositionRequest struct {
	Owner string `json:"owner"`
	ID    uint64 `json:"id"`
}

type CloseRequest struct {
	Owner string `json:"owner"`
	ID    uint64 `json:"id"`
}

type UpdateRequest struct {
	Owner  string `json:"owner"`
	ID     uint64 `json:"id"`
	Kind   string `json:"kind"` // "topup" or "fee"
	Amount string `json:"amount"`
}

type PositionView struct {
	Owner      string `json:"owner"`
	ID         uint64 `json:"id"`
	Token      uint64 `json:"token"`
	Amount     string `json:"amount"`
	Direction  string `json:"direction"`
	Leverage   uint32 `json:"leverage"`
	EntryPrice string `json:"entryPrice"`
	CreatedAt  int64  `json:"createdAt"`
}

func newPositionView(p margin.Position) PositionView {
	return PositionView{
		Owner:      p.Owner.String(),
		ID:         uint64(p.ID),
		Token:      uint64(p.Token),
		Amount:     p.Amount.Dec(),
		Direction:  p.Direction.String(),
		Leverage:   p.Leverage,
		EntryPrice: p.EntryPrice.Dec(),
		CreatedAt:  p.CreatedAt.Unix(),
	}
}

type ReviewResult struct {
	Outcome   string `json:"outcome"`
	Fee       string `json:"fee,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Price     string `json:"price"`
}

type FundingResult struct {
	Rate         string `json:"rate"`
	SpotPrice    string `json:"spotPrice"`
	MarkPrice    string `json:"markPrice"`
	Long         string `json:"long"`
	Short        string `json:"short"`
	PremiumIndex string `json:"premiumIndex"`
	Imbalance    string `json:"imbalance"`
}

type TotalsResult struct {
	Long      string `json:"long"`
	Short     string `json:"short"`
	Positions int    `json:"positions"`
	NextID    uint64 `json:"nextId"`
}
