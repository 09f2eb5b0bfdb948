// Package rpc exposes the ledger over NATS request/reply.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"

	"github.com/luxfi/margin/pkg/margin"
)

// Operations, appended to the subject prefix.
const (
	OpOpen    = "open"
	OpClose   = "close"
	OpUpdate  = "update"
	OpGet     = "get"
	OpReview  = "review"
	OpFunding = "funding"
	OpTotals  = "totals"
)

var mutating = map[string]bool{OpOpen: true, OpClose: true, OpUpdate: true, OpReview: true}

// Config configures a Service.
type Config struct {
	Prefix     string
	QueueGroup string
	Timeout    time.Duration

	// OnCommit runs after every successful mutating request.
	OnCommit func() error

	// Writes is held across each mutating request and its commit hook.
	// Share it with other writers of the same ledger.
	Writes sync.Locker

	Logger log.Logger
}

// DefaultConfig serves on "margin.*" in the "margin-rpc" queue group.
func DefaultConfig() *Config {
	return &Config{
		Prefix:     "margin",
		QueueGroup: "margin-rpc",
		Timeout:    5 * time.Second,
		Logger:     log.Root().New("module", "rpc"),
	}
}

// Service maps request subjects to ledger and engine operations.
type Service struct {
	ledger *margin.Ledger
	engine *margin.LiquidationEngine
	config *Config
	logger log.Logger

	subs []*nats.Subscription
}

// NewService creates a service over ledger and engine.
func NewService(ledger *margin.Ledger, engine *margin.LiquidationEngine, config *Config) *Service {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.QueueGroup == "" {
		config.QueueGroup = defaults.QueueGroup
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Writes == nil {
		config.Writes = &sync.Mutex{}
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Service{ledger: ledger, engine: engine, config: config, logger: config.Logger}
}

// Subject returns the full subject for op.
func (s *Service) Subject(op string) string {
	return s.config.Prefix + "." + op
}

// Serve subscribes every operation on nc using the queue group.
func (s *Service) Serve(nc *nats.Conn) error {
	for _, op := range []string{OpOpen, OpClose, OpUpdate, OpGet, OpReview, OpFunding, OpTotals} {
		sub, err := nc.QueueSubscribe(s.Subject(op), s.config.QueueGroup, func(m *nats.Msg) {
			if err := m.Respond(s.Handle(m.Subject, m.Data)); err != nil {
				s.logger.Warn("Failed to respond", "subject", m.Subject, "error", err)
			}
		})
		if err != nil {
			return multierr.Append(fmt.Errorf("subscribe %s: %w", op, err), s.Close())
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("RPC service ready", "prefix", s.config.Prefix, "queue", s.config.QueueGroup)
	return nil
}

// Close drops all subscriptions.
func (s *Service) Close() error {
	var errs error
	for _, sub := range s.subs {
		errs = multierr.Append(errs, sub.Unsubscribe())
	}
	s.subs = nil
	return errs
}

// Handle runs the request in data against the operation named by subject
// and returns the encoded reply.
func (s *Service) Handle(subject string, data []byte) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	op := strings.TrimPrefix(subject, s.config.Prefix+".")
	if mutating[op] {
		s.config.Writes.Lock()
		defer s.config.Writes.Unlock()
	}
	result, err := s.dispatch(ctx, op, data)
	if err == nil && mutating[op] && s.config.OnCommit != nil {
		if cerr := s.config.OnCommit(); cerr != nil {
			s.logger.Error("Commit hook failed", "op", op, "error", cerr)
		}
	}

	var reply Reply
	if err != nil {
		code := ErrorCode(err)
		reply.Error = &ReplyError{Code: code, Message: err.Error()}
		if code == CodeInternal {
			s.logger.Warn("Request failed", "op", op, "error", err)
		}
	} else {
		reply.Result = result
	}

	out, err := json.Marshal(reply)
	if err != nil {
		out, _ = json.Marshal(Reply{Error: &ReplyError{Code: CodeInternal, Message: err.Error()}})
	}
	return out
}

func (s *Service) dispatch(ctx context.Context, op string, data []byte) (interface{}, error) {
	switch op {
	case OpOpen:
		var req OpenRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return s.open(ctx, req)
	case OpClose:
		var req CloseRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return s.close(ctx, req)
	case OpUpdate:
		var req UpdateRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return s.update(ctx, req)
	case OpGet:
		var req PositionRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		owner, err := parseOwner(req.Owner)
		if err != nil {
			return nil, err
		}
		p, err := s.ledger.Get(owner, margin.PositionID(req.ID))
		if err != nil {
			return nil, err
		}
		return newPositionView(p), nil
	case OpReview:
		var req PositionRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return s.review(ctx, req)
	case OpFunding:
		q, err := s.ledger.FundingQuote(ctx)
		if err != nil {
			return nil, err
		}
		return FundingResult{
			Rate:         q.Rate.Dec(),
			SpotPrice:    q.SpotPrice.Dec(),
			MarkPrice:    q.MarkPrice.Dec(),
			Long:         q.Long.Dec(),
			Short:        q.Short.Dec(),
			PremiumIndex: q.PremiumIndex.String(),
			Imbalance:    q.Imbalance.String(),
		}, nil
	case OpTotals:
		snap := s.ledger.Snapshot()
		return TotalsResult{
			Long:      snap.Long.Dec(),
			Short:     snap.Short.Dec(),
			Positions: len(snap.Positions),
			NextID:    uint64(snap.NextID),
		}, nil
	default:
		return nil, &unknownSubjectError{op: op}
	}
}

func (s *Service) open(ctx context.Context, req OpenRequest) (interface{}, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	direction, err := margin.ParseDirection(req.Direction)
	if err != nil {
		return nil, badRequest(err.Error())
	}
	id, err := s.ledger.Open(ctx, owner, margin.TokenID(req.Token), amount, direction, req.Leverage)
	if err != nil {
		return nil, err
	}
	return OpenResult{ID: uint64(id)}, nil
}

func (s *Service) close(ctx context.Context, req CloseRequest) (interface{}, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return nil, err
	}
	// Collateral always goes back to the owner here. Only liquidation seizes it.
	p, err := s.ledger.CloseTo(ctx, owner, margin.PositionID(req.ID), owner)
	if err != nil {
		return nil, err
	}
	return newPositionView(p), nil
}

func (s *Service) update(ctx context.Context, req UpdateRequest) (interface{}, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	adj := margin.Adjustment{Amount: amount}
	switch req.Kind {
	case "topup":
		adj.Kind = margin.TopUp
	case "fee":
		adj.Kind = margin.Fee
	default:
		return nil, badRequest(fmt.Sprintf("unknown adjustment kind %q", req.Kind))
	}

	id := margin.PositionID(req.ID)
	if err := s.ledger.Update(ctx, owner, id, adj); err != nil {
		return nil, err
	}
	p, err := s.ledger.Get(owner, id)
	if err != nil {
		return nil, err
	}
	return newPositionView(p), nil
}

func (s *Service) review(ctx context.Context, req PositionRequest) (interface{}, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return nil, err
	}
	r, err := s.engine.ReviewPosition(ctx, owner, margin.PositionID(req.ID))
	if err != nil {
		return nil, err
	}
	res := ReviewResult{Outcome: r.Outcome.String(), Price: r.Valuation.CurrentPrice.Dec()}
	if r.Outcome == margin.OutcomeLiquidated {
		res.Recipient = r.Recipient.String()
	} else {
		res.Fee = r.Fee.Dec()
	}
	return res, nil
}

type unknownSubjectError struct{ op string }

func (e *unknownSubjectError) Error() string { return "unknown operation " + e.op }

func decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return badRequest("invalid request: " + err.Error())
	}
	return nil
}

func parseOwner(s string) (margin.AccountID, error) {
	id, err := margin.ParseAccountID(s)
	if err != nil {
		return id, badRequest(err.Error())
	}
	return id, nil
}

func parseAmount(s string) (margin.Balance, error) {
	b, err := uint256.FromDecimal(s)
	if err != nil {
		return margin.Balance{}, badRequest(fmt.Sprintf("invalid amount %q", s))
	}
	return *b, nil
}
