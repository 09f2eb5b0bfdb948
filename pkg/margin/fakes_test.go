package margin

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

var errVaultDown = errors.New("vault unavailable")

type fakeOracle struct {
	spot Balance
	mark Balance
	now  time.Time
	err  error
}

func newFakeOracle(spot uint64) *fakeOracle {
	return &fakeOracle{
		spot: *uint256.NewInt(spot),
		mark: *uint256.NewInt(spot),
		now:  time.Unix(1000, 0).UTC(),
	}
}

func (o *fakeOracle) setSpot(p uint64) { o.spot = *uint256.NewInt(p) }
func (o *fakeOracle) setMark(p uint64) { o.mark = *uint256.NewInt(p) }

func (o *fakeOracle) SpotPrice(context.Context) (Balance, error) { return o.spot, o.err }
func (o *fakeOracle) MarkPrice(context.Context) (Balance, error) { return o.mark, o.err }
func (o *fakeOracle) Now(context.Context) (time.Time, error)     { return o.now, o.err }

type vaultCall struct {
	method    string
	token     TokenID
	amount    uint64
	owner     AccountID
	recipient AccountID
}

type fakeVault struct {
	calls []vaultCall
	fail  map[string]error
}

func newFakeVault() *fakeVault {
	return &fakeVault{fail: make(map[string]error)}
}

func (v *fakeVault) record(c vaultCall) error {
	if err := v.fail[c.method]; err != nil {
		return err
	}
	v.calls = append(v.calls, c)
	return nil
}

func (v *fakeVault) AddLiquidity(_ context.Context, token TokenID, amount Balance, owner AccountID) error {
	return v.record(vaultCall{method: "add", token: token, amount: amount.Uint64(), owner: owner})
}

func (v *fakeVault) UpdateLiquidity(_ context.Context, token TokenID, amount Balance, owner AccountID) error {
	return v.record(vaultCall{method: "update", token: token, amount: amount.Uint64(), owner: owner})
}

func (v *fakeVault) RemoveLiquidity(_ context.Context, token TokenID, amount Balance, owner, recipient AccountID) error {
	return v.record(vaultCall{method: "remove", token: token, amount: amount.Uint64(), owner: owner, recipient: recipient})
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Topic()
	}
	return out
}

type fixture struct {
	oracle *fakeOracle
	vault  *fakeVault
	events *recorder
	ledger *Ledger
}

func newFixture(price uint64) *fixture {
	f := &fixture{
		oracle: newFakeOracle(price),
		vault:  newFakeVault(),
		events: &recorder{},
	}
	f.ledger = NewLedger(f.oracle, f.vault, &LedgerConfig{Events: f.events})
	return f
}

func bal(v uint64) Balance { return *uint256.NewInt(v) }

var (
	alice = NewAccountID("alice")
	bob   = NewAccountID("bob")
)
