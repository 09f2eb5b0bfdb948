// Package vault custodies the collateral backing margin positions.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/margin/pkg/margin"
	"github.com/luxfi/margin/pkg/safemath"
)

var (
	ErrZeroAmount          = errors.New("zero amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOverflow            = safemath.ErrOverflow
)

// Movement describes a token transfer into or out of the vault.
type Movement struct {
	Token  margin.TokenID
	Amount margin.Balance
	From   margin.AccountID
	To     margin.AccountID
}

// TransferFunc moves tokens outside the vault's own bookkeeping. A non-nil
// error aborts the operation before any balance changes.
type TransferFunc func(ctx context.Context, m Movement) error

// Config configures a Vault.
type Config struct {
	// Account is the custody account deposits are moved to.
	Account  margin.AccountID
	Transfer TransferFunc
	Logger   log.Logger
}

// DefaultConfig returns a vault config with no transfer hook.
func DefaultConfig() *Config {
	return &Config{
		Account: margin.NewAccountID("margin/vault"),
		Logger:  log.Root().New("module", "vault"),
	}
}

type contributorKey struct {
	owner margin.AccountID
	token margin.TokenID
}

// Vault tracks collateral per (owner, token) and what has been paid out per
// (recipient, token). It implements margin.VaultSink.
type Vault struct {
	account  margin.AccountID
	transfer TransferFunc
	logger   log.Logger

	contributors map[contributorKey]margin.Balance
	payouts      map[contributorKey]margin.Balance
	reserves     map[margin.TokenID]margin.Balance

	mu sync.RWMutex
}

var _ margin.VaultSink = (*Vault)(nil)

// New creates an empty vault.
func New(config *Config) *Vault {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Account.IsZero() {
		config.Account = defaults.Account
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Vault{
		account:      config.Account,
		transfer:     config.Transfer,
		logger:       config.Logger,
		contributors: make(map[contributorKey]margin.Balance),
		payouts:      make(map[contributorKey]margin.Balance),
		reserves:     make(map[margin.TokenID]margin.Balance),
	}
}

// AddLiquidity credits amount of token to owner. Deposits accumulate, so an
// owner can back several positions in the same token.
func (v *Vault) AddLiquidity(ctx context.Context, token margin.TokenID, amount margin.Balance, owner margin.AccountID) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	key := contributorKey{owner: owner, token: token}
	if err := v.credit(ctx, key, amount, true); err != nil {
		return err
	}

	v.logger.Debug("AddLiquidity", "owner", owner, "token", token, "amount", amount.Dec())
	return nil
}

// UpdateLiquidity adds amount to an existing deposit. It fails with
// ErrZeroAmount when owner has nothing deposited in token.
func (v *Vault) UpdateLiquidity(ctx context.Context, token margin.TokenID, amount margin.Balance, owner margin.AccountID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := contributorKey{owner: owner, token: token}
	current := v.contributors[key]
	if current.IsZero() {
		return ErrZeroAmount
	}
	if err := v.credit(ctx, key, amount, true); err != nil {
		return err
	}

	v.logger.Debug("UpdateLiquidity", "owner", owner, "token", token, "amount", amount.Dec())
	return nil
}

// Seed records collateral that is already in custody, such as the deposits
// behind positions restored from a snapshot. The transfer hook is not run.
func (v *Vault) Seed(token margin.TokenID, amount margin.Balance, owner margin.AccountID) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.credit(context.Background(), contributorKey{owner: owner, token: token}, amount, false)
}

func (v *Vault) credit(ctx context.Context, key contributorKey, amount margin.Balance, transfer bool) error {
	current := v.contributors[key]
	balance, err := safemath.Add(&current, &amount)
	if err != nil {
		return err
	}
	reserve := v.reserves[key.token]
	total, err := safemath.Add(&reserve, &amount)
	if err != nil {
		return err
	}

	if transfer && v.transfer != nil {
		m := Movement{Token: key.token, Amount: amount, From: key.owner, To: v.account}
		if err := v.transfer(ctx, m); err != nil {
			return fmt.Errorf("transfer in: %w", err)
		}
	}

	v.contributors[key] = *balance
	v.reserves[key.token] = *total
	return nil
}

// RemoveLiquidity debits amount of token from owner and pays it to recipient.
func (v *Vault) RemoveLiquidity(ctx context.Context, token margin.TokenID, amount margin.Balance, owner, recipient margin.AccountID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := contributorKey{owner: owner, token: token}
	current := v.contributors[key]
	if current.IsZero() {
		return ErrZeroAmount
	}
	if current.Lt(&amount) {
		return fmt.Errorf("%w: have %s, want %s", ErrInsufficientBalance, current.Dec(), amount.Dec())
	}

	payoutKey := contributorKey{owner: recipient, token: token}
	paid := v.payouts[payoutKey]
	newPaid, err := safemath.Add(&paid, &amount)
	if err != nil {
		return err
	}

	if v.transfer != nil {
		m := Movement{Token: token, Amount: amount, From: v.account, To: recipient}
		if err := v.transfer(ctx, m); err != nil {
			return fmt.Errorf("transfer out: %w", err)
		}
	}

	remaining := new(margin.Balance).Sub(&current, &amount)
	if remaining.IsZero() {
		delete(v.contributors, key)
	} else {
		v.contributors[key] = *remaining
	}
	reserve := v.reserves[token]
	v.reserves[token] = *new(margin.Balance).Sub(&reserve, &amount)
	v.payouts[payoutKey] = *newPaid

	v.logger.Debug("WithdrawLiquidity",
		"owner", owner,
		"recipient", recipient,
		"token", token,
		"amount", amount.Dec())
	return nil
}

// Balance returns what owner has deposited in token.
func (v *Vault) Balance(owner margin.AccountID, token margin.TokenID) margin.Balance {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.contributors[contributorKey{owner: owner, token: token}]
}

// Payouts returns the total of token paid out to recipient.
func (v *Vault) Payouts(recipient margin.AccountID, token margin.TokenID) margin.Balance {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.payouts[contributorKey{owner: recipient, token: token}]
}

// Reserves returns the total of token held for all contributors.
func (v *Vault) Reserves(token margin.TokenID) margin.Balance {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.reserves[token]
}
