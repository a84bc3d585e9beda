// Package custody escrows settlement-currency payments per market.
//
// A Custodian fronts the value-transfer primitive (an approve + transferFrom
// token). Collect pulls an approved amount from a payer into a market's
// escrow; Disburse releases escrowed value to a recipient. Any error from
// either call means nothing moved.
package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/powguess/market-engine/internal/model"
)

// Custodian moves funds in and out of per-market escrow.
type Custodian interface {
	// Collect pulls amount from payer into the escrow of marketID, consuming
	// allowance. Fails with model.ErrInsufficientAllowance or
	// model.ErrInsufficientFunds and leaves all balances unchanged.
	Collect(ctx context.Context, marketID int64, payer string, amount uint64) error

	// Disburse releases amount from the escrow of marketID to recipient.
	Disburse(ctx context.Context, marketID int64, recipient string, amount uint64) error

	// Escrowed returns the value currently held for marketID.
	Escrowed(ctx context.Context, marketID int64) (uint64, error)
}

// Wallet is the token-side view used by the demo endpoints: minting test
// funds, approving the engine and reading balances.
type Wallet interface {
	Mint(ctx context.Context, owner string, amount uint64) error
	Approve(ctx context.Context, owner string, amount uint64) error
	BalanceOf(ctx context.Context, owner string) (uint64, error)
	Allowance(ctx context.Context, owner string) (uint64, error)
}

// Vault is an in-memory token with a single spender (the engine) and
// per-market escrow accounts.
type Vault struct {
	mu         sync.Mutex
	balances   map[string]uint64
	allowances map[string]uint64
	escrow     map[int64]uint64
}

// NewVault creates an empty in-memory vault.
func NewVault() *Vault {
	return &Vault{
		balances:   make(map[string]uint64),
		allowances: make(map[string]uint64),
		escrow:     make(map[int64]uint64),
	}
}

func (v *Vault) Mint(_ context.Context, owner string, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	next, err := credit(v.balances[owner], amount)
	if err != nil {
		return err
	}
	v.balances[owner] = next
	return nil
}

// Approve sets (not adds to) the amount the engine may pull from owner.
func (v *Vault) Approve(_ context.Context, owner string, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.allowances[owner] = amount
	return nil
}

func (v *Vault) BalanceOf(_ context.Context, owner string) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[owner], nil
}

func (v *Vault) Allowance(_ context.Context, owner string) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.allowances[owner], nil
}

func (v *Vault) Collect(_ context.Context, marketID int64, payer string, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.allowances[payer] < amount {
		return fmt.Errorf("%w: have %d, need %d", model.ErrInsufficientAllowance, v.allowances[payer], amount)
	}
	if v.balances[payer] < amount {
		return fmt.Errorf("%w: have %d, need %d", model.ErrInsufficientFunds, v.balances[payer], amount)
	}
	if v.escrow[marketID]+amount < v.escrow[marketID] {
		return fmt.Errorf("%w: escrow overflow", model.ErrInvalidParameters)
	}

	v.allowances[payer] -= amount
	v.balances[payer] -= amount
	v.escrow[marketID] += amount
	return nil
}

func (v *Vault) Disburse(_ context.Context, marketID int64, recipient string, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.escrow[marketID] < amount {
		return fmt.Errorf("%w: market %d escrow holds %d, need %d",
			model.ErrInsufficientFunds, marketID, v.escrow[marketID], amount)
	}
	next, err := credit(v.balances[recipient], amount)
	if err != nil {
		return err
	}
	v.escrow[marketID] -= amount
	v.balances[recipient] = next
	return nil
}

func (v *Vault) Escrowed(_ context.Context, marketID int64) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.escrow[marketID], nil
}

// credit returns balance+amount, or ErrInvalidParameters if the sum does not
// fit in a uint64.
func credit(balance, amount uint64) (uint64, error) {
	next := balance + amount
	if next < balance {
		return 0, fmt.Errorf("%w: balance overflow", model.ErrInvalidParameters)
	}
	return next, nil
}

// Compile-time interface checks.
var (
	_ Custodian = (*Vault)(nil)
	_ Wallet    = (*Vault)(nil)
)
