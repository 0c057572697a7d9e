// vault.go - Custody vault holding the public-side token balance for a pool.
//
// The vault is the program-owned account that physically holds deposited
// tokens. Releases are gated on the pool authority; nothing else may move
// funds out.

package vault

import (
	"errors"
	"math"
	"sync"
)

var (
	// ErrUnauthorized is returned when a release caller is not the pool
	// authority.
	ErrUnauthorized = errors.New("unauthorized release caller")

	// ErrInsufficientBalance is returned when a release exceeds custody.
	ErrInsufficientBalance = errors.New("insufficient vault balance")

	// ErrInvalidDeposit is returned for zero or overflowing deposits.
	ErrInvalidDeposit = errors.New("deposit amount must be positive")
)

// Vault tracks custody for a single origin mint.
type Vault struct {
	mu         sync.Mutex
	originMint string
	authority  string
	balance    uint64
}

// New creates a vault tied to an origin mint and its pool authority.
func New(originMint, authority string) *Vault {
	return &Vault{originMint: originMint, authority: authority}
}

// OriginMint returns the mint this vault custodies.
func (v *Vault) OriginMint() string {
	return v.originMint
}

// Balance returns the current custody balance.
func (v *Vault) Balance() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance
}

// Deposit adds tokens to custody.
func (v *Vault) Deposit(amount uint64) error {
	if amount == 0 {
		return ErrInvalidDeposit
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balance > math.MaxUint64-amount {
		return ErrInvalidDeposit
	}
	v.balance += amount
	return nil
}

// Release pays tokens out of custody. Only the pool authority may call it.
func (v *Vault) Release(caller string, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if caller != v.authority {
		return ErrUnauthorized
	}
	if v.balance < amount {
		return ErrInsufficientBalance
	}
	v.balance -= amount
	return nil
}

// SetAuthority migrates the pool authority (governance action).
func (v *Vault) SetAuthority(newAuthority string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.authority = newAuthority
}
