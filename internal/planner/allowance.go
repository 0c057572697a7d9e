// allowance.go - Delegated-spend allowances.
//
// The in-memory book is authoritative for a running daemon; the optional
// mirror hook is advisory and gets re-synced after every attempt, success
// or failure, so a stale mirror can never block or permit a spend.

package planner

import (
	"sync"
)

// MirrorSync receives the authoritative allowance after each attempt.
// Implementations must tolerate repeat deliveries of the same value.
type MirrorSync func(owner, spender string, remaining uint64)

// AllowanceBook tracks owner->spender allowances.
type AllowanceBook struct {
	mu         sync.Mutex
	allowances map[allowanceKey]uint64
	mirror     MirrorSync
}

type allowanceKey struct {
	owner   string
	spender string
}

// NewAllowanceBook creates a book. mirror may be nil.
func NewAllowanceBook(mirror MirrorSync) *AllowanceBook {
	return &AllowanceBook{
		allowances: make(map[allowanceKey]uint64),
		mirror:     mirror,
	}
}

// Approve sets (overwrites) the allowance spender may move on behalf of
// owner.
func (b *AllowanceBook) Approve(owner, spender string, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowances[allowanceKey{owner, spender}] = amount
	b.resync(owner, spender)
}

// Revoke zeroes the allowance unconditionally.
func (b *AllowanceBook) Revoke(owner, spender string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.allowances, allowanceKey{owner, spender})
	b.resync(owner, spender)
}

// Allowance returns the remaining allowance.
func (b *AllowanceBook) Allowance(owner, spender string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowances[allowanceKey{owner, spender}]
}

// TransferFrom runs exec under the allowance check. The allowance is
// decremented by exactly amount when exec succeeds and left untouched when
// it fails; the mirror is re-synced either way. The book stays locked
// across exec so two delegated spends cannot race past the same allowance.
func (b *AllowanceBook) TransferFrom(owner, spender string, amount uint64, exec func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := allowanceKey{owner, spender}
	remaining := b.allowances[key]
	if amount > remaining {
		b.resync(owner, spender)
		return ErrAllowanceExceeded
	}
	if err := exec(); err != nil {
		b.resync(owner, spender)
		return err
	}
	b.allowances[key] = remaining - amount
	b.resync(owner, spender)
	return nil
}

func (b *AllowanceBook) resync(owner, spender string) {
	if b.mirror == nil {
		return
	}
	b.mirror(owner, spender, b.allowances[allowanceKey{owner, spender}])
}
