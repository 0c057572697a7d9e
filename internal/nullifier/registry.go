// registry.go - Authoritative spent-nullifier set for one pool.
//
// A nullifier, once present, is present forever. The registry is the replay
// guard: the second insert of an identical nullifier must observe
// ErrAlreadySpent, never silently succeed, including under concurrency.
// One registry instance exists per token pool.

package nullifier

import (
	"errors"
	"sync"
)

// ErrAlreadySpent is returned when a nullifier is inserted twice.
var ErrAlreadySpent = errors.New("nullifier already spent")

// Registry is the authoritative per-pool nullifier set. Inserts are atomic
// with respect to concurrent inserts of the same value.
type Registry struct {
	mu    sync.Mutex
	spent map[string]struct{} // canonical hex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{spent: make(map[string]struct{})}
}

// Contains reports whether a nullifier has been spent.
func (r *Registry) Contains(nf string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.spent[nf]
	return ok
}

// Insert marks a nullifier as spent. The second insert of the same value
// fails with ErrAlreadySpent.
func (r *Registry) Insert(nf string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.spent[nf]; ok {
		return ErrAlreadySpent
	}
	r.spent[nf] = struct{}{}
	return nil
}

// BulkCheck fails with ErrAlreadySpent on the first nullifier already in the
// set. Used to fail fast before paying for proof generation; the
// authoritative check still happens at Insert.
func (r *Registry) BulkCheck(nfs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, nf := range nfs {
		if _, ok := r.spent[nf]; ok {
			return ErrAlreadySpent
		}
	}
	return nil
}

// Size returns the number of spent nullifiers.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spent)
}

// List returns all spent nullifiers in unspecified order. Intended for the
// mirror-publish interface, not for security decisions.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.spent))
	for nf := range r.spent {
		out = append(out, nf)
	}
	return out
}
