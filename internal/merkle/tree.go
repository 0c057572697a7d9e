// tree.go - Incremental Merkle accumulator over issued note commitments.
//
// The tree has a fixed depth of 32 and is append-only. Instead of storing
// 2^32 nodes it keeps a frontier: the rightmost known node at each level,
// which is everything an O(depth) insertion needs. A precomputed zero table
// supplies the hash of an all-zero subtree at each level, and a small ring of
// recent roots lets proofs built against a slightly stale root stay valid for
// a bounded window.

package merkle

import (
	"errors"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/ptf-labs/shieldpool/internal/note"
)

const (
	// Depth is the fixed tree depth. It must not vary per pool.
	Depth = 32

	// RootWindow is the number of recent roots accepted alongside the
	// current root.
	RootWindow = 16

	// maxLeaves is the tree capacity, 2^Depth.
	maxLeaves = uint64(1) << Depth
)

var (
	// ErrTreeFull is returned once all 2^32 leaf slots are used.
	ErrTreeFull = errors.New("commitment tree is full")

	// ErrInsertPending is returned when a new insertion is staged while a
	// previous staged insertion has not finished.
	ErrInsertPending = errors.New("a staged insertion is already in progress")
)

// Tree is the in-memory authoritative accumulator for one pool. All methods
// are safe for concurrent use; mutations are serialized by the tree mutex.
type Tree struct {
	mu        sync.RWMutex
	nextIndex uint64
	root      fr.Element
	frontier  [Depth]fr.Element
	zeros     [Depth]fr.Element
	recent    []fr.Element // ring of the last RootWindow roots, oldest first
	staged    *StagedInsert
}

// New builds an empty tree: the root is the hash of a fully zero tree.
func New() *Tree {
	t := &Tree{}
	var zero fr.Element
	t.zeros[0] = zero
	for i := 1; i < Depth; i++ {
		t.zeros[i] = note.HashElements(&t.zeros[i-1], &t.zeros[i-1])
	}
	t.root = note.HashElements(&t.zeros[Depth-1], &t.zeros[Depth-1])
	return t
}

// Root returns the current root.
func (t *Tree) Root() fr.Element {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// NextIndex returns the index the next inserted leaf will occupy.
func (t *Tree) NextIndex() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextIndex
}

// RecentRoots returns the accepted stale-root window, oldest first, not
// including the current root.
func (t *Tree) RecentRoots() []fr.Element {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]fr.Element, len(t.recent))
	copy(out, t.recent)
	return out
}

// IsKnownRoot reports whether a candidate equals the current root or any
// root in the recent window.
func (t *Tree) IsKnownRoot(candidate fr.Element) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if candidate.Equal(&t.root) {
		return true
	}
	for i := range t.recent {
		if candidate.Equal(&t.recent[i]) {
			return true
		}
	}
	return false
}

// Insert appends one leaf and returns the new root and the leaf index. It is
// the single-step form of StageInsert followed by a full-budget Advance, and
// must be called exactly once per accepted deposit: idempotency on retry is
// the caller's job.
func (t *Tree) Insert(leaf fr.Element) (fr.Element, uint64, error) {
	s, err := t.StageInsert(leaf)
	if err != nil {
		return fr.Element{}, 0, err
	}
	if _, err := s.Advance(Depth); err != nil {
		return fr.Element{}, 0, err
	}
	return t.Root(), s.Index(), nil
}

// StagedInsert carries a single leaf insertion split across bounded steps so
// a host environment that caps work per step can spread the depth-32 hash
// walk over several invocations.
type StagedInsert struct {
	tree  *Tree
	index uint64
	node  fr.Element
	level int
	done  bool
}

// StageInsert reserves the next leaf slot and returns a resumable insertion.
// Only one staged insertion may be in flight per tree.
func (t *Tree) StageInsert(leaf fr.Element) (*StagedInsert, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.staged != nil {
		return nil, ErrInsertPending
	}
	if t.nextIndex >= maxLeaves {
		return nil, ErrTreeFull
	}
	s := &StagedInsert{tree: t, index: t.nextIndex, node: leaf}
	t.staged = s
	return s, nil
}

// Index returns the leaf index reserved for this insertion.
func (s *StagedInsert) Index() uint64 { return s.index }

// Done reports whether the insertion has been committed.
func (s *StagedInsert) Done() bool {
	s.tree.mu.RLock()
	defer s.tree.mu.RUnlock()
	return s.done
}

// Advance hashes at most budget levels of the insertion walk. It returns
// true once the root has been committed. Advancing a finished insertion is a
// no-op.
func (s *StagedInsert) Advance(budget int) (bool, error) {
	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.done {
		return true, nil
	}
	for i := 0; i < budget && s.level < Depth; i++ {
		pos := s.index >> uint(s.level)
		if pos%2 == 0 {
			// Leftmost open slot at this level: remember it for the
			// sibling that will arrive later, pair with the zero subtree.
			t.frontier[s.level] = s.node
			s.node = note.HashElements(&s.node, &t.zeros[s.level])
		} else {
			s.node = note.HashElements(&t.frontier[s.level], &s.node)
		}
		s.level++
	}
	if s.level < Depth {
		return false, nil
	}
	// The outgoing root joins the stale window, so the window really is
	// the current root plus RootWindow prior ones.
	t.recent = append(t.recent, t.root)
	if len(t.recent) > RootWindow {
		t.recent = t.recent[len(t.recent)-RootWindow:]
	}
	t.root = s.node
	t.nextIndex++
	t.staged = nil
	s.done = true
	return true, nil
}
