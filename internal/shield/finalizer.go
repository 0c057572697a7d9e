// finalizer.go - Multi-step shield finalization.
//
// A claim walks Inactive -> PendingTree -> AwaitingLedger ->
// AwaitingInvariant and is removed on success. The tree insertion is split
// across bounded AdvanceTree calls; every step re-observes the claim state
// before acting, so callers can retry any step that has not advanced yet.
// Retrying a step whose state has already advanced is rejected, except
// AdvanceTree, which degrades to a no-op.

package shield

import (
	"errors"
	"fmt"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/rs/zerolog"

	"github.com/ptf-labs/shieldpool/internal/field"
	"github.com/ptf-labs/shieldpool/internal/merkle"
	"github.com/ptf-labs/shieldpool/internal/pool"
	"github.com/ptf-labs/shieldpool/internal/vault"
)

// State is a claim's position in the finalization pipeline.
type State int

const (
	StateInactive State = iota
	StatePendingTree
	StateAwaitingLedger
	StateAwaitingInvariant
)

func (s State) String() string {
	switch s {
	case StatePendingTree:
		return "PendingTree"
	case StateAwaitingLedger:
		return "AwaitingLedger"
	case StateAwaitingInvariant:
		return "AwaitingInvariant"
	default:
		return "Inactive"
	}
}

var (
	// ErrClaimActive is returned when a deposit already has a live claim.
	ErrClaimActive = errors.New("shield claim already active for deposit")

	// ErrNoClaim is returned for an unknown deposit id.
	ErrNoClaim = errors.New("no active shield claim")

	// ErrStateMismatch is returned when a step is invoked in the wrong
	// state, including retries after the state has advanced.
	ErrStateMismatch = errors.New("claim state does not allow this step")

	// ErrInvariantAbort wraps a conservation breach. The claim is gone;
	// the deposit must not be retried.
	ErrInvariantAbort = errors.New("invariant violation, deposit aborted")
)

// claim is the transient per-deposit record.
type claim struct {
	depositID  string
	commitment string
	amount     uint64
	leaf       fr.Element
	state      State
	staged     *merkle.StagedInsert
	leafIndex  uint64
	newRoot    string
}

// Finalizer drives shield claims for one pool. Steps on different deposits
// are independent; steps on the same deposit are serialized by the mutex.
// The tree allows a single staged insertion at a time, so claims queue for
// the slot in arrival order and acquire it as earlier insertions commit.
type Finalizer struct {
	mu      sync.Mutex
	pool    *pool.Pool
	vault   *vault.Vault
	tree    *merkle.Tree
	notes   *NoteLog
	poolID  string
	budget  int
	claims  map[string]*claim
	waiting []*claim
	log     zerolog.Logger
}

// treeStepBudget is the number of tree levels hashed per AdvanceTree call.
const treeStepBudget = 8

// NewFinalizer wires a finalizer to its pool, vault, tree, and note log.
func NewFinalizer(poolID string, p *pool.Pool, v *vault.Vault, t *merkle.Tree, notes *NoteLog, log zerolog.Logger) *Finalizer {
	return &Finalizer{
		pool:   p,
		vault:  v,
		tree:   t,
		notes:  notes,
		poolID: poolID,
		budget: treeStepBudget,
		claims: make(map[string]*claim),
		log:    log.With().Str("component", "shield-finalizer").Str("pool", poolID).Logger(),
	}
}

// Begin opens a claim for an accepted shield proof and joins the queue for
// the tree's insertion slot. Exactly one claim may be active per deposit;
// claims for different deposits may be open at once.
func (f *Finalizer) Begin(depositID, commitment string, amount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.claims[depositID]; ok {
		return ErrClaimActive
	}
	leaf, err := field.ToElement(commitment)
	if err != nil {
		return err
	}
	c := &claim{
		depositID:  depositID,
		commitment: commitment,
		amount:     amount,
		leaf:       leaf,
		state:      StatePendingTree,
	}
	f.claims[depositID] = c
	f.waiting = append(f.waiting, c)
	if err := f.stageNext(); err != nil {
		delete(f.claims, depositID)
		f.waiting = f.waiting[:len(f.waiting)-1]
		return err
	}
	f.log.Info().Str("deposit", depositID).Uint64("amount", amount).Msg("claim opened")
	return nil
}

// stageNext hands the tree's staged-insertion slot to the oldest waiting
// claim. Callers hold f.mu. A slot held outside the finalizer is not an
// error; the claim stays queued and a later step retries.
func (f *Finalizer) stageNext() error {
	if len(f.waiting) == 0 || f.waiting[0].staged != nil {
		return nil
	}
	head := f.waiting[0]
	staged, err := f.tree.StageInsert(head.leaf)
	if errors.Is(err, merkle.ErrInsertPending) {
		return nil
	}
	if err != nil {
		return err
	}
	head.staged = staged
	return nil
}

// Status reports the claim's current state.
func (f *Finalizer) Status(depositID string) (State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.claims[depositID]
	if !ok {
		return StateInactive, false
	}
	return c.state, true
}

// AdvanceTree performs one bounded chunk of the staged insertion and
// returns the state observed afterward. Calling it after the claim has
// left PendingTree is a no-op, never a double insertion.
func (f *Finalizer) AdvanceTree(depositID string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.claims[depositID]
	if !ok {
		return StateInactive, ErrNoClaim
	}
	if c.state != StatePendingTree {
		return c.state, nil
	}
	if c.staged == nil {
		// An earlier claim still holds the tree slot; claim it once free.
		if err := f.stageNext(); err != nil {
			return c.state, err
		}
		if c.staged == nil {
			return c.state, nil
		}
	}
	done, err := c.staged.Advance(f.budget)
	if err != nil {
		return c.state, err
	}
	if done {
		root := f.tree.Root()
		c.newRoot = field.FromElement(&root)
		c.leafIndex = c.staged.Index()
		c.staged = nil
		c.state = StateAwaitingLedger
		f.waiting = f.waiting[1:]
		f.log.Info().Str("deposit", depositID).Uint64("leaf", c.leafIndex).Msg("tree insertion complete")
	}
	return c.state, nil
}

// AppendLedger durably records the note metadata and advances the claim.
// Transient log failures leave the state unchanged so the step can be
// retried.
func (f *Finalizer) AppendLedger(depositID string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.claims[depositID]
	if !ok {
		return StateInactive, ErrNoClaim
	}
	if c.state != StateAwaitingLedger {
		return c.state, fmt.Errorf("%w: AppendLedger in %s", ErrStateMismatch, c.state)
	}
	rec := NoteRecord{
		Commitment: c.commitment,
		Amount:     c.amount,
		LeafIndex:  c.leafIndex,
		Root:       c.newRoot,
	}
	if err := f.notes.Append(f.poolID, depositID, rec); err != nil {
		return c.state, err
	}
	c.state = StateAwaitingInvariant
	return c.state, nil
}

// FinalizeInvariant applies the pool accounting for the deposit and runs
// the conservation check. A breach is fatal: the claim is removed and the
// deposit must not be retried.
func (f *Finalizer) FinalizeInvariant(depositID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.claims[depositID]
	if !ok {
		return ErrNoClaim
	}
	if c.state != StateAwaitingInvariant {
		return fmt.Errorf("%w: FinalizeInvariant in %s", ErrStateMismatch, c.state)
	}

	// The deposit id doubles as the note id.
	_, err := f.pool.Shield(f.vault, c.amount, depositID, c.commitment, c.newRoot)
	var breach *pool.InvariantError
	if errors.As(err, &breach) {
		delete(f.claims, depositID)
		f.log.Error().Str("deposit", depositID).Str("breach", breach.Error()).Msg("conservation breach, aborting deposit")
		return fmt.Errorf("%w: %v", ErrInvariantAbort, breach)
	}
	if err != nil {
		return err
	}
	delete(f.claims, depositID)
	f.log.Info().Str("deposit", depositID).Str("root", c.newRoot).Msg("shield finalized")
	return nil
}
