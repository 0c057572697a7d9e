// pool.go - Shielded pool accounting for a single origin mint.
//
// The pool tracks live note value, privacy-twin token supply, and accrued
// protocol fees, and enforces the conservation invariant
//
//	vaultBalance == ptokenSupply + liveNotes - protocolFees
//
// after every state transition. Fees accrue as a negative accumulator, so
// collected fees add to the right-hand side. Fees are charged when value
// leaves the pool (unshield); a shield deposits the full note amount.

package pool

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/ptf-labs/shieldpool/internal/vault"
)

const (
	// FeeBpsDefault is the fee, in basis points, applied to unshields
	// unless the factory mapping overrides it.
	FeeBpsDefault uint16 = 5

	// MaxBps is 100% in basis points.
	MaxBps uint16 = 10_000

	// rootWindow bounds the accepted-root history kept for replay
	// tolerance.
	rootWindow = 32
)

// Features is a bit field of runtime feature flags.
type Features uint8

const (
	// FeaturePrivateTransfer enables in-pool private transfers.
	FeaturePrivateTransfer Features = 0x01

	// FeatureHooks enables post-operation hook dispatch.
	FeatureHooks Features = 0x02
)

// Contains reports whether every bit of other is set in f.
func (f Features) Contains(other Features) bool {
	return f&other == other
}

var (
	ErrNoteNotFound    = errors.New("note not found")
	ErrNoteExists      = errors.New("note already exists")
	ErrNullifierReuse  = errors.New("nullifier already used")
	ErrHooksDisabled   = errors.New("hooks are disabled")
	ErrFeatureDisabled = errors.New("feature disabled")
	ErrInvalidAmount   = errors.New("invalid amount balance")
	ErrFeeOverflow     = errors.New("fee calculation overflow")
)

// InvariantError reports a conservation breach with the figures that
// failed to reconcile.
type InvariantError struct {
	VaultBalance uint64
	PtokenSupply uint64
	LiveNotes    uint64
	ProtocolFees int64
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant breach: vault=%d ptoken=%d live_notes=%d fees=%d",
		e.VaultBalance, e.PtokenSupply, e.LiveNotes, e.ProtocolFees)
}

// liveNote is an unspent note inside the pool.
type liveNote struct {
	commitment string
	amount     uint64
}

// NoteCreation describes an output note created by an operation. IDs and
// commitments are canonical-hex field elements.
type NoteCreation struct {
	ID         string
	Commitment string
	Amount     uint64
}

// UnshieldOutcome reports the result of a successful unshield.
type UnshieldOutcome struct {
	Destination    string
	AmountReleased uint64
	FeeCharged     uint64
}

// HookConfig holds hook dispatch metadata. Hooks must additionally be
// enabled through the feature flags.
type HookConfig struct {
	PostShieldProgram   string
	PostUnshieldProgram string
	RequiredAccounts    []string
	Strict              bool
}

// Pool is the accounting state for one origin mint.
type Pool struct {
	mu            sync.Mutex
	originMint    string
	authority     string
	feeBps        uint16
	features      Features
	hookConfig    *HookConfig
	notes         map[string]liveNote
	nullifiers    map[string]struct{}
	currentRoot   string
	acceptedRoots []string
	protocolFees  int64
	ptokenSupply  uint64
}

// New constructs an empty pool for the given origin mint. The authority is
// the key allowed to release from the pool's vault.
func New(originMint, authority string) *Pool {
	return &Pool{
		originMint: originMint,
		authority:  authority,
		feeBps:     FeeBpsDefault,
		notes:      make(map[string]liveNote),
		nullifiers: make(map[string]struct{}),
	}
}

// OriginMint returns the mint this pool shields.
func (p *Pool) OriginMint() string { return p.originMint }

// Authority returns the vault release authority.
func (p *Pool) Authority() string { return p.authority }

// Features returns the current feature flags.
func (p *Pool) Features() Features {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.features
}

// SetFeatures replaces the feature flags.
func (p *Pool) SetFeatures(flags Features) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.features = flags
}

// FeeBps returns the configured fee in basis points.
func (p *Pool) FeeBps() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.feeBps
}

// SetFeeBps configures the fee. Values above 100% are rejected.
func (p *Pool) SetFeeBps(feeBps uint16) error {
	if feeBps > MaxBps {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feeBps = feeBps
	return nil
}

// SetHookConfig installs hook dispatch metadata.
func (p *Pool) SetHookConfig(cfg HookConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hookConfig = &cfg
}

// FeesCollected returns the absolute value of the fee accumulator.
func (p *Pool) FeesCollected() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.protocolFees < 0 {
		return uint64(-p.protocolFees)
	}
	return uint64(p.protocolFees)
}

// PtokenSupply returns the outstanding privacy-twin token supply.
func (p *Pool) PtokenSupply() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ptokenSupply
}

// LiveNotesValue returns the total value of unspent notes.
func (p *Pool) LiveNotesValue() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveNotesValue()
}

// CurrentRoot returns the latest accepted root, or "" before any operation.
func (p *Pool) CurrentRoot() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentRoot
}

// AcceptedRoots returns a copy of the bounded accepted-root history,
// oldest first.
func (p *Pool) AcceptedRoots() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.acceptedRoots))
	copy(out, p.acceptedRoots)
	return out
}

// CalculateFee computes floor(amount * feeBps / 10000).
func (p *Pool) CalculateFee(amount uint64) (uint64, error) {
	p.mu.Lock()
	bps := p.feeBps
	p.mu.Unlock()
	return Fee(amount, bps)
}

// Fee computes floor(amount * feeBps / 10000) without overflow. The 128-bit
// intermediate keeps the quotient exact for any uint64 amount.
func Fee(amount uint64, feeBps uint16) (uint64, error) {
	if feeBps > MaxBps {
		return 0, ErrFeeOverflow
	}
	hi, lo := bits.Mul64(amount, uint64(feeBps))
	// hi < 10000 always holds since feeBps <= 10000, so Div64 cannot trap.
	q, _ := bits.Div64(hi, lo, uint64(MaxBps))
	return q, nil
}

// Shield records a shield deposit: the full deposit amount enters the vault
// and becomes a live note. No fee accrues here; fees are charged on exit.
func (p *Pool) Shield(v *vault.Vault, depositAmount uint64, noteID, commitment, newRoot string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if depositAmount == 0 {
		return 0, ErrInvalidAmount
	}
	if _, ok := p.notes[noteID]; ok {
		return 0, ErrNoteExists
	}
	if err := v.Deposit(depositAmount); err != nil {
		return 0, fmt.Errorf("vault deposit: %w", err)
	}
	p.notes[noteID] = liveNote{commitment: commitment, amount: depositAmount}
	p.pushRoot(newRoot)
	if err := p.enforceInvariant(v); err != nil {
		return 0, err
	}
	return depositAmount, nil
}

// PrivateTransfer consumes input notes and creates output notes of equal
// total value. Requires FeaturePrivateTransfer.
func (p *Pool) PrivateTransfer(v *vault.Vault, nullifiers, inputs []string, outputs []NoteCreation, newRoot string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.features.Contains(FeaturePrivateTransfer) {
		return fmt.Errorf("%w: private_transfer", ErrFeatureDisabled)
	}
	if err := p.validateNullifiers(nullifiers); err != nil {
		return err
	}
	inputSum, err := p.inputSum(inputs)
	if err != nil {
		return err
	}
	outputSum, err := sumOutputs(outputs)
	if err != nil {
		return err
	}
	if inputSum != outputSum {
		return ErrInvalidAmount
	}
	if err := p.validateOutputs(inputs, outputs); err != nil {
		return err
	}
	p.consumeInputs(inputs, nullifiers)
	p.insertOutputs(outputs)
	p.pushRoot(newRoot)
	return p.enforceInvariant(v)
}

// UnshieldToOrigin releases tokens from the vault back to the origin mint.
// The fee stays in the vault and accrues to the protocol.
func (p *Pool) UnshieldToOrigin(v *vault.Vault, nullifiers, inputs []string, outputs []NoteCreation, amount uint64, destination, newRoot string) (*UnshieldOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fee, err := p.prepareExit(nullifiers, inputs, outputs, amount)
	if err != nil {
		return nil, err
	}
	if err := v.Release(p.authority, amount); err != nil {
		return nil, fmt.Errorf("vault release: %w", err)
	}
	p.consumeInputs(inputs, nullifiers)
	p.insertOutputs(outputs)
	p.protocolFees -= int64(fee)
	p.pushRoot(newRoot)
	if err := p.enforceInvariant(v); err != nil {
		return nil, err
	}
	return &UnshieldOutcome{Destination: destination, AmountReleased: amount, FeeCharged: fee}, nil
}

// UnshieldToPtkn exits by minting privacy-twin tokens instead of releasing
// from the vault. Custody is unchanged; the twin supply grows by amount.
func (p *Pool) UnshieldToPtkn(v *vault.Vault, nullifiers, inputs []string, outputs []NoteCreation, amount uint64, destination, newRoot string) (*UnshieldOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.features.Contains(FeatureHooks) && p.hookConfig == nil {
		return nil, ErrHooksDisabled
	}
	fee, err := p.prepareExit(nullifiers, inputs, outputs, amount)
	if err != nil {
		return nil, err
	}
	supply, carry := bits.Add64(p.ptokenSupply, amount, 0)
	if carry != 0 {
		return nil, ErrInvalidAmount
	}
	p.consumeInputs(inputs, nullifiers)
	p.insertOutputs(outputs)
	p.protocolFees -= int64(fee)
	p.ptokenSupply = supply
	p.pushRoot(newRoot)
	if err := p.enforceInvariant(v); err != nil {
		return nil, err
	}
	return &UnshieldOutcome{Destination: destination, AmountReleased: amount, FeeCharged: fee}, nil
}

// EnforceInvariant re-checks conservation against the vault. Exposed for
// the shield finalizer's terminal state.
func (p *Pool) EnforceInvariant(v *vault.Vault) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enforceInvariant(v)
}

// prepareExit validates an unshield request and returns the fee charged.
// Input value must equal amount + fee + change outputs exactly.
func (p *Pool) prepareExit(nullifiers, inputs []string, outputs []NoteCreation, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	if err := p.validateNullifiers(nullifiers); err != nil {
		return 0, err
	}
	inputSum, err := p.inputSum(inputs)
	if err != nil {
		return 0, err
	}
	outputsTotal, err := sumOutputs(outputs)
	if err != nil {
		return 0, err
	}
	if err := p.validateOutputs(inputs, outputs); err != nil {
		return 0, err
	}
	fee, err := Fee(amount, p.feeBps)
	if err != nil {
		return 0, err
	}
	required, c1 := bits.Add64(amount, fee, 0)
	required, c2 := bits.Add64(required, outputsTotal, 0)
	if c1 != 0 || c2 != 0 {
		return 0, ErrInvalidAmount
	}
	if inputSum != required {
		return 0, ErrInvalidAmount
	}
	return fee, nil
}

func (p *Pool) validateNullifiers(nullifiers []string) error {
	seen := make(map[string]struct{}, len(nullifiers))
	for _, nf := range nullifiers {
		if _, dup := seen[nf]; dup {
			return ErrNullifierReuse
		}
		seen[nf] = struct{}{}
		if _, spent := p.nullifiers[nf]; spent {
			return ErrNullifierReuse
		}
	}
	return nil
}

func (p *Pool) inputSum(inputs []string) (uint64, error) {
	seen := make(map[string]struct{}, len(inputs))
	var sum uint64
	for _, id := range inputs {
		if _, dup := seen[id]; dup {
			return 0, ErrInvalidAmount
		}
		seen[id] = struct{}{}
		note, ok := p.notes[id]
		if !ok {
			return 0, ErrNoteNotFound
		}
		next, carry := bits.Add64(sum, note.amount, 0)
		if carry != 0 {
			return 0, ErrInvalidAmount
		}
		sum = next
	}
	return sum, nil
}

func (p *Pool) consumeInputs(inputs, nullifiers []string) {
	for i, id := range inputs {
		delete(p.notes, id)
		if i < len(nullifiers) {
			p.nullifiers[nullifiers[i]] = struct{}{}
		}
	}
}

// validateOutputs rejects output-ID collisions before any state moves, so a
// failed operation leaves the pool untouched and retryable. An output may
// reuse the ID of a note consumed in the same call.
func (p *Pool) validateOutputs(inputs []string, outputs []NoteCreation) error {
	consumed := make(map[string]struct{}, len(inputs))
	for _, id := range inputs {
		consumed[id] = struct{}{}
	}
	seen := make(map[string]struct{}, len(outputs))
	for _, out := range outputs {
		if _, dup := seen[out.ID]; dup {
			return ErrNoteExists
		}
		seen[out.ID] = struct{}{}
		if _, live := p.notes[out.ID]; live {
			if _, ok := consumed[out.ID]; !ok {
				return ErrNoteExists
			}
		}
	}
	return nil
}

func (p *Pool) insertOutputs(outputs []NoteCreation) {
	for _, out := range outputs {
		p.notes[out.ID] = liveNote{commitment: out.Commitment, amount: out.Amount}
	}
}

func sumOutputs(outputs []NoteCreation) (uint64, error) {
	var sum uint64
	for _, out := range outputs {
		next, carry := bits.Add64(sum, out.Amount, 0)
		if carry != 0 {
			return 0, ErrInvalidAmount
		}
		sum = next
	}
	return sum, nil
}

func (p *Pool) liveNotesValue() uint64 {
	var sum uint64
	for _, n := range p.notes {
		sum += n.amount
	}
	return sum
}

func (p *Pool) pushRoot(newRoot string) {
	p.currentRoot = newRoot
	p.acceptedRoots = append(p.acceptedRoots, newRoot)
	if excess := len(p.acceptedRoots) - rootWindow; excess > 0 {
		p.acceptedRoots = p.acceptedRoots[excess:]
	}
}

func (p *Pool) enforceInvariant(v *vault.Vault) error {
	live := p.liveNotesValue()
	balance := v.Balance()
	rhs, carry := bits.Add64(p.ptokenSupply, live, 0)
	if p.protocolFees < 0 {
		var c uint64
		rhs, c = bits.Add64(rhs, uint64(-p.protocolFees), 0)
		carry += c
	} else {
		rhs -= uint64(p.protocolFees)
	}
	if carry != 0 || balance != rhs {
		return &InvariantError{
			VaultBalance: balance,
			PtokenSupply: p.ptokenSupply,
			LiveNotes:    live,
			ProtocolFees: p.protocolFees,
		}
	}
	return nil
}
