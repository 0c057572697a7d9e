// coordinator.go - Turns user intents into validated proof bundles.
//
// The coordinator rejects invalid state (unknown root, spent nullifier,
// negative change) before any proving work is paid for, then invokes the
// prover with a caller-bounded timeout. Proving has no side effects on the
// authoritative state; a failed request leaves everything untouched.

package proofs

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/rs/zerolog"

	"github.com/ptf-labs/shieldpool/internal/field"
	"github.com/ptf-labs/shieldpool/internal/nullifier"
)

// Mode controls what happens when the prover fails.
type Mode int

const (
	// ModeStrict surfaces ErrProverUnavailable. Production pools run
	// strict; a mock proof must never reach a verifying environment.
	ModeStrict Mode = iota

	// ModeMockFallback substitutes a tagged mock proof so development
	// environments keep functioning without a prover.
	ModeMockFallback
)

const mockTag = "mock:"

// defaultProveTimeout bounds a single proving call when the caller's
// context has no deadline of its own.
const defaultProveTimeout = 2 * time.Minute

// Bundle is the wire-ready result of a proof request. PublicInputs are
// canonical hex in the fixed per-circuit order.
type Bundle struct {
	Circuit          string   `json:"circuit"`
	Proof            []byte   `json:"proof"`
	PublicInputs     []string `json:"publicInputs"`
	VerifyingKeyHash string   `json:"verifyingKeyHash"`
	NewRoot          string   `json:"newRoot"`
	Mock             bool     `json:"mock,omitempty"`
}

// RootSource answers whether a root is inside the replay window.
type RootSource interface {
	IsKnownRoot(root fr.Element) bool
}

// Coordinator validates requests, derives public inputs, and drives the
// prover.
type Coordinator struct {
	roots   RootSource
	spent   *nullifier.Registry
	vks     *VKRegistry
	prover  Prover
	mode    Mode
	timeout time.Duration
	log     zerolog.Logger
}

// CoordinatorConfig wires a coordinator's collaborators.
type CoordinatorConfig struct {
	Roots        RootSource
	Spent        *nullifier.Registry
	Keys         *VKRegistry
	Prover       Prover
	Mode         Mode
	ProveTimeout time.Duration
	Logger       zerolog.Logger
}

// NewCoordinator constructs a coordinator. A zero ProveTimeout selects the
// default.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	timeout := cfg.ProveTimeout
	if timeout <= 0 {
		timeout = defaultProveTimeout
	}
	return &Coordinator{
		roots:   cfg.Roots,
		spent:   cfg.Spent,
		vks:     cfg.Keys,
		prover:  cfg.Prover,
		mode:    cfg.Mode,
		timeout: timeout,
		log:     cfg.Logger.With().Str("component", "proof-coordinator").Logger(),
	}
}

// Shield validates and proves a deposit.
func (c *Coordinator) Shield(ctx context.Context, req *ShieldRequest) (*Bundle, error) {
	d, err := deriveShield(req)
	if err != nil {
		return nil, err
	}
	if !c.roots.IsKnownRoot(d.oldRoot) {
		return nil, ErrUnknownRoot
	}
	return c.finish(ctx, CircuitShield, d.publicInputs(), func(ctx context.Context) (*ProofResult, error) {
		return c.prover.ProveShield(ctx, req)
	})
}

// Transfer validates and proves an in-pool private transfer.
func (c *Coordinator) Transfer(ctx context.Context, req *TransferRequest) (*Bundle, error) {
	d, err := deriveTransfer(req)
	if err != nil {
		return nil, err
	}
	if !c.roots.IsKnownRoot(d.oldRoot) {
		return nil, ErrUnknownRoot
	}
	if err := c.spent.BulkCheck(canonicalNullifiers(d.nullifiers)); err != nil {
		return nil, err
	}
	circuit := TransferCircuitID(len(d.inputs), len(d.outputs))
	return c.finish(ctx, circuit, d.publicInputs(), func(ctx context.Context) (*ProofResult, error) {
		return c.prover.ProveTransfer(ctx, req)
	})
}

// Unshield validates and proves an exit.
func (c *Coordinator) Unshield(ctx context.Context, req *UnshieldRequest) (*Bundle, error) {
	d, err := deriveUnshield(req)
	if err != nil {
		return nil, err
	}
	if !c.roots.IsKnownRoot(d.oldRoot) {
		return nil, ErrUnknownRoot
	}
	if c.spent.Contains(field.FromElement(&d.nullifier)) {
		return nil, nullifier.ErrAlreadySpent
	}
	return c.finish(ctx, CircuitUnshield, d.publicInputs(), func(ctx context.Context) (*ProofResult, error) {
		return c.prover.ProveUnshield(ctx, req)
	})
}

func (c *Coordinator) finish(ctx context.Context, circuit string, publics []string, prove func(context.Context) (*ProofResult, error)) (*Bundle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := prove(ctx)
	if err != nil {
		if c.mode != ModeMockFallback {
			return nil, fmt.Errorf("%w: %v", ErrProverUnavailable, err)
		}
		c.log.Warn().Str("circuit", circuit).Err(err).Msg("prover failed, issuing mock proof")
		return c.mockBundle(circuit, publics), nil
	}

	vkHash, err := c.recordKey(circuit, res.VerifyingKey)
	if err != nil {
		return nil, err
	}
	c.log.Info().Str("circuit", circuit).Int("proofBytes", len(res.Proof)).Msg("proof accepted")
	return &Bundle{
		Circuit:          circuit,
		Proof:            res.Proof,
		PublicInputs:     publics,
		VerifyingKeyHash: vkHash,
		NewRoot:          publics[1],
	}, nil
}

// recordKey registers the verifying key on first use and rejects a prover
// that later presents a different key for the same circuit.
func (c *Coordinator) recordKey(circuit string, rawKey []byte) (string, error) {
	vk, err := c.vks.Get(circuit)
	switch {
	case err == nil:
		if got := KeyHash(rawKey); got != vk.Hash {
			return "", fmt.Errorf("verifying key mismatch for %s: registered %s, prover sent %s", circuit, vk.Hash, got)
		}
		return vk.Hash, nil
	case err == ErrKeyNotFound:
		registered, regErr := c.vks.Register(circuit, "v1", rawKey)
		if regErr != nil {
			return "", regErr
		}
		return registered.Hash, nil
	default:
		return "", err
	}
}

// mockBundle builds a keyed digest over the circuit name, the public
// inputs, and the registered key fingerprint. The tag makes mocks visibly
// distinct from real proofs.
func (c *Coordinator) mockBundle(circuit string, publics []string) *Bundle {
	vkHash := field.Zero
	if vk, err := c.vks.Get(circuit); err == nil {
		vkHash = vk.Hash
	}
	h := sha256.New()
	h.Write([]byte(mockTag))
	h.Write([]byte(circuit))
	h.Write([]byte(strings.Join(publics, ",")))
	h.Write([]byte(vkHash))
	return &Bundle{
		Circuit:          circuit,
		Proof:            append([]byte(mockTag), h.Sum(nil)...),
		PublicInputs:     publics,
		VerifyingKeyHash: vkHash,
		NewRoot:          publics[1],
		Mock:             true,
	}
}

func canonicalNullifiers(nfs []fr.Element) []string {
	out := make([]string, len(nfs))
	for i := range nfs {
		out[i] = field.FromElement(&nfs[i])
	}
	return out
}
