// prover.go - Prover abstraction and the local Groth16 implementation.
//
// The prover receives the natural-language request, not the derived public
// inputs; the witness builder recomputes the same derivation so the proof
// binds to exactly what the coordinator published.

package proofs

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/rs/zerolog"
)

// Circuit identifiers. Transfer ids carry the compiled arity.
const (
	CircuitShield   = "shield"
	CircuitUnshield = "unshield"
)

// TransferCircuitID names the transfer circuit compiled for a given arity.
func TransferCircuitID(inputs, outputs int) string {
	return fmt.Sprintf("transfer-%dx%d", inputs, outputs)
}

// ProofResult is what a prover hands back: opaque proof bytes plus the
// serialized verifying key the proof verifies under.
type ProofResult struct {
	Proof        []byte
	VerifyingKey []byte
}

// Prover generates proofs for the three circuit families. Implementations
// must honor ctx cancellation; proving is long-running.
type Prover interface {
	ProveShield(ctx context.Context, req *ShieldRequest) (*ProofResult, error)
	ProveTransfer(ctx context.Context, req *TransferRequest) (*ProofResult, error)
	ProveUnshield(ctx context.Context, req *UnshieldRequest) (*ProofResult, error)
}

type circuitSetup struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  []byte
}

// Groth16Prover compiles and proves the circuits in-process. Setups are
// lazy and cached; transfer setups are cached per arity.
type Groth16Prover struct {
	mu        sync.Mutex
	shield    *circuitSetup
	unshield  *circuitSetup
	transfers map[string]*circuitSetup
	log       zerolog.Logger
}

// NewGroth16Prover creates a prover with no circuits compiled yet.
func NewGroth16Prover(log zerolog.Logger) *Groth16Prover {
	return &Groth16Prover{
		transfers: make(map[string]*circuitSetup),
		log:       log.With().Str("component", "prover").Logger(),
	}
}

func (p *Groth16Prover) ProveShield(ctx context.Context, req *ShieldRequest) (*ProofResult, error) {
	d, err := deriveShield(req)
	if err != nil {
		return nil, err
	}
	setup, err := p.shieldSetup()
	if err != nil {
		return nil, err
	}
	assignment := &shieldCircuit{
		OldRoot:    elemVar(&d.oldRoot),
		NewRoot:    elemVar(&d.newRoot),
		Commitment: elemVar(&d.commitment),
		MintID:     elemVar(&d.mintID),
		PoolID:     elemVar(&d.poolID),
		DepositID:  elemVar(&d.depositID),
		Amount:     req.Amount,
		Recipient:  elemVar(&d.recipient),
		Blinding:   elemVar(&d.blinding),
	}
	return p.prove(ctx, setup, assignment)
}

func (p *Groth16Prover) ProveTransfer(ctx context.Context, req *TransferRequest) (*ProofResult, error) {
	d, err := deriveTransfer(req)
	if err != nil {
		return nil, err
	}
	setup, err := p.transferSetup(len(d.inputs), len(d.outputs))
	if err != nil {
		return nil, err
	}
	assignment := newTransferCircuit(len(d.inputs), len(d.outputs))
	assignment.OldRoot = elemVar(&d.oldRoot)
	assignment.NewRoot = elemVar(&d.newRoot)
	assignment.MintID = elemVar(&d.mintID)
	assignment.PoolID = elemVar(&d.poolID)
	for i := range d.inputs {
		assignment.Nullifiers[i] = elemVar(&d.nullifiers[i])
		assignment.InNoteIDs[i] = elemVar(&d.inputs[i].noteID)
		assignment.InSecrets[i] = elemVar(&d.inputs[i].ownerSecret)
	}
	for j := range d.outputs {
		assignment.Commitments[j] = elemVar(&d.commitments[j])
		assignment.OutAmounts[j] = d.outputs[j].amount
		assignment.OutRecipients[j] = elemVar(&d.outputs[j].recipient)
		assignment.OutNoteIDs[j] = elemVar(&d.outputs[j].noteID)
		assignment.OutBlindings[j] = elemVar(&d.outputs[j].blinding)
	}
	return p.prove(ctx, setup, assignment)
}

func (p *Groth16Prover) ProveUnshield(ctx context.Context, req *UnshieldRequest) (*ProofResult, error) {
	d, err := deriveUnshield(req)
	if err != nil {
		return nil, err
	}
	setup, err := p.unshieldSetup()
	if err != nil {
		return nil, err
	}
	assignment := &unshieldCircuit{
		OldRoot:              elemVar(&d.oldRoot),
		NewRoot:              elemVar(&d.newRoot),
		Nullifier:            elemVar(&d.nullifier),
		ChangeCommitment:     elemVar(&d.changeCommitment),
		ChangeAmountCm:       elemVar(&d.changeAmountCm),
		Amount:               req.Amount,
		Fee:                  req.Fee,
		Dest:                 elemVar(&d.dest),
		ModeFlag:             uint64(req.Mode),
		MintID:               elemVar(&d.mintID),
		PoolID:               elemVar(&d.poolID),
		NoteID:               elemVar(&d.noteID),
		SpendingKey:          elemVar(&d.spendingKey),
		NoteAmount:           d.noteAmount,
		ChangeRecipient:      elemVar(&d.change.recipient),
		ChangeBlinding:       elemVar(&d.change.blinding),
		ChangeAmountBlinding: elemVar(&d.amountBlind),
	}
	return p.prove(ctx, setup, assignment)
}

func (p *Groth16Prover) prove(ctx context.Context, setup *circuitSetup, assignment frontend.Circuit) (*ProofResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("build witness: %w", err)
	}
	proof, err := groth16.Prove(setup.ccs, setup.pk, w)
	if err != nil {
		return nil, fmt.Errorf("groth16 prove: %w", err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize proof: %w", err)
	}
	return &ProofResult{Proof: buf.Bytes(), VerifyingKey: setup.vk}, nil
}

func (p *Groth16Prover) shieldSetup() (*circuitSetup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shield == nil {
		s, err := p.compile(CircuitShield, &shieldCircuit{})
		if err != nil {
			return nil, err
		}
		p.shield = s
	}
	return p.shield, nil
}

func (p *Groth16Prover) unshieldSetup() (*circuitSetup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unshield == nil {
		s, err := p.compile(CircuitUnshield, &unshieldCircuit{})
		if err != nil {
			return nil, err
		}
		p.unshield = s
	}
	return p.unshield, nil
}

func (p *Groth16Prover) transferSetup(inputs, outputs int) (*circuitSetup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := TransferCircuitID(inputs, outputs)
	if s, ok := p.transfers[id]; ok {
		return s, nil
	}
	s, err := p.compile(id, newTransferCircuit(inputs, outputs))
	if err != nil {
		return nil, err
	}
	p.transfers[id] = s
	return s, nil
}

func (p *Groth16Prover) compile(id string, template frontend.Circuit) (*circuitSetup, error) {
	p.log.Info().Str("circuit", id).Msg("compiling circuit")
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, template)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", id, err)
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("setup %s: %w", id, err)
	}
	var buf bytes.Buffer
	if _, err := vk.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize vk %s: %w", id, err)
	}
	p.log.Info().Str("circuit", id).Int("constraints", ccs.GetNbConstraints()).Msg("circuit ready")
	return &circuitSetup{ccs: ccs, pk: pk, vk: buf.Bytes()}, nil
}

func elemVar(e *fr.Element) frontend.Variable {
	return e.BigInt(new(big.Int))
}
