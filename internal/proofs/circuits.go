// circuits.go - Groth16 circuit definitions mirroring the off-circuit
// derivations in requests.go. The in-circuit MiMC gadget and the native
// MiMC agree element for element, so the public inputs derived off-circuit
// satisfy these constraints.

package proofs

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

type shieldCircuit struct {
	OldRoot    frontend.Variable `gnark:",public"`
	NewRoot    frontend.Variable `gnark:",public"`
	Commitment frontend.Variable `gnark:",public"`
	MintID     frontend.Variable `gnark:",public"`
	PoolID     frontend.Variable `gnark:",public"`
	DepositID  frontend.Variable `gnark:",public"`

	Amount    frontend.Variable
	Recipient frontend.Variable
	Blinding  frontend.Variable
}

func (c *shieldCircuit) Define(api frontend.API) error {
	cm := hashVars(api, c.Amount, c.Recipient, c.DepositID, c.PoolID, c.Blinding)
	api.AssertIsEqual(c.Commitment, cm)
	api.AssertIsEqual(c.NewRoot, hashVars(api, c.OldRoot, cm))
	return nil
}

// transferCircuit is compiled per (inputs, outputs) arity; the slices are
// sized before frontend.Compile.
type transferCircuit struct {
	OldRoot     frontend.Variable   `gnark:",public"`
	NewRoot     frontend.Variable   `gnark:",public"`
	Nullifiers  []frontend.Variable `gnark:",public"`
	Commitments []frontend.Variable `gnark:",public"`
	MintID      frontend.Variable   `gnark:",public"`
	PoolID      frontend.Variable   `gnark:",public"`

	InNoteIDs     []frontend.Variable
	InSecrets     []frontend.Variable
	OutAmounts    []frontend.Variable
	OutRecipients []frontend.Variable
	OutNoteIDs    []frontend.Variable
	OutBlindings  []frontend.Variable
}

func newTransferCircuit(inputs, outputs int) *transferCircuit {
	return &transferCircuit{
		Nullifiers:    make([]frontend.Variable, inputs),
		Commitments:   make([]frontend.Variable, outputs),
		InNoteIDs:     make([]frontend.Variable, inputs),
		InSecrets:     make([]frontend.Variable, inputs),
		OutAmounts:    make([]frontend.Variable, outputs),
		OutRecipients: make([]frontend.Variable, outputs),
		OutNoteIDs:    make([]frontend.Variable, outputs),
		OutBlindings:  make([]frontend.Variable, outputs),
	}
}

func (c *transferCircuit) Define(api frontend.API) error {
	for i := range c.InNoteIDs {
		nf := hashVars(api, c.InNoteIDs[i], c.InSecrets[i])
		api.AssertIsEqual(c.Nullifiers[i], nf)
	}
	for j := range c.OutNoteIDs {
		cm := hashVars(api, c.OutAmounts[j], c.OutRecipients[j], c.OutNoteIDs[j], c.PoolID, c.OutBlindings[j])
		api.AssertIsEqual(c.Commitments[j], cm)
	}
	chain := append([]frontend.Variable{c.OldRoot}, c.Nullifiers...)
	api.AssertIsEqual(c.NewRoot, hashVars(api, chain...))
	return nil
}

type unshieldCircuit struct {
	OldRoot          frontend.Variable `gnark:",public"`
	NewRoot          frontend.Variable `gnark:",public"`
	Nullifier        frontend.Variable `gnark:",public"`
	ChangeCommitment frontend.Variable `gnark:",public"`
	ChangeAmountCm   frontend.Variable `gnark:",public"`
	Amount           frontend.Variable `gnark:",public"`
	Fee              frontend.Variable `gnark:",public"`
	Dest             frontend.Variable `gnark:",public"`
	ModeFlag         frontend.Variable `gnark:",public"`
	MintID           frontend.Variable `gnark:",public"`
	PoolID           frontend.Variable `gnark:",public"`

	NoteID               frontend.Variable
	SpendingKey          frontend.Variable
	NoteAmount           frontend.Variable
	ChangeRecipient      frontend.Variable
	ChangeBlinding       frontend.Variable
	ChangeAmountBlinding frontend.Variable
}

func (c *unshieldCircuit) Define(api frontend.API) error {
	nf := hashVars(api, c.NoteID, c.SpendingKey)
	api.AssertIsEqual(c.Nullifier, nf)

	spend := api.Add(c.Amount, c.Fee)
	api.AssertIsLessOrEqual(spend, c.NoteAmount)
	change := api.Sub(c.NoteAmount, spend)

	// Exact spend normalizes the change commitments to zero so the public
	// vector keeps its arity.
	changeNoteID := hashVars(api, nf)
	cc := hashVars(api, change, c.ChangeRecipient, changeNoteID, c.PoolID, c.ChangeBlinding)
	cac := hashVars(api, change, c.ChangeAmountBlinding)
	exact := api.IsZero(change)
	api.AssertIsEqual(c.ChangeCommitment, api.Select(exact, 0, cc))
	api.AssertIsEqual(c.ChangeAmountCm, api.Select(exact, 0, cac))

	api.AssertIsEqual(c.NewRoot, hashVars(api, c.OldRoot, nf, api.Select(exact, 0, cc), api.Select(exact, 0, cac)))
	return nil
}

func hashVars(api frontend.API, vars ...frontend.Variable) frontend.Variable {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		panic(err)
	}
	h.Write(vars...)
	return h.Sum()
}
