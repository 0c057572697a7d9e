// requests.go - Proof request types and public-input derivation.
//
// Each circuit produces a public-input vector in a fixed order; the order
// is part of the external contract and must never change:
//
//	shield:   [oldRoot, newRoot, commitment, mintId, poolId, depositId]
//	transfer: [oldRoot, newRoot, nf_1..k, cm_1..m, mintId, poolId]
//	unshield: [oldRoot, newRoot, nullifier, changeCommitment,
//	           changeAmountCommitment, amount, fee, dest, modeFlag,
//	           mintId, poolId]

package proofs

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/ptf-labs/shieldpool/internal/field"
	"github.com/ptf-labs/shieldpool/internal/note"
)

var (
	// ErrUnknownRoot is returned when a request anchors on a root outside
	// the replay window.
	ErrUnknownRoot = errors.New("unknown merkle root")

	// ErrNegativeChange is returned when the spent note cannot cover
	// amount plus fee.
	ErrNegativeChange = errors.New("negative change amount")

	// ErrChangeRecipientRequired is returned when change is positive but
	// no change recipient was supplied.
	ErrChangeRecipientRequired = errors.New("change recipient required")

	// ErrProverUnavailable is returned in strict mode when the external
	// prover cannot be reached.
	ErrProverUnavailable = errors.New("prover unavailable")

	// ErrSchemaViolation is returned for structurally invalid requests.
	ErrSchemaViolation = errors.New("malformed proof request")
)

// Unshield destination modes.
const (
	ModeOrigin uint8 = 0
	ModePtkn   uint8 = 1
)

// ShieldRequest describes a deposit into the pool. All field-element
// members are canonical hex.
type ShieldRequest struct {
	OldRoot   string `json:"oldRoot"`
	Amount    uint64 `json:"amount"`
	Recipient string `json:"recipient"`
	DepositID string `json:"depositId"`
	PoolID    string `json:"poolId"`
	Blinding  string `json:"blinding"`
	MintID    string `json:"mintId"`
}

// NoteInput identifies an owned note to spend. The owner secret never
// leaves the coordinator; only the derived nullifier becomes public.
type NoteInput struct {
	NoteID      string `json:"noteId"`
	OwnerSecret string `json:"ownerSecret"`
}

// NoteOutput describes a note to create.
type NoteOutput struct {
	Amount    uint64 `json:"amount"`
	Recipient string `json:"recipient"`
	NoteID    string `json:"noteId"`
	Blinding  string `json:"blinding"`
}

// TransferRequest describes an in-pool private transfer.
type TransferRequest struct {
	OldRoot string       `json:"oldRoot"`
	MintID  string       `json:"mintId"`
	PoolID  string       `json:"poolId"`
	Inputs  []NoteInput  `json:"inputs"`
	Outputs []NoteOutput `json:"outputs"`
}

// ChangeSpec carries the blinding material for an unshield change note.
type ChangeSpec struct {
	Recipient      string `json:"recipient"`
	Blinding       string `json:"blinding"`
	AmountBlinding string `json:"amountBlinding"`
}

// UnshieldRequest describes an exit from the pool. NoteAmount defaults to
// Amount+Fee when nil (exact spend, no change).
type UnshieldRequest struct {
	OldRoot     string      `json:"oldRoot"`
	Amount      uint64      `json:"amount"`
	Fee         uint64      `json:"fee"`
	DestPubkey  string      `json:"destPubkey"`
	Mode        uint8       `json:"mode"`
	MintID      string      `json:"mintId"`
	PoolID      string      `json:"poolId"`
	NoteID      string      `json:"noteId"`
	SpendingKey string      `json:"spendingKey"`
	NoteAmount  *uint64     `json:"noteAmount,omitempty"`
	Change      *ChangeSpec `json:"change,omitempty"`
}

// shieldDerivation holds the elements a shield request resolves to.
type shieldDerivation struct {
	oldRoot    fr.Element
	newRoot    fr.Element
	commitment fr.Element
	mintID     fr.Element
	poolID     fr.Element
	depositID  fr.Element
	recipient  fr.Element
	blinding   fr.Element
}

func (d *shieldDerivation) publicInputs() []string {
	return canonicalize(&d.oldRoot, &d.newRoot, &d.commitment, &d.mintID, &d.poolID, &d.depositID)
}

func deriveShield(req *ShieldRequest) (*shieldDerivation, error) {
	var d shieldDerivation
	var err error
	if d.oldRoot, err = parseElem("oldRoot", req.OldRoot); err != nil {
		return nil, err
	}
	if d.recipient, err = parseElem("recipient", req.Recipient); err != nil {
		return nil, err
	}
	if d.depositID, err = parseElem("depositId", req.DepositID); err != nil {
		return nil, err
	}
	if d.poolID, err = parseElem("poolId", req.PoolID); err != nil {
		return nil, err
	}
	if d.blinding, err = parseElem("blinding", req.Blinding); err != nil {
		return nil, err
	}
	if d.mintID, err = parseElem("mintId", req.MintID); err != nil {
		return nil, err
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrSchemaViolation)
	}
	// The deposit id doubles as the note id for a shield.
	d.commitment = note.Commitment(req.Amount, d.recipient, d.depositID, d.poolID, d.blinding)
	d.newRoot = note.HashElements(&d.oldRoot, &d.commitment)
	return &d, nil
}

// transferDerivation holds the elements a transfer request resolves to.
type transferDerivation struct {
	oldRoot     fr.Element
	newRoot     fr.Element
	nullifiers  []fr.Element
	commitments []fr.Element
	mintID      fr.Element
	poolID      fr.Element
	inputs      []noteInputElems
	outputs     []noteOutputElems
}

type noteInputElems struct {
	noteID      fr.Element
	ownerSecret fr.Element
}

type noteOutputElems struct {
	amount    uint64
	recipient fr.Element
	noteID    fr.Element
	blinding  fr.Element
}

func (d *transferDerivation) publicInputs() []string {
	elems := []*fr.Element{&d.oldRoot, &d.newRoot}
	for i := range d.nullifiers {
		elems = append(elems, &d.nullifiers[i])
	}
	for i := range d.commitments {
		elems = append(elems, &d.commitments[i])
	}
	elems = append(elems, &d.mintID, &d.poolID)
	return canonicalize(elems...)
}

func deriveTransfer(req *TransferRequest) (*transferDerivation, error) {
	if len(req.Inputs) == 0 || len(req.Outputs) == 0 {
		return nil, fmt.Errorf("%w: transfer needs at least one input and one output", ErrSchemaViolation)
	}
	var d transferDerivation
	var err error
	if d.oldRoot, err = parseElem("oldRoot", req.OldRoot); err != nil {
		return nil, err
	}
	if d.mintID, err = parseElem("mintId", req.MintID); err != nil {
		return nil, err
	}
	if d.poolID, err = parseElem("poolId", req.PoolID); err != nil {
		return nil, err
	}
	for i, in := range req.Inputs {
		var elems noteInputElems
		if elems.noteID, err = parseElem(fmt.Sprintf("inputs[%d].noteId", i), in.NoteID); err != nil {
			return nil, err
		}
		if elems.ownerSecret, err = parseElem(fmt.Sprintf("inputs[%d].ownerSecret", i), in.OwnerSecret); err != nil {
			return nil, err
		}
		d.inputs = append(d.inputs, elems)
		d.nullifiers = append(d.nullifiers, note.Nullifier(elems.noteID, elems.ownerSecret))
	}
	for i, out := range req.Outputs {
		var elems noteOutputElems
		elems.amount = out.Amount
		if elems.recipient, err = parseElem(fmt.Sprintf("outputs[%d].recipient", i), out.Recipient); err != nil {
			return nil, err
		}
		if elems.noteID, err = parseElem(fmt.Sprintf("outputs[%d].noteId", i), out.NoteID); err != nil {
			return nil, err
		}
		if elems.blinding, err = parseElem(fmt.Sprintf("outputs[%d].blinding", i), out.Blinding); err != nil {
			return nil, err
		}
		d.outputs = append(d.outputs, elems)
		d.commitments = append(d.commitments,
			note.Commitment(out.Amount, elems.recipient, elems.noteID, d.poolID, elems.blinding))
	}
	chain := []*fr.Element{&d.oldRoot}
	for i := range d.nullifiers {
		chain = append(chain, &d.nullifiers[i])
	}
	d.newRoot = note.HashElements(chain...)
	return &d, nil
}

// unshieldDerivation holds the elements an unshield request resolves to.
// When changeAmount is zero the change commitments are the zero element,
// keeping the public-input vector at fixed arity.
type unshieldDerivation struct {
	oldRoot          fr.Element
	newRoot          fr.Element
	nullifier        fr.Element
	changeCommitment fr.Element
	changeAmountCm   fr.Element
	amount           fr.Element
	fee              fr.Element
	dest             fr.Element
	modeFlag         fr.Element
	mintID           fr.Element
	poolID           fr.Element

	noteID       fr.Element
	spendingKey  fr.Element
	noteAmount   uint64
	changeAmount uint64
	changeNoteID fr.Element
	change       noteOutputElems
	amountBlind  fr.Element
}

func (d *unshieldDerivation) publicInputs() []string {
	return canonicalize(&d.oldRoot, &d.newRoot, &d.nullifier, &d.changeCommitment,
		&d.changeAmountCm, &d.amount, &d.fee, &d.dest, &d.modeFlag, &d.mintID, &d.poolID)
}

func deriveUnshield(req *UnshieldRequest) (*unshieldDerivation, error) {
	if req.Mode != ModeOrigin && req.Mode != ModePtkn {
		return nil, fmt.Errorf("%w: unknown unshield mode %d", ErrSchemaViolation, req.Mode)
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrSchemaViolation)
	}
	var d unshieldDerivation
	var err error
	if d.oldRoot, err = parseElem("oldRoot", req.OldRoot); err != nil {
		return nil, err
	}
	if d.dest, err = parseElem("destPubkey", req.DestPubkey); err != nil {
		return nil, err
	}
	if d.mintID, err = parseElem("mintId", req.MintID); err != nil {
		return nil, err
	}
	if d.poolID, err = parseElem("poolId", req.PoolID); err != nil {
		return nil, err
	}
	if d.noteID, err = parseElem("noteId", req.NoteID); err != nil {
		return nil, err
	}
	if d.spendingKey, err = parseElem("spendingKey", req.SpendingKey); err != nil {
		return nil, err
	}

	spend, carry := bits.Add64(req.Amount, req.Fee, 0)
	if carry != 0 {
		return nil, fmt.Errorf("%w: amount+fee overflows", ErrSchemaViolation)
	}
	d.noteAmount = spend
	if req.NoteAmount != nil {
		d.noteAmount = *req.NoteAmount
	}
	if d.noteAmount < spend {
		return nil, ErrNegativeChange
	}
	d.changeAmount = d.noteAmount - spend

	d.nullifier = note.Nullifier(d.noteID, d.spendingKey)
	if d.changeAmount > 0 {
		if req.Change == nil || req.Change.Recipient == "" {
			return nil, ErrChangeRecipientRequired
		}
		if d.change.recipient, err = parseElem("change.recipient", req.Change.Recipient); err != nil {
			return nil, err
		}
		if d.change.blinding, err = parseElem("change.blinding", req.Change.Blinding); err != nil {
			return nil, err
		}
		if d.amountBlind, err = parseElem("change.amountBlinding", req.Change.AmountBlinding); err != nil {
			return nil, err
		}
		// The change note id is bound to the spent note's nullifier so a
		// fresh id exists without another round trip.
		d.changeNoteID = note.HashElements(&d.nullifier)
		d.change.amount = d.changeAmount
		d.change.noteID = d.changeNoteID
		d.changeCommitment = note.Commitment(d.changeAmount, d.change.recipient, d.changeNoteID, d.poolID, d.change.blinding)
		d.changeAmountCm = note.AmountCommitment(d.changeAmount, d.amountBlind)
	}

	d.amount.SetUint64(req.Amount)
	d.fee.SetUint64(req.Fee)
	d.modeFlag.SetUint64(uint64(req.Mode))
	d.newRoot = note.HashElements(&d.oldRoot, &d.nullifier, &d.changeCommitment, &d.changeAmountCm)
	return &d, nil
}

func parseElem(name, value string) (fr.Element, error) {
	canonical, err := field.Canonicalize(value)
	if err != nil {
		return fr.Element{}, fmt.Errorf("%w: %s: %v", ErrSchemaViolation, name, err)
	}
	return field.ToElement(canonical)
}

func canonicalize(elems ...*fr.Element) []string {
	out := make([]string, len(elems))
	for i, e := range elems {
		out[i] = field.FromElement(e)
	}
	return out
}
