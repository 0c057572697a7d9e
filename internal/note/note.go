// note.go - Note type and derivation rules for the shielded pool.
//
// A note is a confidential claim on pool value. The pool never stores note
// secrets; it only ever sees the commitment (published when the note is
// created) and the nullifier (published when the note is spent). Both are
// MiMC hashes over BN254 field elements with fixed, order-sensitive arity.

package note

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// Note represents a confidential value note inside one shielded pool.
type Note struct {
	Amount      uint64     // Plain value carried by the note
	Recipient   fr.Element // Recipient public key mapped into the field
	OwnerSecret fr.Element // Spending secret; never leaves the owner
	Blinding    fr.Element // Commitment randomness, unique per note
}

// New creates a note for a recipient with fresh blinding. The owner secret is
// supplied by the caller; the blinding is drawn from crypto/rand.
func New(amount uint64, recipient, ownerSecret fr.Element) (*Note, error) {
	var blinding fr.Element
	if _, err := blinding.SetRandom(); err != nil {
		return nil, err
	}
	return &Note{
		Amount:      amount,
		Recipient:   recipient,
		OwnerSecret: ownerSecret,
		Blinding:    blinding,
	}, nil
}

// NewBlinding draws one fresh field element from crypto/rand. Used wherever
// a change note or amount commitment needs randomness of its own.
func NewBlinding() (fr.Element, error) {
	var b fr.Element
	_, err := b.SetRandom()
	return b, err
}

// Commitment derives the note commitment:
//
//	cm = H(amount, recipient, noteID, poolID, blinding)
//
// The argument order is part of the protocol; reordering changes the result.
func Commitment(amount uint64, recipient, noteID, poolID, blinding fr.Element) fr.Element {
	var amt fr.Element
	amt.SetUint64(amount)
	return hashElements(&amt, &recipient, &noteID, &poolID, &blinding)
}

// AmountCommitment derives the standalone hiding of a note amount:
//
//	acm = H(amount, blinding)
//
// Kept separate from Commitment so a value commitment can be combined with an
// independently hidden amount downstream.
func AmountCommitment(amount uint64, blinding fr.Element) fr.Element {
	var amt fr.Element
	amt.SetUint64(amount)
	return hashElements(&amt, &blinding)
}

// Nullifier derives the one-time spend tag of a note:
//
//	nf = H(noteID, ownerSecret)
func Nullifier(noteID, ownerSecret fr.Element) fr.Element {
	return hashElements(&noteID, &ownerSecret)
}

// HashElements exposes the protocol hash for callers that chain roots and
// commitments (new-root derivation in the proof coordinator, tree nodes).
func HashElements(elems ...*fr.Element) fr.Element {
	return hashElements(elems...)
}

func hashElements(elems ...*fr.Element) fr.Element {
	h := mimc.NewMiMC()
	for _, e := range elems {
		b := e.Bytes()
		h.Write(b[:])
	}
	var out fr.Element
	out.SetBigInt(new(big.Int).SetBytes(h.Sum(nil)))
	return out
}
