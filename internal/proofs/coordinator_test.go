package proofs

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ptf-labs/shieldpool/internal/field"
	"github.com/ptf-labs/shieldpool/internal/note"
	"github.com/ptf-labs/shieldpool/internal/nullifier"
)

// openRoots accepts any supplied root.
type openRoots struct{}

func (openRoots) IsKnownRoot(fr.Element) bool { return true }

// noRoots rejects every root.
type noRoots struct{}

func (noRoots) IsKnownRoot(fr.Element) bool { return false }

// stubProver returns canned bytes, or fails when err is set.
type stubProver struct {
	err error
}

func (s *stubProver) result() (*ProofResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &ProofResult{Proof: []byte("proof-bytes"), VerifyingKey: []byte("vk-bytes")}, nil
}

func (s *stubProver) ProveShield(context.Context, *ShieldRequest) (*ProofResult, error) {
	return s.result()
}
func (s *stubProver) ProveTransfer(context.Context, *TransferRequest) (*ProofResult, error) {
	return s.result()
}
func (s *stubProver) ProveUnshield(context.Context, *UnshieldRequest) (*ProofResult, error) {
	return s.result()
}

func newTestCoordinator(t *testing.T, roots RootSource, prover Prover, mode Mode) (*Coordinator, *nullifier.Registry) {
	t.Helper()
	spent := nullifier.NewRegistry()
	c := NewCoordinator(CoordinatorConfig{
		Roots:  roots,
		Spent:  spent,
		Keys:   NewVKRegistry(),
		Prover: prover,
		Mode:   mode,
		Logger: zerolog.Nop(),
	})
	return c, spent
}

func mustElem(t *testing.T, canonical string) fr.Element {
	t.Helper()
	e, err := field.ToElement(canonical)
	require.NoError(t, err)
	return e
}

func TestShieldPublicInputOrder(t *testing.T) {
	c, _ := newTestCoordinator(t, openRoots{}, &stubProver{}, ModeStrict)

	req := &ShieldRequest{
		OldRoot:   field.FromUint64(11),
		Amount:    5_002_500,
		Recipient: field.FromUint64(22),
		DepositID: field.FromUint64(33),
		PoolID:    field.FromUint64(44),
		Blinding:  field.FromUint64(55),
		MintID:    field.FromUint64(66),
	}
	bundle, err := c.Shield(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, CircuitShield, bundle.Circuit)
	require.False(t, bundle.Mock)
	require.Len(t, bundle.PublicInputs, 6)

	oldRoot := mustElem(t, req.OldRoot)
	recipient := mustElem(t, req.Recipient)
	depositID := mustElem(t, req.DepositID)
	poolID := mustElem(t, req.PoolID)
	blinding := mustElem(t, req.Blinding)
	cm := note.Commitment(req.Amount, recipient, depositID, poolID, blinding)
	newRoot := note.HashElements(&oldRoot, &cm)

	require.Equal(t, req.OldRoot, bundle.PublicInputs[0])
	require.Equal(t, field.FromElement(&newRoot), bundle.PublicInputs[1])
	require.Equal(t, field.FromElement(&cm), bundle.PublicInputs[2])
	require.Equal(t, req.MintID, bundle.PublicInputs[3])
	require.Equal(t, req.PoolID, bundle.PublicInputs[4])
	require.Equal(t, req.DepositID, bundle.PublicInputs[5])
	require.Equal(t, bundle.PublicInputs[1], bundle.NewRoot)
}

func TestShieldUnknownRoot(t *testing.T) {
	c, _ := newTestCoordinator(t, noRoots{}, &stubProver{}, ModeStrict)
	req := &ShieldRequest{
		OldRoot:   field.FromUint64(1),
		Amount:    100,
		Recipient: field.FromUint64(2),
		DepositID: field.FromUint64(3),
		PoolID:    field.FromUint64(4),
		Blinding:  field.FromUint64(5),
		MintID:    field.FromUint64(6),
	}
	_, err := c.Shield(context.Background(), req)
	require.ErrorIs(t, err, ErrUnknownRoot)
}

func TestShieldRejectsGarbage(t *testing.T) {
	c, _ := newTestCoordinator(t, openRoots{}, &stubProver{}, ModeStrict)
	req := &ShieldRequest{OldRoot: "not hex", Amount: 1}
	_, err := c.Shield(context.Background(), req)
	require.ErrorIs(t, err, ErrSchemaViolation)
}

func transferRequest() *TransferRequest {
	return &TransferRequest{
		OldRoot: field.FromUint64(10),
		MintID:  field.FromUint64(20),
		PoolID:  field.FromUint64(30),
		Inputs: []NoteInput{
			{NoteID: field.FromUint64(40), OwnerSecret: field.FromUint64(50)},
		},
		Outputs: []NoteOutput{
			{Amount: 700, Recipient: field.FromUint64(60), NoteID: field.FromUint64(70), Blinding: field.FromUint64(80)},
		},
	}
}

func TestTransferPublicInputs(t *testing.T) {
	c, _ := newTestCoordinator(t, openRoots{}, &stubProver{}, ModeStrict)
	req := transferRequest()

	bundle, err := c.Transfer(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, TransferCircuitID(1, 1), bundle.Circuit)
	// [oldRoot, newRoot, nf, cm, mintId, poolId]
	require.Len(t, bundle.PublicInputs, 6)

	noteID := mustElem(t, req.Inputs[0].NoteID)
	secret := mustElem(t, req.Inputs[0].OwnerSecret)
	nf := note.Nullifier(noteID, secret)
	oldRoot := mustElem(t, req.OldRoot)
	newRoot := note.HashElements(&oldRoot, &nf)

	require.Equal(t, field.FromElement(&nf), bundle.PublicInputs[2])
	require.Equal(t, field.FromElement(&newRoot), bundle.PublicInputs[1])
	require.Equal(t, req.MintID, bundle.PublicInputs[4])
	require.Equal(t, req.PoolID, bundle.PublicInputs[5])
}

func TestTransferSpentNullifier(t *testing.T) {
	c, spent := newTestCoordinator(t, openRoots{}, &stubProver{}, ModeStrict)
	req := transferRequest()

	noteID := mustElem(t, req.Inputs[0].NoteID)
	secret := mustElem(t, req.Inputs[0].OwnerSecret)
	nf := note.Nullifier(noteID, secret)
	require.NoError(t, spent.Insert(field.FromElement(&nf)))

	_, err := c.Transfer(context.Background(), req)
	require.ErrorIs(t, err, nullifier.ErrAlreadySpent)
}

func TestTransferRequiresNotes(t *testing.T) {
	c, _ := newTestCoordinator(t, openRoots{}, &stubProver{}, ModeStrict)
	req := transferRequest()
	req.Inputs = nil
	_, err := c.Transfer(context.Background(), req)
	require.ErrorIs(t, err, ErrSchemaViolation)
}

func unshieldRequest() *UnshieldRequest {
	return &UnshieldRequest{
		OldRoot:     field.FromUint64(100),
		Amount:      400_000,
		Fee:         200,
		DestPubkey:  field.FromUint64(200),
		Mode:        ModeOrigin,
		MintID:      field.FromUint64(300),
		PoolID:      field.FromUint64(400),
		NoteID:      field.FromUint64(500),
		SpendingKey: field.FromUint64(600),
	}
}

func TestUnshieldExactSpendNormalizesChange(t *testing.T) {
	c, _ := newTestCoordinator(t, openRoots{}, &stubProver{}, ModeStrict)
	req := unshieldRequest()

	bundle, err := c.Unshield(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, bundle.PublicInputs, 11)
	// Exact spend: change commitments are the zero element, not absent.
	require.Equal(t, field.Zero, bundle.PublicInputs[3])
	require.Equal(t, field.Zero, bundle.PublicInputs[4])
	require.Equal(t, field.FromUint64(400_000), bundle.PublicInputs[5])
	require.Equal(t, field.FromUint64(200), bundle.PublicInputs[6])
	require.Equal(t, field.FromUint64(uint64(ModeOrigin)), bundle.PublicInputs[8])
}

func TestUnshieldWithChange(t *testing.T) {
	c, _ := newTestCoordinator(t, openRoots{}, &stubProver{}, ModeStrict)
	req := unshieldRequest()
	noteAmount := uint64(1_000_000)
	req.NoteAmount = &noteAmount
	req.Change = &ChangeSpec{
		Recipient:      field.FromUint64(700),
		Blinding:       field.FromUint64(800),
		AmountBlinding: field.FromUint64(900),
	}

	bundle, err := c.Unshield(context.Background(), req)
	require.NoError(t, err)

	noteID := mustElem(t, req.NoteID)
	key := mustElem(t, req.SpendingKey)
	nf := note.Nullifier(noteID, key)
	changeNoteID := note.HashElements(&nf)
	changeAmount := noteAmount - req.Amount - req.Fee
	recipient := mustElem(t, req.Change.Recipient)
	blinding := mustElem(t, req.Change.Blinding)
	amountBlind := mustElem(t, req.Change.AmountBlinding)
	poolID := mustElem(t, req.PoolID)
	cc := note.Commitment(changeAmount, recipient, changeNoteID, poolID, blinding)
	cac := note.AmountCommitment(changeAmount, amountBlind)

	require.Equal(t, field.FromElement(&nf), bundle.PublicInputs[2])
	require.Equal(t, field.FromElement(&cc), bundle.PublicInputs[3])
	require.Equal(t, field.FromElement(&cac), bundle.PublicInputs[4])

	oldRoot := mustElem(t, req.OldRoot)
	newRoot := note.HashElements(&oldRoot, &nf, &cc, &cac)
	require.Equal(t, field.FromElement(&newRoot), bundle.NewRoot)
}

func TestUnshieldNegativeChange(t *testing.T) {
	c, _ := newTestCoordinator(t, openRoots{}, &stubProver{}, ModeStrict)
	req := unshieldRequest()
	noteAmount := req.Amount + req.Fee - 1
	req.NoteAmount = &noteAmount
	_, err := c.Unshield(context.Background(), req)
	require.ErrorIs(t, err, ErrNegativeChange)
}

func TestUnshieldChangeRecipientRequired(t *testing.T) {
	c, _ := newTestCoordinator(t, openRoots{}, &stubProver{}, ModeStrict)
	req := unshieldRequest()
	noteAmount := req.Amount + req.Fee + 1000
	req.NoteAmount = &noteAmount
	_, err := c.Unshield(context.Background(), req)
	require.ErrorIs(t, err, ErrChangeRecipientRequired)
}

func TestUnshieldSpentNullifier(t *testing.T) {
	c, spent := newTestCoordinator(t, openRoots{}, &stubProver{}, ModeStrict)
	req := unshieldRequest()
	noteID := mustElem(t, req.NoteID)
	key := mustElem(t, req.SpendingKey)
	nf := note.Nullifier(noteID, key)
	require.NoError(t, spent.Insert(field.FromElement(&nf)))

	_, err := c.Unshield(context.Background(), req)
	require.ErrorIs(t, err, nullifier.ErrAlreadySpent)
}

func TestStrictModeSurfacesProverFailure(t *testing.T) {
	failing := &stubProver{err: errors.New("connection refused")}
	c, _ := newTestCoordinator(t, openRoots{}, failing, ModeStrict)
	_, err := c.Shield(context.Background(), shieldRequestFixture())
	require.ErrorIs(t, err, ErrProverUnavailable)
}

func TestMockFallbackIsTagged(t *testing.T) {
	failing := &stubProver{err: errors.New("connection refused")}
	c, _ := newTestCoordinator(t, openRoots{}, failing, ModeMockFallback)

	bundle, err := c.Shield(context.Background(), shieldRequestFixture())
	require.NoError(t, err)
	require.True(t, bundle.Mock)
	require.True(t, bytes.HasPrefix(bundle.Proof, []byte("mock:")))
	require.Len(t, bundle.PublicInputs, 6)
}

func shieldRequestFixture() *ShieldRequest {
	return &ShieldRequest{
		OldRoot:   field.FromUint64(1),
		Amount:    100,
		Recipient: field.FromUint64(2),
		DepositID: field.FromUint64(3),
		PoolID:    field.FromUint64(4),
		Blinding:  field.FromUint64(5),
		MintID:    field.FromUint64(6),
	}
}

// blockingProver waits for the coordinator's deadline before giving up.
type blockingProver struct{}

func (blockingProver) wait(ctx context.Context) (*ProofResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p blockingProver) ProveShield(ctx context.Context, _ *ShieldRequest) (*ProofResult, error) {
	return p.wait(ctx)
}
func (p blockingProver) ProveTransfer(ctx context.Context, _ *TransferRequest) (*ProofResult, error) {
	return p.wait(ctx)
}
func (p blockingProver) ProveUnshield(ctx context.Context, _ *UnshieldRequest) (*ProofResult, error) {
	return p.wait(ctx)
}

func TestConfiguredProveTimeoutIsApplied(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{
		Roots:        openRoots{},
		Spent:        nullifier.NewRegistry(),
		Keys:         NewVKRegistry(),
		Prover:       blockingProver{},
		Mode:         ModeStrict,
		ProveTimeout: time.Millisecond,
		Logger:       zerolog.Nop(),
	})

	start := time.Now()
	_, err := c.Shield(context.Background(), shieldRequestFixture())
	require.ErrorIs(t, err, ErrProverUnavailable)
	// Far below the two-minute default, so the configured value was used.
	require.Less(t, time.Since(start), time.Second)
}

func TestVerifyingKeyRecordedOnce(t *testing.T) {
	c, _ := newTestCoordinator(t, openRoots{}, &stubProver{}, ModeStrict)

	first, err := c.Shield(context.Background(), shieldRequestFixture())
	require.NoError(t, err)
	second, err := c.Shield(context.Background(), shieldRequestFixture())
	require.NoError(t, err)
	require.Equal(t, first.VerifyingKeyHash, second.VerifyingKeyHash)
	require.Equal(t, KeyHash([]byte("vk-bytes")), first.VerifyingKeyHash)
}
