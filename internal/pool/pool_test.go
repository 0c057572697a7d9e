package pool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ptf-labs/shieldpool/internal/vault"
)

func newTestPool(t *testing.T) (*Pool, *vault.Vault) {
	t.Helper()
	p := New("mintA", "poolAuth")
	v := vault.New("mintA", "poolAuth")
	return p, v
}

func TestFeeArithmetic(t *testing.T) {
	fee, err := Fee(5_000_000, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(2500), fee)

	// Floor division.
	fee, err = Fee(999, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(0), fee)

	// No overflow at the top of the range.
	fee, err = Fee(^uint64(0), MaxBps)
	require.NoError(t, err)
	require.Equal(t, ^uint64(0), fee)

	_, err = Fee(1, MaxBps+1)
	require.ErrorIs(t, err, ErrFeeOverflow)
}

func TestShieldDepositsFullNoteAmount(t *testing.T) {
	p, v := newTestPool(t)

	// amount=5,000,000 at 5 bps: depositor pays amount+fee, the note
	// carries the full 5,002,500 and no fee accrues until exit.
	fee, err := p.CalculateFee(5_000_000)
	require.NoError(t, err)
	noteAmount := 5_000_000 + fee

	got, err := p.Shield(v, noteAmount, "0x01", "0xc1", "0xr1")
	require.NoError(t, err)
	require.Equal(t, uint64(5_002_500), got)
	require.Equal(t, uint64(5_002_500), v.Balance())
	require.Equal(t, uint64(5_002_500), p.LiveNotesValue())
	require.Equal(t, uint64(0), p.FeesCollected())
	require.Equal(t, "0xr1", p.CurrentRoot())
}

func TestShieldDuplicateNote(t *testing.T) {
	p, v := newTestPool(t)
	_, err := p.Shield(v, 100, "0x01", "0xc1", "0xr1")
	require.NoError(t, err)
	_, err = p.Shield(v, 100, "0x01", "0xc2", "0xr2")
	require.ErrorIs(t, err, ErrNoteExists)
}

func TestPrivateTransferRequiresFeature(t *testing.T) {
	p, v := newTestPool(t)
	_, err := p.Shield(v, 1000, "0x01", "0xc1", "0xr1")
	require.NoError(t, err)

	outs := []NoteCreation{{ID: "0x02", Commitment: "0xc2", Amount: 1000}}
	err = p.PrivateTransfer(v, []string{"0xn1"}, []string{"0x01"}, outs, "0xr2")
	require.ErrorIs(t, err, ErrFeatureDisabled)

	p.SetFeatures(FeaturePrivateTransfer)
	err = p.PrivateTransfer(v, []string{"0xn1"}, []string{"0x01"}, outs, "0xr2")
	require.NoError(t, err)
	require.Equal(t, uint64(1000), p.LiveNotesValue())
}

func TestPrivateTransferValueConservation(t *testing.T) {
	p, v := newTestPool(t)
	p.SetFeatures(FeaturePrivateTransfer)
	_, err := p.Shield(v, 1000, "0x01", "0xc1", "0xr1")
	require.NoError(t, err)

	outs := []NoteCreation{{ID: "0x02", Commitment: "0xc2", Amount: 999}}
	err = p.PrivateTransfer(v, []string{"0xn1"}, []string{"0x01"}, outs, "0xr2")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPrivateTransferNullifierReuse(t *testing.T) {
	p, v := newTestPool(t)
	p.SetFeatures(FeaturePrivateTransfer)
	_, err := p.Shield(v, 1000, "0x01", "0xc1", "0xr1")
	require.NoError(t, err)

	outs := []NoteCreation{{ID: "0x02", Commitment: "0xc2", Amount: 1000}}
	require.NoError(t, p.PrivateTransfer(v, []string{"0xn1"}, []string{"0x01"}, outs, "0xr2"))

	// Spending the new note with the already-seen nullifier must fail.
	outs2 := []NoteCreation{{ID: "0x03", Commitment: "0xc3", Amount: 1000}}
	err = p.PrivateTransfer(v, []string{"0xn1"}, []string{"0x02"}, outs2, "0xr3")
	require.ErrorIs(t, err, ErrNullifierReuse)
}

func TestPrivateTransferOutputCollisionLeavesStateIntact(t *testing.T) {
	p, v := newTestPool(t)
	p.SetFeatures(FeaturePrivateTransfer)
	_, err := p.Shield(v, 1000, "0x01", "0xc1", "0xr1")
	require.NoError(t, err)
	_, err = p.Shield(v, 500, "0x02", "0xc2", "0xr2")
	require.NoError(t, err)

	// Output ID collides with a live note that is not being spent.
	outs := []NoteCreation{{ID: "0x02", Commitment: "0xc3", Amount: 1000}}
	err = p.PrivateTransfer(v, []string{"0xn1"}, []string{"0x01"}, outs, "0xr3")
	require.ErrorIs(t, err, ErrNoteExists)

	// Inputs survive and the nullifier is not burned, so a corrected
	// retry of the same spend succeeds.
	require.Equal(t, uint64(1500), p.LiveNotesValue())
	require.NoError(t, p.EnforceInvariant(v))

	outs = []NoteCreation{{ID: "0x03", Commitment: "0xc3", Amount: 1000}}
	require.NoError(t, p.PrivateTransfer(v, []string{"0xn1"}, []string{"0x01"}, outs, "0xr3"))
	require.Equal(t, uint64(1500), p.LiveNotesValue())
}

func TestPrivateTransferOutputMayReuseConsumedID(t *testing.T) {
	p, v := newTestPool(t)
	p.SetFeatures(FeaturePrivateTransfer)
	_, err := p.Shield(v, 1000, "0x01", "0xc1", "0xr1")
	require.NoError(t, err)

	outs := []NoteCreation{{ID: "0x01", Commitment: "0xc2", Amount: 1000}}
	require.NoError(t, p.PrivateTransfer(v, []string{"0xn1"}, []string{"0x01"}, outs, "0xr2"))
	require.Equal(t, uint64(1000), p.LiveNotesValue())

	// Duplicate IDs within the outputs themselves are rejected.
	dup := []NoteCreation{
		{ID: "0x02", Commitment: "0xc3", Amount: 500},
		{ID: "0x02", Commitment: "0xc4", Amount: 500},
	}
	err = p.PrivateTransfer(v, []string{"0xn2"}, []string{"0x01"}, dup, "0xr3")
	require.ErrorIs(t, err, ErrNoteExists)
	require.Equal(t, uint64(1000), p.LiveNotesValue())
}

func TestUnshieldOutputCollisionLeavesStateIntact(t *testing.T) {
	p, v := newTestPool(t)
	_, err := p.Shield(v, 1_000_000, "0x01", "0xc1", "0xr1")
	require.NoError(t, err)
	_, err = p.Shield(v, 500, "0x02", "0xc2", "0xr2")
	require.NoError(t, err)

	fee, err := p.CalculateFee(400_000)
	require.NoError(t, err)
	change := 1_000_000 - 400_000 - fee

	outs := []NoteCreation{{ID: "0x02", Commitment: "0xc3", Amount: change}}
	_, err = p.UnshieldToOrigin(v, []string{"0xn1"}, []string{"0x01"}, outs, 400_000, "destAcct", "0xr3")
	require.ErrorIs(t, err, ErrNoteExists)

	require.Equal(t, uint64(1_000_500), p.LiveNotesValue())
	require.Equal(t, uint64(1_000_500), v.Balance())
	require.Equal(t, uint64(0), p.FeesCollected())
	require.NoError(t, p.EnforceInvariant(v))
}

func TestUnshieldToOrigin(t *testing.T) {
	p, v := newTestPool(t)
	_, err := p.Shield(v, 1_000_000, "0x01", "0xc1", "0xr1")
	require.NoError(t, err)

	// Spend 400,000 at 5 bps: fee=200, change note takes the rest.
	fee, err := p.CalculateFee(400_000)
	require.NoError(t, err)
	require.Equal(t, uint64(200), fee)
	change := 1_000_000 - 400_000 - fee

	outs := []NoteCreation{{ID: "0x02", Commitment: "0xc2", Amount: change}}
	out, err := p.UnshieldToOrigin(v, []string{"0xn1"}, []string{"0x01"}, outs, 400_000, "destAcct", "0xr2")
	require.NoError(t, err)
	require.Equal(t, uint64(400_000), out.AmountReleased)
	require.Equal(t, fee, out.FeeCharged)
	require.Equal(t, uint64(600_000), v.Balance())
	require.Equal(t, change, p.LiveNotesValue())
	require.Equal(t, fee, p.FeesCollected())
}

func TestUnshieldRejectsWrongInputTotal(t *testing.T) {
	p, v := newTestPool(t)
	_, err := p.Shield(v, 1000, "0x01", "0xc1", "0xr1")
	require.NoError(t, err)

	// No change output, so inputs must equal amount+fee exactly.
	_, err = p.UnshieldToOrigin(v, []string{"0xn1"}, []string{"0x01"}, nil, 400, "destAcct", "0xr2")
	require.ErrorIs(t, err, ErrInvalidAmount)

	// Failed unshield leaves state untouched.
	require.Equal(t, uint64(1000), p.LiveNotesValue())
	require.Equal(t, uint64(1000), v.Balance())
}

func TestUnshieldToPtkn(t *testing.T) {
	p, v := newTestPool(t)
	_, err := p.Shield(v, 1_000_000, "0x01", "0xc1", "0xr1")
	require.NoError(t, err)

	fee, err := p.CalculateFee(500_000)
	require.NoError(t, err)
	change := 1_000_000 - 500_000 - fee
	outs := []NoteCreation{{ID: "0x02", Commitment: "0xc2", Amount: change}}

	out, err := p.UnshieldToPtkn(v, []string{"0xn1"}, []string{"0x01"}, outs, 500_000, "destAcct", "0xr2")
	require.NoError(t, err)
	require.Equal(t, uint64(500_000), out.AmountReleased)

	// Custody is unchanged; the twin supply absorbs the exit.
	require.Equal(t, uint64(1_000_000), v.Balance())
	require.Equal(t, uint64(500_000), p.PtokenSupply())
	require.NoError(t, p.EnforceInvariant(v))
}

func TestUnshieldToPtknHooksGate(t *testing.T) {
	p, v := newTestPool(t)
	p.SetFeatures(FeatureHooks)
	_, err := p.Shield(v, 1000, "0x01", "0xc1", "0xr1")
	require.NoError(t, err)

	_, err = p.UnshieldToPtkn(v, []string{"0xn1"}, []string{"0x01"}, nil, 1000, "destAcct", "0xr2")
	require.ErrorIs(t, err, ErrHooksDisabled)

	p.SetHookConfig(HookConfig{PostUnshieldProgram: "hookProg"})
	p.SetFeeBps(0)
	_, err = p.UnshieldToPtkn(v, []string{"0xn1"}, []string{"0x01"}, nil, 1000, "destAcct", "0xr2")
	require.NoError(t, err)
}

func TestInvariantDetectsExternalDrain(t *testing.T) {
	p, v := newTestPool(t)
	_, err := p.Shield(v, 1000, "0x01", "0xc1", "0xr1")
	require.NoError(t, err)

	// Simulate custody walking away outside the pool's accounting.
	require.NoError(t, v.Release("poolAuth", 1))

	err = p.EnforceInvariant(v)
	var inv *InvariantError
	require.True(t, errors.As(err, &inv))
	require.Equal(t, uint64(999), inv.VaultBalance)
	require.Equal(t, uint64(1000), inv.LiveNotes)
}

func TestRootWindowBounded(t *testing.T) {
	p, v := newTestPool(t)
	for i := 0; i < 40; i++ {
		id := string(rune('a' + i))
		_, err := p.Shield(v, 10, "id"+id, "cm"+id, "root"+id)
		require.NoError(t, err)
	}
	roots := p.AcceptedRoots()
	require.Len(t, roots, 32)
	require.Equal(t, p.CurrentRoot(), roots[len(roots)-1])
}

func TestSetFeeBpsBounds(t *testing.T) {
	p, _ := newTestPool(t)
	require.NoError(t, p.SetFeeBps(MaxBps))
	require.ErrorIs(t, p.SetFeeBps(MaxBps+1), ErrInvalidAmount)
}
