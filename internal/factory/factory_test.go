package factory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ptf-labs/shieldpool/internal/pool"
)

func TestRegisterNewMint(t *testing.T) {
	f := New("daoAuth")
	require.NoError(t, f.RegisterMint("mintA", 6, false, ""))

	m, ok := f.Mapping("mintA")
	require.True(t, ok)
	require.Equal(t, uint8(6), m.Decimals)
	require.Empty(t, m.PtknMint)
	require.True(t, m.IsActive())
	require.Equal(t, pool.FeeBpsDefault, m.EffectiveFeeBps())
}

func TestRegisterDuplicate(t *testing.T) {
	f := New("daoAuth")
	require.NoError(t, f.RegisterMint("mintA", 6, false, ""))
	require.ErrorIs(t, f.RegisterMint("mintA", 9, false, ""), ErrAlreadyRegistered)
}

func TestRegisterPtknRequiresMint(t *testing.T) {
	f := New("daoAuth")
	require.ErrorIs(t, f.RegisterMint("mintA", 6, true, ""), ErrPtknMintMissing)
	require.NoError(t, f.RegisterMint("mintA", 6, true, "ptknA"))
}

func TestUpdateEnablesPtknAndFee(t *testing.T) {
	f := New("daoAuth")
	require.NoError(t, f.RegisterMint("mintA", 9, false, ""))

	enable := true
	fee := uint16(12)
	require.NoError(t, f.UpdateMint("mintA", MintUpdate{
		EnablePtkn:     &enable,
		PtknMint:       "ptknA",
		FeeBpsOverride: &fee,
	}))

	m, ok := f.Mapping("mintA")
	require.True(t, ok)
	require.Equal(t, "ptknA", m.PtknMint)
	require.Equal(t, uint16(12), m.EffectiveFeeBps())
}

func TestUpdateEnablePtknWithoutMint(t *testing.T) {
	f := New("daoAuth")
	require.NoError(t, f.RegisterMint("mintA", 9, false, ""))
	enable := true
	require.ErrorIs(t, f.UpdateMint("mintA", MintUpdate{EnablePtkn: &enable}), ErrPtknMintMissing)
}

func TestUpdateRejectsExcessiveFee(t *testing.T) {
	f := New("daoAuth")
	require.NoError(t, f.RegisterMint("mintA", 9, false, ""))
	fee := pool.MaxBps + 1
	require.ErrorIs(t, f.UpdateMint("mintA", MintUpdate{FeeBpsOverride: &fee}), ErrInvalidFeeBps)
}

func TestFreezeThaw(t *testing.T) {
	f := New("daoAuth")
	require.NoError(t, f.RegisterMint("mintA", 6, false, ""))

	require.NoError(t, f.FreezeMapping("mintA"))
	m, _ := f.Mapping("mintA")
	require.False(t, m.IsActive())

	require.NoError(t, f.ThawMapping("mintA"))
	m, _ = f.Mapping("mintA")
	require.True(t, m.IsActive())

	require.ErrorIs(t, f.FreezeMapping("mintB"), ErrMintNotFound)
}

func TestGlobalPause(t *testing.T) {
	f := New("daoAuth")
	require.NoError(t, f.RegisterMint("mintA", 6, false, ""))

	f.Pause()
	require.True(t, f.IsPaused())
	require.ErrorIs(t, f.RegisterMint("mintB", 6, false, ""), ErrPaused)
	require.ErrorIs(t, f.FreezeMapping("mintA"), ErrPaused)

	f.Unpause()
	require.NoError(t, f.RegisterMint("mintB", 6, false, ""))
}

func TestDefaultsInherited(t *testing.T) {
	f := New("daoAuth")
	require.NoError(t, f.SetDefaults(pool.FeaturePrivateTransfer, 7))
	require.NoError(t, f.RegisterMint("mintA", 6, false, ""))

	m, _ := f.Mapping("mintA")
	require.True(t, m.Features.Contains(pool.FeaturePrivateTransfer))
	require.Equal(t, uint16(7), m.EffectiveFeeBps())
}
