// factory.go - Registry of origin-mint mappings and governance controls.
//
// The factory owns mint registration, the global pause switch, per-mapping
// freeze/thaw, and the defaults (fee, features) that new pools inherit.

package factory

import (
	"errors"
	"sync"

	"github.com/ptf-labs/shieldpool/internal/pool"
)

var (
	ErrAlreadyRegistered = errors.New("mint mapping already exists")
	ErrMintNotFound      = errors.New("mint mapping not found")
	ErrPaused            = errors.New("factory is paused")
	ErrPtknMintMissing   = errors.New("privacy twin mint is required")
	ErrInvalidFeeBps     = errors.New("fee bps must not exceed 100%")
)

// MintStatus tracks whether a mapping accepts new activity.
type MintStatus uint8

const (
	StatusActive MintStatus = iota
	StatusFrozen
)

// MintMapping describes how the factory treats one origin mint.
type MintMapping struct {
	OriginMint     string
	PtknMint       string
	Status         MintStatus
	Decimals       uint8
	EnablePtkn     bool
	FeeBpsOverride *uint16
	Features       pool.Features
}

// EffectiveFeeBps returns the override when set, otherwise the protocol
// default.
func (m *MintMapping) EffectiveFeeBps() uint16 {
	if m.FeeBpsOverride != nil {
		return *m.FeeBpsOverride
	}
	return pool.FeeBpsDefault
}

// IsActive reports whether the mapping accepts new activity.
func (m *MintMapping) IsActive() bool {
	return m.Status == StatusActive
}

// MintUpdate carries optional fields for UpdateMint. Nil means unchanged.
type MintUpdate struct {
	EnablePtkn     *bool
	PtknMint       string
	FeeBpsOverride *uint16
	Features       *pool.Features
}

// Factory is the global registry state.
type Factory struct {
	mu              sync.Mutex
	daoAuthority    string
	paused          bool
	mappings        map[string]*MintMapping
	defaultFeatures pool.Features
	defaultFeeBps   uint16
}

// New constructs a factory governed by the supplied DAO authority.
func New(daoAuthority string) *Factory {
	return &Factory{
		daoAuthority:  daoAuthority,
		mappings:      make(map[string]*MintMapping),
		defaultFeeBps: pool.FeeBpsDefault,
	}
}

// IsPaused reports whether governance has paused the factory.
func (f *Factory) IsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// Pause halts all factory operations.
func (f *Factory) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

// Unpause resumes normal operation.
func (f *Factory) Unpause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

// SetDefaults configures the features and fee new registrations inherit.
func (f *Factory) SetDefaults(features pool.Features, feeBps uint16) error {
	if feeBps > pool.MaxBps {
		return ErrInvalidFeeBps
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultFeatures = features
	f.defaultFeeBps = feeBps
	return nil
}

// RegisterMint adds a new origin mint. Enabling the privacy twin requires
// supplying its mint.
func (f *Factory) RegisterMint(originMint string, decimals uint8, enablePtkn bool, ptknMint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paused {
		return ErrPaused
	}
	if _, ok := f.mappings[originMint]; ok {
		return ErrAlreadyRegistered
	}
	if enablePtkn && ptknMint == "" {
		return ErrPtknMintMissing
	}
	fee := f.defaultFeeBps
	f.mappings[originMint] = &MintMapping{
		OriginMint:     originMint,
		PtknMint:       ptknMint,
		Status:         StatusActive,
		Decimals:       decimals,
		EnablePtkn:     enablePtkn,
		FeeBpsOverride: &fee,
		Features:       f.defaultFeatures,
	}
	return nil
}

// UpdateMint applies the non-nil fields of upd to an existing mapping.
func (f *Factory) UpdateMint(originMint string, upd MintUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paused {
		return ErrPaused
	}
	m, ok := f.mappings[originMint]
	if !ok {
		return ErrMintNotFound
	}

	if upd.EnablePtkn != nil {
		enable := *upd.EnablePtkn
		if enable && upd.PtknMint == "" && m.PtknMint == "" {
			return ErrPtknMintMissing
		}
		m.EnablePtkn = enable
		if enable && upd.PtknMint != "" {
			m.PtknMint = upd.PtknMint
		}
	}
	if upd.FeeBpsOverride != nil {
		if *upd.FeeBpsOverride > pool.MaxBps {
			return ErrInvalidFeeBps
		}
		fee := *upd.FeeBpsOverride
		m.FeeBpsOverride = &fee
	}
	if upd.Features != nil {
		m.Features = *upd.Features
	}
	return nil
}

// FreezeMapping blocks new activity for a mint.
func (f *Factory) FreezeMapping(originMint string) error {
	return f.setStatus(originMint, StatusFrozen)
}

// ThawMapping re-activates a frozen mint.
func (f *Factory) ThawMapping(originMint string) error {
	return f.setStatus(originMint, StatusActive)
}

func (f *Factory) setStatus(originMint string, status MintStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paused {
		return ErrPaused
	}
	m, ok := f.mappings[originMint]
	if !ok {
		return ErrMintNotFound
	}
	m.Status = status
	return nil
}

// Mapping returns a copy of the mapping for originMint, if registered.
func (f *Factory) Mapping(originMint string) (MintMapping, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mappings[originMint]
	if !ok {
		return MintMapping{}, false
	}
	out := *m
	if m.FeeBpsOverride != nil {
		fee := *m.FeeBpsOverride
		out.FeeBpsOverride = &fee
	}
	return out, true
}
