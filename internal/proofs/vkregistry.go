// vkregistry.go - Register-once store for Groth16 verifying keys.

package proofs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

var (
	// ErrKeyExists is returned when registering a circuit id twice. Keys
	// are immutable once stored.
	ErrKeyExists = errors.New("verifying key already exists")

	// ErrKeyNotFound is returned when no key is registered for a circuit.
	ErrKeyNotFound = errors.New("verifying key not found")
)

// VerifyingKey is the stored metadata for one circuit's key.
type VerifyingKey struct {
	CircuitID string
	Version   string
	Hash      string
}

// VKRegistry maps circuit ids to immutable verifying-key fingerprints.
type VKRegistry struct {
	mu   sync.RWMutex
	keys map[string]VerifyingKey
}

// NewVKRegistry creates an empty registry.
func NewVKRegistry() *VKRegistry {
	return &VKRegistry{keys: make(map[string]VerifyingKey)}
}

// Register stores the fingerprint of rawKey under circuitID. A second
// registration for the same id fails, it never replaces.
func (r *VKRegistry) Register(circuitID, version string, rawKey []byte) (VerifyingKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[circuitID]; ok {
		return VerifyingKey{}, ErrKeyExists
	}
	vk := VerifyingKey{
		CircuitID: circuitID,
		Version:   version,
		Hash:      KeyHash(rawKey),
	}
	r.keys[circuitID] = vk
	return vk, nil
}

// Get returns the key registered for circuitID.
func (r *VKRegistry) Get(circuitID string) (VerifyingKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vk, ok := r.keys[circuitID]
	if !ok {
		return VerifyingKey{}, ErrKeyNotFound
	}
	return vk, nil
}

// KeyHash fingerprints raw verifying-key bytes as canonical hex.
func KeyHash(rawKey []byte) string {
	sum := sha256.Sum256(rawKey)
	return "0x" + hex.EncodeToString(sum[:])
}
