// store.go - LevelDB-backed advisory mirror of spent nullifiers.
//
// The mirror exists for early rejection and UX only. It is eventually
// consistent and must never be trusted to prevent a double spend; the
// authoritative answer always comes from the Registry at the point of
// insertion.

package nullifier

import (
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store persists the nullifier mirror across restarts.
type Store struct {
	db *leveldb.DB
}

// OpenStore opens or creates the mirror database at path.
func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open nullifier store: %w", err)
	}
	return &Store{db: db}, nil
}

// Put records a nullifier for a pool.
func (s *Store) Put(pool, nf string) error {
	return s.db.Put(storeKey(pool, nf), nil, nil)
}

// Has reports whether the mirror has seen a nullifier. A false answer means
// nothing; the registry decides.
func (s *Store) Has(pool, nf string) (bool, error) {
	_, err := s.db.Get(storeKey(pool, nf), nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns all mirrored nullifiers for a pool.
func (s *Store) List(pool string) ([]string, error) {
	prefix := []byte(fmt.Sprintf("nf_%s_", pool))
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []string
	for iter.Next() {
		key := string(iter.Key())
		out = append(out, strings.TrimPrefix(key, string(prefix)))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Replace rewrites the mirrored set for a pool with the given nullifiers.
// Used when re-syncing from the authoritative source.
func (s *Store) Replace(pool string, nfs []string) error {
	existing, err := s.List(pool)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, nf := range existing {
		batch.Delete(storeKey(pool, nf))
	}
	for _, nf := range nfs {
		batch.Put(storeKey(pool, nf), nil)
	}
	return s.db.Write(batch, nil)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func storeKey(pool, nf string) []byte {
	return []byte(fmt.Sprintf("nf_%s_%s", pool, nf))
}
