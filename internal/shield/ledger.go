// ledger.go - Durable note metadata log backed by LevelDB.

package shield

import (
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// NoteRecord is the bookkeeping entry persisted for every finalized shield.
type NoteRecord struct {
	Commitment string `json:"commitment"`
	Amount     uint64 `json:"amount"`
	LeafIndex  uint64 `json:"leafIndex"`
	Root       string `json:"root"`
}

// NoteLog appends shield note metadata keyed by pool and deposit id.
type NoteLog struct {
	db *leveldb.DB
}

// OpenNoteLog opens (or creates) the log at path.
func OpenNoteLog(path string) (*NoteLog, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open note log: %w", err)
	}
	return &NoteLog{db: db}, nil
}

// Append stores the record for depositID. A later append for the same key
// overwrites, which keeps step retries harmless.
func (l *NoteLog) Append(poolID, depositID string, rec NoteRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode note record: %w", err)
	}
	return l.db.Put(logKey(poolID, depositID), data, nil)
}

// Get returns the record for depositID, if present.
func (l *NoteLog) Get(poolID, depositID string) (NoteRecord, bool, error) {
	data, err := l.db.Get(logKey(poolID, depositID), nil)
	if err == leveldb.ErrNotFound {
		return NoteRecord{}, false, nil
	}
	if err != nil {
		return NoteRecord{}, false, err
	}
	var rec NoteRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return NoteRecord{}, false, fmt.Errorf("decode note record: %w", err)
	}
	return rec, true, nil
}

// Count returns the number of records logged for a pool.
func (l *NoteLog) Count(poolID string) (int, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte("note_"+poolID+"_")), nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Close releases the underlying database.
func (l *NoteLog) Close() error {
	return l.db.Close()
}

func logKey(poolID, depositID string) []byte {
	return []byte("note_" + poolID + "_" + depositID)
}
