package storage

import (
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Sync state keys.
const (
	KeyIndexedHeight = "indexed_height"
	KeyIndexedHash   = "indexed_hash"
)

// SyncStore handles sync state storage operations
type SyncStore struct {
	db      *PebbleDB
	network string
}

// NewSyncStore creates a new SyncStore
func NewSyncStore(db *PebbleDB, network string) *SyncStore {
	return &SyncStore{db: db, network: network}
}

func (s *SyncStore) key(name string) []byte {
	return []byte(s.network + ":" + name)
}

// GetHeight retrieves a named height marker
func (s *SyncStore) GetHeight(name string) (int32, error) {
	data, err := s.db.Get(CFSyncState, s.key(name))
	if err != nil {
		return 0, err
	}
	if data == nil {
		return -1, nil // -1 indicates no sync state exists
	}

	height, err := strconv.ParseInt(string(data), 10, 32)
	if err != nil {
		return 0, &PersistenceError{Op: "decode", Key: string(s.key(name)), Err: err}
	}

	return int32(height), nil
}

// SetHeight sets a named height marker
func (s *SyncStore) SetHeight(name string, height int32) error {
	return s.db.Put(CFSyncState, s.key(name), []byte(strconv.FormatInt(int64(height), 10)))
}

// SetHeightBatch records the marker as part of a larger batch
func (s *SyncStore) SetHeightBatch(batch *WriteBatch, name string, height int32) error {
	return batch.Put(CFSyncState, s.key(name), []byte(strconv.FormatInt(int64(height), 10)))
}

// GetHash reads a named block hash marker.
func (s *SyncStore) GetHash(name string) (chainhash.Hash, bool, error) {
	data, err := s.db.Get(CFSyncState, s.key(name))
	if err != nil || data == nil {
		return chainhash.Hash{}, false, err
	}
	var hash chainhash.Hash
	if err := hash.SetBytes(data); err != nil {
		return chainhash.Hash{}, false, &PersistenceError{Op: "decode", Key: string(s.key(name)), Err: err}
	}
	return hash, true, nil
}

// SetHashBatch records a block hash marker as part of a larger batch.
func (s *SyncStore) SetHashBatch(batch *WriteBatch, name string, hash chainhash.Hash) error {
	return batch.Put(CFSyncState, s.key(name), hash[:])
}
