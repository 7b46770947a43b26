package storage

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/thanhnp/chain-node/internal/wire"
)

// BlockStore is the block directory: raw blocks by hash plus a height index.
type BlockStore struct {
	db      *PebbleDB
	network string
}

// NewBlockStore creates a new BlockStore
func NewBlockStore(db *PebbleDB, network string) *BlockStore {
	return &BlockStore{db: db, network: network}
}

// blockKey creates a key for the blocks column family
func blockKey(network string, hash chainhash.Hash) []byte {
	return []byte(fmt.Sprintf("%s:%s", network, hash))
}

// blockHeightKey creates a key for the blocks_by_height column family
func blockHeightKey(network string, height int32) []byte {
	return []byte(fmt.Sprintf("%s:%012d", network, height))
}

// Save stores a validated block at height together with its tx index
// entries in one batch.
func (s *BlockStore) Save(height int32, blk *wire.MsgBlock) error {
	hash := blk.BlockHash()

	batch := s.db.NewBatch()
	defer batch.Destroy()

	if err := batch.Put(CFBlocks, blockKey(s.network, hash), blk.Bytes()); err != nil {
		return err
	}
	if err := batch.Put(CFBlocksByHeight, blockHeightKey(s.network, height), hash[:]); err != nil {
		return err
	}
	for i := range blk.Transactions {
		if err := putTxIndex(batch, s.network, blk.Transactions[i].TxHash(), height); err != nil {
			return err
		}
	}

	return batch.Commit()
}

// HashAt returns the hash of the block stored for height.
func (s *BlockStore) HashAt(height int32) (chainhash.Hash, bool, error) {
	var hash chainhash.Hash
	data, err := s.db.Get(CFBlocksByHeight, blockHeightKey(s.network, height))
	if err != nil || data == nil {
		return hash, false, err
	}
	if len(data) != chainhash.HashSize {
		return hash, false, &PersistenceError{Op: "decode", Key: string(blockHeightKey(s.network, height)),
			Err: fmt.Errorf("height index value of %d bytes", len(data))}
	}
	copy(hash[:], data)
	return hash, true, nil
}

// Has reports whether the block with hash is stored for height. A block
// stored for a height that has since been reorganized away does not count.
func (s *BlockStore) Has(height int32, hash chainhash.Hash) (bool, error) {
	stored, ok, err := s.HashAt(height)
	if err != nil || !ok {
		return false, err
	}
	return stored == hash, nil
}

// GetRaw returns the serialized block, or nil if it is not stored.
func (s *BlockStore) GetRaw(hash chainhash.Hash) ([]byte, error) {
	return s.db.Get(CFBlocks, blockKey(s.network, hash))
}

// GetByHash retrieves a block by its hash
func (s *BlockStore) GetByHash(hash chainhash.Hash) (*wire.MsgBlock, error) {
	data, err := s.GetRaw(hash)
	if err != nil || data == nil {
		return nil, err
	}

	blk, err := wire.DecodeBlock(data)
	if err != nil {
		return nil, &PersistenceError{Op: "decode", Key: string(blockKey(s.network, hash)), Err: err}
	}
	return blk, nil
}

// GetByHeight retrieves a block by its height
func (s *BlockStore) GetByHeight(height int32) (*wire.MsgBlock, error) {
	hash, ok, err := s.HashAt(height)
	if err != nil || !ok {
		return nil, err
	}
	return s.GetByHash(hash)
}
