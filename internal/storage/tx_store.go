package storage

import (
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/thanhnp/chain-node/internal/wire"
)

// TxStore resolves confirmed transactions through the tx index written
// alongside each block.
type TxStore struct {
	db     *PebbleDB
	blocks *BlockStore
}

// NewTxStore creates a new TxStore
func NewTxStore(db *PebbleDB, blocks *BlockStore) *TxStore {
	return &TxStore{db: db, blocks: blocks}
}

// txKey creates a key for the tx_index column family
func txKey(network string, txid chainhash.Hash) []byte {
	return []byte(fmt.Sprintf("%s:%s", network, txid))
}

func putTxIndex(batch *WriteBatch, network string, txid chainhash.Hash, height int32) error {
	return batch.Put(CFTxIndex, txKey(network, txid), []byte(strconv.FormatInt(int64(height), 10)))
}

// Height returns the height of the block that confirmed txid.
func (s *TxStore) Height(txid chainhash.Hash) (int32, bool, error) {
	data, err := s.db.Get(CFTxIndex, txKey(s.blocks.network, txid))
	if err != nil || data == nil {
		return 0, false, err
	}
	height, err := strconv.ParseInt(string(data), 10, 32)
	if err != nil {
		return 0, false, &PersistenceError{Op: "decode", Key: string(txKey(s.blocks.network, txid)), Err: err}
	}
	return int32(height), true, nil
}

// Get returns a confirmed transaction and the height of its block.
func (s *TxStore) Get(txid chainhash.Hash) (*wire.MsgTx, int32, error) {
	height, ok, err := s.Height(txid)
	if err != nil || !ok {
		return nil, 0, err
	}
	blk, err := s.blocks.GetByHeight(height)
	if err != nil || blk == nil {
		return nil, 0, err
	}
	for i := range blk.Transactions {
		if blk.Transactions[i].TxHash() == txid {
			return &blk.Transactions[i], height, nil
		}
	}
	// indexed under a block that was later replaced at this height
	return nil, 0, nil
}
