package chain

import (
	"sort"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/thanhnp/chain-node/internal/params"
	"github.com/thanhnp/chain-node/internal/wire"
)

const (
	// MedianTimeBlocks is how many previous headers feed the median time.
	MedianTimeBlocks = 11

	// MaxTimeOffset is how far past local time a header may be stamped.
	MaxTimeOffset = 2 * time.Hour

	maxMoney = 21_000_000 * 100_000_000
)

// CheckProofOfWork verifies the declared target is sane for the network
// and that the header's proof-of-work hash meets it.
func CheckProofOfWork(h *wire.BlockHeader, p *params.Params) error {
	target := blockchain.CompactToBig(h.Bits)
	if target.Sign() <= 0 || target.Cmp(p.PowLimit) > 0 {
		return ErrBadTarget
	}
	pow := p.PowHash(h)
	if blockchain.HashToBig(&pow).Cmp(target) > 0 {
		return ErrHighHash
	}
	return nil
}

// MedianTimePast returns the median of the given timestamps, which are the
// most recent ones first or last; order does not matter.
func MedianTimePast(times []uint32) uint32 {
	if len(times) == 0 {
		return 0
	}
	sorted := make([]uint32, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// CheckTimestamp requires the header to be newer than the median of its
// recent ancestors and not too far ahead of now.
func CheckTimestamp(h *wire.BlockHeader, recent []uint32, now time.Time) error {
	if len(recent) > 0 && h.Timestamp <= MedianTimePast(recent) {
		return ErrTimestampTooOld
	}
	if h.Time().After(now.Add(MaxTimeOffset)) {
		return ErrTimestampTooNew
	}
	return nil
}

// CheckHeader runs all contextual header rules. recent holds the timestamps
// of up to MedianTimeBlocks ancestors.
func CheckHeader(h *wire.BlockHeader, prevHash chainhash.Hash, recent []uint32, p *params.Params, now time.Time) error {
	if h.PrevBlock != prevHash {
		return ErrPrevHashMismatch
	}
	if err := CheckProofOfWork(h, p); err != nil {
		return err
	}
	return CheckTimestamp(h, recent, now)
}

// CheckBlock verifies a downloaded block belongs to the expected header:
// its hash matches and its transactions commit to the header merkle root.
func CheckBlock(blk *wire.MsgBlock, expected chainhash.Hash) error {
	if blk.BlockHash() != expected {
		return ErrBlockHashMismatch
	}
	if len(blk.Transactions) == 0 {
		return ErrNoTransactions
	}
	hashes := blk.TxHashes()
	seen := make(map[chainhash.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		if _, dup := seen[h]; dup {
			return ErrDuplicateTx
		}
		seen[h] = struct{}{}
	}
	if CalcMerkleRoot(hashes) != blk.Header.MerkleRoot {
		return ErrMerkleMismatch
	}
	return nil
}

// CheckTransactionSanity applies the context free checks used before a
// transaction is cached or relayed.
func CheckTransactionSanity(tx *wire.MsgTx) error {
	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return ErrEmptyTx
	}
	var total int64
	for _, out := range tx.TxOut {
		if out.Value < 0 || out.Value > maxMoney {
			return ErrBadTxValue
		}
		total += out.Value
		if total > maxMoney {
			return ErrBadTxValue
		}
	}
	return nil
}
