package chain

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// CalcMerkleRoot folds transaction ids pairwise with double sha256,
// duplicating the last entry of odd-length levels.
//
// The duplication means a list ending in a repeated pair has the same root
// as the list without it (CVE-2012-2459). Callers that accept blocks must
// also reject duplicate transactions; the root alone does not prove the
// list.
func CalcMerkleRoot(hashes []chainhash.Hash) chainhash.Hash {
	if len(hashes) == 0 {
		return chainhash.Hash{}
	}
	level := make([]chainhash.Hash, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			next = append(next, blockchain.HashMerkleBranches(&level[i], &level[i+1]))
		}
		level = next
	}
	return level[0]
}
