// Package chaintest builds small valid chains for tests. Headers are mined
// against the regression network target so a handful of nonces suffice.
package chaintest

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/thanhnp/chain-node/internal/params"
	"github.com/thanhnp/chain-node/internal/wire"
)

// Params is the network every helper mines for.
var Params = params.RegTest

// Mine finds a nonce that satisfies the header's bits.
func Mine(h wire.BlockHeader) wire.BlockHeader {
	target := blockchain.CompactToBig(h.Bits)
	for {
		hash := Params.PowHash(&h)
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return h
		}
		h.Nonce++
	}
}

// Coinbase returns a distinct transaction paying value to pkScript.
func Coinbase(tag uint32, value int64, pkScript []byte) wire.MsgTx {
	return wire.MsgTx{
		Version: 1,
		TxIn: []wire.TxIn{{
			PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
			SignatureScript:  []byte{0x04, byte(tag), byte(tag >> 8), byte(tag >> 16), byte(tag >> 24)},
			Sequence:         0xffffffff,
		}},
		TxOut: []wire.TxOut{{Value: value, PkScript: pkScript}},
	}
}

// Block assembles and mines a block on top of prev.
func Block(prev chainhash.Hash, timestamp uint32, txs ...wire.MsgTx) *wire.MsgBlock {
	hashes := make([]chainhash.Hash, len(txs))
	for i := range txs {
		hashes[i] = txs[i].TxHash()
	}
	hdr := wire.BlockHeader{
		Version:    4,
		PrevBlock:  prev,
		MerkleRoot: merkleRoot(hashes),
		Timestamp:  timestamp,
		Bits:       Params.PowLimitBits,
	}
	return &wire.MsgBlock{Header: Mine(hdr), Transactions: txs}
}

// Blocks builds n consecutive blocks on top of prev, one coinbase each,
// spaced ten minutes apart after startTime. salt keeps forks distinct.
func Blocks(prev chainhash.Hash, startTime uint32, n int, salt uint32) []*wire.MsgBlock {
	out := make([]*wire.MsgBlock, 0, n)
	for i := 0; i < n; i++ {
		blk := Block(prev, startTime+uint32(i+1)*600, Coinbase(salt<<16|uint32(i), 50_0000_0000, []byte{0x51}))
		out = append(out, blk)
		prev = blk.BlockHash()
	}
	return out
}

// Headers strips blocks down to their headers.
func Headers(blocks []*wire.MsgBlock) []wire.BlockHeader {
	out := make([]wire.BlockHeader, len(blocks))
	for i, b := range blocks {
		out[i] = b.Header
	}
	return out
}

func merkleRoot(hashes []chainhash.Hash) chainhash.Hash {
	level := append([]chainhash.Hash(nil), hashes...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		var next []chainhash.Hash
		for i := 0; i < len(level); i += 2 {
			next = append(next, chainhash.DoubleHashH(append(level[i][:], level[i+1][:]...)))
		}
		level = next
	}
	if len(level) == 0 {
		return chainhash.Hash{}
	}
	return level[0]
}
