package chain

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/thanhnp/chain-node/internal/params"
	"github.com/thanhnp/chain-node/internal/wire"
)

// Entry is a header with its height and hash.
type Entry struct {
	Height int32
	Hash   chainhash.Hash
	Header wire.BlockHeader
}

// Chain is the in-memory header chain rooted at the network genesis.
// Readers may use it concurrently; only the header synchronizer mutates it.
type Chain struct {
	mu      sync.RWMutex
	params  *params.Params
	headers []wire.BlockHeader
	hashes  []chainhash.Hash
	work    []*big.Int
	index   map[chainhash.Hash]int32
}

// New returns a chain holding only the genesis header.
func New(p *params.Params) *Chain {
	c := &Chain{
		params: p,
		index:  make(map[chainhash.Hash]int32),
	}
	c.push(p.Genesis, p.GenesisHash)
	return c
}

func (c *Chain) push(h wire.BlockHeader, hash chainhash.Hash) {
	w := blockchain.CalcWork(h.Bits)
	if n := len(c.work); n > 0 {
		w.Add(w, c.work[n-1])
	}
	c.index[hash] = int32(len(c.headers))
	c.headers = append(c.headers, h)
	c.hashes = append(c.hashes, hash)
	c.work = append(c.work, w)
}

// Params returns the network the chain belongs to.
func (c *Chain) Params() *params.Params { return c.params }

// Height is the tip height; genesis is height 0.
func (c *Chain) Height() int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int32(len(c.headers) - 1)
}

// Tip returns the tip height and hash.
func (c *Chain) Tip() (int32, chainhash.Hash) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.headers) - 1
	return int32(n), c.hashes[n]
}

// HeaderAt returns the header at height.
func (c *Chain) HeaderAt(height int32) (wire.BlockHeader, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height < 0 || int(height) >= len(c.headers) {
		return wire.BlockHeader{}, false
	}
	return c.headers[height], true
}

// HashAt returns the block hash at height.
func (c *Chain) HashAt(height int32) (chainhash.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height < 0 || int(height) >= len(c.hashes) {
		return chainhash.Hash{}, false
	}
	return c.hashes[height], true
}

// HeightOf returns the height of a hash in the active chain.
func (c *Chain) HeightOf(hash chainhash.Hash) (int32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.index[hash]
	return h, ok
}

// Work returns the cumulative work up to and including height.
func (c *Chain) Work(height int32) *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height < 0 || int(height) >= len(c.work) {
		return new(big.Int)
	}
	return new(big.Int).Set(c.work[height])
}

// TipWork is the cumulative work of the whole chain.
func (c *Chain) TipWork() *big.Int {
	return c.Work(c.Height())
}

// RecentTimestamps returns up to n timestamps ending at height, oldest first.
func (c *Chain) RecentTimestamps(height int32, n int) []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height < 0 || int(height) >= len(c.headers) {
		return nil
	}
	start := int(height) + 1 - n
	if start < 0 {
		start = 0
	}
	out := make([]uint32, 0, int(height)+1-start)
	for i := start; i <= int(height); i++ {
		out = append(out, c.headers[i].Timestamp)
	}
	return out
}

// Locator lists hashes from the tip backwards, dense for the first ten and
// doubling the step afterwards, always ending with genesis.
func (c *Chain) Locator() []chainhash.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	locator := make([]chainhash.Hash, 0, 32)
	step := 1
	for h := len(c.hashes) - 1; h > 0; h -= step {
		locator = append(locator, c.hashes[h])
		if len(locator) >= 10 {
			step *= 2
		}
	}
	return append(locator, c.hashes[0])
}

// HeadersAfter answers a getheaders request: headers following the first
// locator hash found in the chain (or genesis), up to and including stop,
// at most max entries.
func (c *Chain) HeadersAfter(locator []chainhash.Hash, stop chainhash.Hash, max int) []wire.BlockHeader {
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := 1
	for _, hash := range locator {
		if h, ok := c.index[hash]; ok {
			start = int(h) + 1
			break
		}
	}
	var out []wire.BlockHeader
	for i := start; i < len(c.headers) && len(out) < max; i++ {
		out = append(out, c.headers[i])
		if c.hashes[i] == stop {
			break
		}
	}
	return out
}

// Entries returns the entries for heights from..to inclusive, clamped to
// the chain.
func (c *Chain) Entries(from, to int32) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if last := int32(len(c.headers) - 1); to > last {
		to = last
	}
	if from > to {
		return nil
	}
	out := make([]Entry, 0, to-from+1)
	for h := from; h <= to; h++ {
		out = append(out, Entry{Height: h, Hash: c.hashes[h], Header: c.headers[h]})
	}
	return out
}

// FirstHeightFrom returns the first height at or above minHeight whose
// timestamp is at least minTime, or -1 if there is none.
func (c *Chain) FirstHeightFrom(minHeight int32, minTime uint32) int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if minHeight < 0 {
		minHeight = 0
	}
	for h := int(minHeight); h < len(c.headers); h++ {
		if c.headers[h].Timestamp >= minTime {
			return int32(h)
		}
	}
	return -1
}

// Append extends the tip. Headers must link to the tip and to each other;
// rule checks are the caller's job.
func (c *Chain) Append(headers ...wire.BlockHeader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range headers {
		tip := c.hashes[len(c.hashes)-1]
		if headers[i].PrevBlock != tip {
			return &ValidationError{
				Height: int32(len(c.headers)),
				Hash:   headers[i].BlockHash(),
				Err:    ErrPrevHashMismatch,
			}
		}
		c.push(headers[i], headers[i].BlockHash())
	}
	return nil
}

// TruncateAfter drops every header above height.
func (c *Chain) TruncateAfter(height int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height < 0 || int(height) >= len(c.headers) {
		return fmt.Errorf("truncate to %d: chain height is %d", height, len(c.headers)-1)
	}
	for _, hash := range c.hashes[height+1:] {
		delete(c.index, hash)
	}
	c.headers = c.headers[:height+1]
	c.hashes = c.hashes[:height+1]
	c.work = c.work[:height+1]
	return nil
}
