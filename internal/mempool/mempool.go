// Package mempool holds a bounded, oldest-first-evicted cache of
// unconfirmed transactions.
package mempool

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/thanhnp/chain-node/internal/chain"
	"github.com/thanhnp/chain-node/internal/logger"
	"github.com/thanhnp/chain-node/internal/metrics"
	"github.com/thanhnp/chain-node/internal/wire"
)

// Pool is the transaction cache. Lookups only peek, never promote, so the
// LRU order stays insertion order and eviction drops the oldest entry.
// Writes are serialized; reads may run concurrently with them.
type Pool struct {
	mu       sync.Mutex
	cache    *lru.Cache[chainhash.Hash, *wire.MsgTx]
	removing bool
	log      logger.Logger
}

// New creates a pool holding at most capacity transactions.
func New(capacity int, log logger.Logger) (*Pool, error) {
	p := &Pool{log: log}
	cache, err := lru.NewWithEvict[chainhash.Hash, *wire.MsgTx](capacity, p.onEvict)
	if err != nil {
		return nil, fmt.Errorf("mempool capacity %d: %w", capacity, err)
	}
	p.cache = cache
	return p, nil
}

// onEvict also fires for explicit removals, which are not evictions.
func (p *Pool) onEvict(hash chainhash.Hash, _ *wire.MsgTx) {
	if p.removing {
		return
	}
	metrics.MempoolEvictions.Inc()
	p.log.Debugf("evicted %s", hash)
}

// Insert validates tx and adds it. It reports false without error when the
// transaction is already cached; a duplicate keeps its original position.
func (p *Pool) Insert(tx *wire.MsgTx) (bool, error) {
	hash := tx.TxHash()
	if err := chain.CheckTransactionSanity(tx); err != nil {
		return false, &chain.ValidationError{Height: -1, Hash: hash, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cache.Contains(hash) {
		return false, nil
	}
	p.cache.Add(hash, tx)
	metrics.MempoolSize.Set(float64(p.cache.Len()))
	return true, nil
}

// Remove drops transactions, typically because a block confirmed them.
func (p *Pool) Remove(hashes ...chainhash.Hash) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removing = true
	defer func() { p.removing = false }()
	removed := 0
	for _, h := range hashes {
		if p.cache.Remove(h) {
			removed++
		}
	}
	metrics.MempoolSize.Set(float64(p.cache.Len()))
	return removed
}

// Get returns a cached transaction.
func (p *Pool) Get(hash chainhash.Hash) (*wire.MsgTx, bool) {
	return p.cache.Peek(hash)
}

// Has reports whether hash is cached.
func (p *Pool) Has(hash chainhash.Hash) bool {
	return p.cache.Contains(hash)
}

// Hashes lists cached transactions, oldest first.
func (p *Pool) Hashes() []chainhash.Hash {
	return p.cache.Keys()
}

// Len is the number of cached transactions.
func (p *Pool) Len() int {
	return p.cache.Len()
}
