// Package wallet maintains balances and unspent outputs for watched
// addresses by scanning blocks in height order.
package wallet

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/thanhnp/chain-node/internal/logger"
	"github.com/thanhnp/chain-node/internal/metrics"
	"github.com/thanhnp/chain-node/internal/models"
	"github.com/thanhnp/chain-node/internal/params"
	"github.com/thanhnp/chain-node/internal/storage"
	"github.com/thanhnp/chain-node/internal/wire"
)

var (
	ErrWalletExists  = errors.New("wallet already exists")
	ErrUnknownWallet = errors.New("unknown wallet")
	ErrOutOfOrder    = errors.New("block applied out of height order")
)

// BlockSource loads persisted blocks. GetByHash must still find blocks
// that were replaced at their height.
type BlockSource interface {
	GetByHeight(height int32) (*wire.MsgBlock, error)
	GetByHash(hash chainhash.Hash) (*wire.MsgBlock, error)
}

// ChainView answers which block the accepted chain holds at a height.
type ChainView interface {
	HashAt(height int32) (chainhash.Hash, bool)
}

// Store persists wallet records and the index high-water mark together.
type Store interface {
	List() ([]*models.Wallet, error)
	Save(w *models.Wallet) error
	SaveBatch(batch *storage.WriteBatch, w *models.Wallet) error
	NewBatch() *storage.WriteBatch
}

// HeightStore keeps the index high-water mark and the hash of the block
// at it.
type HeightStore interface {
	GetHeight(name string) (int32, error)
	SetHeightBatch(batch *storage.WriteBatch, name string, height int32) error
	GetHash(name string) (chainhash.Hash, bool, error)
	SetHashBatch(batch *storage.WriteBatch, name string, hash chainhash.Hash) error
}

type watched struct {
	record  *models.Wallet
	scripts map[pubKeyHash]string
	utxos   map[wire.OutPoint]models.UTXO
}

// Index is the wallet index. Blocks must be applied one height at a time;
// a height at or below the high-water mark is ignored.
type Index struct {
	mu      sync.RWMutex
	params  *params.Params
	store   Store
	heights HeightStore
	blocks  BlockSource
	log     logger.Logger

	start   int32
	indexed int32
	tip     chainhash.Hash // block at indexed; zero when unknown
	wallets map[string]*watched
}

// Open loads every persisted wallet. start is the lowest height blocks are
// kept for.
func Open(p *params.Params, store Store, heights HeightStore, blocks BlockSource, start int32, log logger.Logger) (*Index, error) {
	if start < 1 {
		start = 1
	}
	idx := &Index{
		params:  p,
		store:   store,
		heights: heights,
		blocks:  blocks,
		log:     log,
		start:   start,
		wallets: make(map[string]*watched),
	}

	indexed, err := heights.GetHeight(storage.KeyIndexedHeight)
	if err != nil {
		return nil, err
	}
	if indexed < start-1 {
		indexed = start - 1
	}
	idx.indexed = indexed
	if tip, ok, err := heights.GetHash(storage.KeyIndexedHash); err != nil {
		return nil, err
	} else if ok {
		idx.tip = tip
	}

	records, err := store.List()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		w, err := idx.load(rec)
		if err != nil {
			return nil, err
		}
		idx.wallets[rec.Name] = w
	}
	metrics.IndexedHeight.Set(float64(indexed))
	log.Infof("loaded %d wallets, indexed to height %d", len(records), indexed)
	return idx, nil
}

func (idx *Index) load(rec *models.Wallet) (*watched, error) {
	w := &watched{
		record:  rec,
		scripts: make(map[pubKeyHash]string, len(rec.Addresses)),
		utxos:   make(map[wire.OutPoint]models.UTXO, len(rec.UTXOs)),
	}
	for _, addr := range rec.Addresses {
		pkh, err := decodeAddress(addr, idx.params)
		if err != nil {
			return nil, fmt.Errorf("wallet %s: %w", rec.Name, err)
		}
		w.scripts[pkh] = addr
	}
	for _, u := range rec.UTXOs {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("wallet %s: utxo %s: %w", rec.Name, u.TxID, err)
		}
		w.utxos[wire.OutPoint{Hash: *hash, Index: u.Vout}] = u
	}
	return w, nil
}

// IndexedHeight is the highest block applied to every wallet.
func (idx *Index) IndexedHeight() int32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.indexed
}

// Next is the next height the index expects.
func (idx *Index) Next() int32 {
	return idx.IndexedHeight() + 1
}

// Add creates a wallet watching addresses and scans the blocks already
// indexed for it.
func (idx *Index) Add(name string, addresses []string) (*models.Wallet, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty wallet name", ErrInvalidAddress)
	}
	rec := &models.Wallet{
		Name:       name,
		Addresses:  addresses,
		LastHeight: idx.start - 1,
		UTXOs:      []models.UTXO{},
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.wallets[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletExists, name)
	}
	w, err := idx.load(rec)
	if err != nil {
		return nil, err
	}
	if err := idx.rescan(w, idx.indexed); err != nil {
		return nil, err
	}
	if err := idx.store.Save(w.snapshot()); err != nil {
		return nil, err
	}
	idx.wallets[name] = w
	idx.log.Infof("added wallet %s with %d addresses (balance %d at height %d)", name, len(addresses), rec.Balance, rec.LastHeight)
	return w.snapshot(), nil
}

// rescan replays stored blocks up to height into w alone.
func (idx *Index) rescan(w *watched, to int32) error {
	for h := w.record.LastHeight + 1; h <= to; h++ {
		blk, err := idx.blocks.GetByHeight(h)
		if err != nil {
			return err
		}
		if blk != nil {
			w.apply(h, blk)
		}
		w.record.LastHeight = h
	}
	return nil
}

// ApplyBlock scans blk at height into every wallet and persists the result
// together with the new high-water mark.
func (idx *Index) ApplyBlock(height int32, blk *wire.MsgBlock) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if height <= idx.indexed {
		return nil
	}
	if height != idx.indexed+1 {
		return fmt.Errorf("%w: got %d, next is %d", ErrOutOfOrder, height, idx.indexed+1)
	}

	next := make(map[string]*watched, len(idx.wallets))
	batch := idx.store.NewBatch()
	defer batch.Destroy()
	for name, w := range idx.wallets {
		c := w.clone()
		if c.record.LastHeight < height {
			c.apply(height, blk)
			c.record.LastHeight = height
		}
		if err := idx.store.SaveBatch(batch, c.snapshot()); err != nil {
			return err
		}
		next[name] = c
	}
	hash := blk.BlockHash()
	if err := idx.heights.SetHeightBatch(batch, storage.KeyIndexedHeight, height); err != nil {
		return err
	}
	if err := idx.heights.SetHashBatch(batch, storage.KeyIndexedHash, hash); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}

	idx.wallets = next
	idx.indexed = height
	idx.tip = hash
	metrics.IndexedHeight.Set(float64(height))
	return nil
}

// CatchUp applies stored blocks after the high-water mark up to to, stopping
// early at the first height that has no stored block. It returns the new
// indexed height.
func (idx *Index) CatchUp(to int32) (int32, error) {
	for h := idx.Next(); h <= to; h++ {
		blk, err := idx.blocks.GetByHeight(h)
		if err != nil {
			return idx.IndexedHeight(), err
		}
		if blk == nil {
			idx.log.Warnf("wallet catch-up stopped at height %d: block not stored", h)
			break
		}
		if err := idx.ApplyBlock(h, blk); err != nil {
			return idx.IndexedHeight(), err
		}
	}
	return idx.IndexedHeight(), nil
}

// Disconnect undoes everything above forkHeight after a reorg by rebuilding
// each wallet from the stored blocks up to forkHeight.
func (idx *Index) Disconnect(forkHeight int32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if forkHeight >= idx.indexed {
		return nil
	}
	if forkHeight < idx.start-1 {
		forkHeight = idx.start - 1
	}

	next := make(map[string]*watched, len(idx.wallets))
	batch := idx.store.NewBatch()
	defer batch.Destroy()
	for name, w := range idx.wallets {
		fresh, err := idx.load(&models.Wallet{
			Name:       name,
			Addresses:  w.record.Addresses,
			LastHeight: idx.start - 1,
			Pending:    w.record.Pending,
		})
		if err != nil {
			return err
		}
		if err := idx.rescan(fresh, forkHeight); err != nil {
			return err
		}
		if err := idx.store.SaveBatch(batch, fresh.snapshot()); err != nil {
			return err
		}
		next[name] = fresh
	}
	var tip chainhash.Hash
	if forkHeight >= idx.start {
		blk, err := idx.blocks.GetByHeight(forkHeight)
		if err != nil {
			return err
		}
		if blk != nil {
			tip = blk.BlockHash()
		}
	}
	if err := idx.heights.SetHeightBatch(batch, storage.KeyIndexedHeight, forkHeight); err != nil {
		return err
	}
	if err := idx.heights.SetHashBatch(batch, storage.KeyIndexedHash, tip); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}

	idx.log.Warnf("wallet index rewound from %d to %d", idx.indexed, forkHeight)
	idx.wallets = next
	idx.indexed = forkHeight
	idx.tip = tip
	metrics.IndexedHeight.Set(float64(forkHeight))
	return nil
}

// Reconcile rewinds the index to the last block it shares with c. It finds
// that block by following the indexed blocks' parent links, so it works
// after the chain reorganized while the index was closed. It returns the
// indexed height afterwards.
func (idx *Index) Reconcile(c ChainView) (int32, error) {
	idx.mu.RLock()
	indexed, tip := idx.indexed, idx.tip
	idx.mu.RUnlock()
	if indexed < idx.start {
		return indexed, nil
	}

	if tip == (chainhash.Hash{}) {
		blk, err := idx.blocks.GetByHeight(indexed)
		if err != nil {
			return indexed, err
		}
		if blk != nil {
			tip = blk.BlockHash()
		}
	}

	fork := idx.start - 1
	hash := tip
	for h := indexed; h >= idx.start && hash != (chainhash.Hash{}); h-- {
		if onChain, ok := c.HashAt(h); ok && onChain == hash {
			fork = h
			break
		}
		blk, err := idx.blocks.GetByHash(hash)
		if err != nil {
			return indexed, err
		}
		if blk == nil {
			break
		}
		hash = blk.Header.PrevBlock
	}
	if fork == indexed {
		return indexed, nil
	}

	idx.log.Warnf("indexed block %d (%s) left the chain, common ancestor at %d", indexed, tip, fork)
	if err := idx.Disconnect(fork); err != nil {
		return indexed, err
	}
	return fork, nil
}

// AddPending records an unconfirmed transaction for every wallet it pays or
// spends from. It reports whether any wallet was touched.
func (idx *Index) AddPending(tx *wire.MsgTx) (bool, error) {
	txid := tx.TxHash().String()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	touched := false
	for _, w := range idx.wallets {
		received, spent := w.preview(tx)
		if received == 0 && spent == 0 || w.hasPending(txid) {
			continue
		}
		w.record.Pending = append(w.record.Pending, models.PendingTx{TxID: txid, Received: received, Spent: spent})
		if err := idx.store.Save(w.snapshot()); err != nil {
			return touched, err
		}
		touched = true
	}
	return touched, nil
}

// Wallet returns a copy of the named wallet.
func (idx *Index) Wallet(name string) (*models.Wallet, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	w, ok := idx.wallets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, name)
	}
	return w.snapshot(), nil
}

// Wallets returns copies of every wallet sorted by name.
func (idx *Index) Wallets() []*models.Wallet {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*models.Wallet, 0, len(idx.wallets))
	for _, w := range idx.wallets {
		out = append(out, w.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// apply scans one block: for each transaction, inputs spend before outputs
// receive, so an output created and spent in the same block nets to zero.
func (w *watched) apply(height int32, blk *wire.MsgBlock) {
	for i := range blk.Transactions {
		tx := &blk.Transactions[i]
		txid := tx.TxHash()
		touched := false

		for _, in := range tx.TxIn {
			u, ok := w.utxos[in.PreviousOutPoint]
			if !ok {
				continue
			}
			delete(w.utxos, in.PreviousOutPoint)
			w.record.Balance -= u.Value
			w.record.TotalSent += u.Value
			touched = true
		}
		for vout, out := range tx.TxOut {
			pkh, ok := scriptHash(out.PkScript)
			if !ok {
				continue
			}
			addr, ok := w.scripts[pkh]
			if !ok {
				continue
			}
			w.utxos[wire.OutPoint{Hash: txid, Index: uint32(vout)}] = models.UTXO{
				TxID:    txid.String(),
				Vout:    uint32(vout),
				Value:   out.Value,
				Address: addr,
				Height:  height,
			}
			w.record.Balance += out.Value
			w.record.TotalReceived += out.Value
			touched = true
		}

		if touched {
			w.record.TxCount++
		}
		w.dropPending(txid.String())
	}
}

// preview sums what tx would pay to and spend from w.
func (w *watched) preview(tx *wire.MsgTx) (received, spent int64) {
	for _, in := range tx.TxIn {
		if u, ok := w.utxos[in.PreviousOutPoint]; ok {
			spent += u.Value
		}
	}
	for _, out := range tx.TxOut {
		if pkh, ok := scriptHash(out.PkScript); ok {
			if _, ok := w.scripts[pkh]; ok {
				received += out.Value
			}
		}
	}
	return received, spent
}

func (w *watched) hasPending(txid string) bool {
	for _, p := range w.record.Pending {
		if p.TxID == txid {
			return true
		}
	}
	return false
}

func (w *watched) dropPending(txid string) {
	for i, p := range w.record.Pending {
		if p.TxID == txid {
			w.record.Pending = append(w.record.Pending[:i:i], w.record.Pending[i+1:]...)
			return
		}
	}
}

func (w *watched) clone() *watched {
	rec := *w.record
	rec.Pending = append([]models.PendingTx(nil), w.record.Pending...)
	c := &watched{record: &rec, scripts: w.scripts, utxos: make(map[wire.OutPoint]models.UTXO, len(w.utxos))}
	for op, u := range w.utxos {
		c.utxos[op] = u
	}
	return c
}

// snapshot renders the wallet as its persisted record with UTXOs in a
// stable order.
func (w *watched) snapshot() *models.Wallet {
	rec := *w.record
	rec.Addresses = append([]string(nil), w.record.Addresses...)
	rec.Pending = append([]models.PendingTx(nil), w.record.Pending...)
	rec.UTXOs = make([]models.UTXO, 0, len(w.utxos))
	for _, u := range w.utxos {
		rec.UTXOs = append(rec.UTXOs, u)
	}
	sort.Slice(rec.UTXOs, func(i, j int) bool {
		a, b := rec.UTXOs[i], rec.UTXOs[j]
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		if a.TxID != b.TxID {
			return a.TxID < b.TxID
		}
		return a.Vout < b.Vout
	})
	return &rec
}
