package storage

import (
	"bytes"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"go.uber.org/atomic"
)

// Every logical table shares one keyspace, told apart by a short prefix.
const (
	PrefixBlocks         = "blk:"
	PrefixBlocksByHeight = "bht:"
	PrefixTxIndex        = "txi:"
	PrefixWallets        = "wlt:"
	PrefixSyncState      = "syn:"
)

// Table names accepted by the PebbleDB methods.
const (
	CFBlocks         = "blocks"
	CFBlocksByHeight = "blocks_by_height"
	CFTxIndex        = "tx_index"
	CFWallets        = "wallets"
	CFSyncState      = "sync_state"
)

var cfPrefixes = map[string]string{
	CFBlocks:         PrefixBlocks,
	CFBlocksByHeight: PrefixBlocksByHeight,
	CFTxIndex:        PrefixTxIndex,
	CFWallets:        PrefixWallets,
	CFSyncState:      PrefixSyncState,
}

// PebbleDB is a pebble database split into prefixed tables. Errors come
// back as *PersistenceError.
type PebbleDB struct {
	db   *pebble.DB
	bulk *atomic.Bool
}

// WriteBatch groups writes that must land together.
type WriteBatch struct {
	batch *pebble.Batch
	db    *PebbleDB
}

// Iterator walks one table in key order.
type Iterator struct {
	iter     *pebble.Iterator
	cfPrefix []byte
}

// Options tunes a PebbleDB.
type Options struct {
	CacheSize    int64
	MaxOpenFiles int
}

// DefaultOptions suits a single node process that opens two databases.
func DefaultOptions() Options {
	return Options{CacheSize: 64 << 20, MaxOpenFiles: 250}
}

// NewPebbleDB opens (creating if needed) the database at path.
func NewPebbleDB(path string, o Options) (*PebbleDB, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, &PersistenceError{Op: "mkdir", Key: path, Err: err}
	}

	cache := pebble.NewCache(o.CacheSize)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:        cache,
		MaxOpenFiles: o.MaxOpenFiles,
	})
	if err != nil {
		return nil, &PersistenceError{Op: "open", Key: path, Err: err}
	}

	return &PebbleDB{db: db, bulk: atomic.NewBool(false)}, nil
}

// Close releases the database.
func (p *PebbleDB) Close() error {
	return p.db.Close()
}

// SetBulkMode skips the fsync on every write while enabled. Leaving bulk
// mode flushes the memtables.
func (p *PebbleDB) SetBulkMode(enabled bool) error {
	if p.bulk.Swap(enabled) && !enabled {
		return p.Sync()
	}
	return nil
}

// Sync flushes memtables to disk.
func (p *PebbleDB) Sync() error {
	return persistErr("flush", nil, p.db.Flush())
}

func (p *PebbleDB) writeOptions() *pebble.WriteOptions {
	if p.bulk.Load() {
		return pebble.NoSync
	}
	return pebble.Sync
}

func prefixKey(cf string, key []byte) []byte {
	prefix, ok := cfPrefixes[cf]
	if !ok {
		panic(fmt.Sprintf("storage: unknown table %q", cf))
	}
	out := make([]byte, 0, len(prefix)+len(key))
	return append(append(out, prefix...), key...)
}

// Put writes key in table cf.
func (p *PebbleDB) Put(cf string, key, value []byte) error {
	k := prefixKey(cf, key)
	return persistErr("put", k, p.db.Set(k, value, p.writeOptions()))
}

// Get reads key from table cf. A missing key yields nil, nil.
func (p *PebbleDB) Get(cf string, key []byte) ([]byte, error) {
	k := prefixKey(cf, key)
	value, closer, err := p.db.Get(k)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, persistErr("get", k, err)
	}
	defer closer.Close()

	return bytes.Clone(value), nil
}

// Delete removes key from table cf.
func (p *PebbleDB) Delete(cf string, key []byte) error {
	k := prefixKey(cf, key)
	return persistErr("delete", k, p.db.Delete(k, p.writeOptions()))
}

// NewBatch starts an empty batch.
func (p *PebbleDB) NewBatch() *WriteBatch {
	return &WriteBatch{
		batch: p.db.NewBatch(),
		db:    p,
	}
}

// Put queues a write.
func (b *WriteBatch) Put(cf string, key, value []byte) error {
	k := prefixKey(cf, key)
	return persistErr("batch put", k, b.batch.Set(k, value, nil))
}

// Commit writes the batch atomically.
func (b *WriteBatch) Commit() error {
	return persistErr("commit", nil, b.batch.Commit(b.db.writeOptions()))
}

// Destroy releases the batch, committed or not.
func (b *WriteBatch) Destroy() {
	b.batch.Close()
}

// NewPrefixIterator walks the keys of table cf that start with prefix. The
// iterator starts on the first match.
func (p *PebbleDB) NewPrefixIterator(cf string, prefix []byte) (*Iterator, error) {
	cfPrefix := prefixKey(cf, nil)
	fullPrefix := prefixKey(cf, prefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: fullPrefix,
		UpperBound: prefixUpperBound(fullPrefix),
	})
	if err != nil {
		return nil, persistErr("iterate", fullPrefix, err)
	}

	iter.First()
	return &Iterator{iter: iter, cfPrefix: cfPrefix}, nil
}

// prefixUpperBound is the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// Valid reports whether the iterator sits on a key.
func (i *Iterator) Valid() bool {
	return i.iter.Valid()
}

func (i *Iterator) Next() bool {
	return i.iter.Next()
}

// Key is the current key with the table prefix removed.
func (i *Iterator) Key() []byte {
	return bytes.TrimPrefix(i.iter.Key(), i.cfPrefix)
}

// Value is only valid until the next move.
func (i *Iterator) Value() []byte {
	return i.iter.Value()
}

func (i *Iterator) Close() error {
	return i.iter.Close()
}
