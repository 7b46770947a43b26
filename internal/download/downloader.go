// Package download fetches and persists the block bodies for the header
// chain with a pool of workers, each on its own peer connection.
package download

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/sync/errgroup"

	"github.com/thanhnp/chain-node/internal/chain"
	"github.com/thanhnp/chain-node/internal/logger"
	"github.com/thanhnp/chain-node/internal/metrics"
	"github.com/thanhnp/chain-node/internal/peer"
	"github.com/thanhnp/chain-node/internal/wire"
)

// Config tunes the downloader.
type Config struct {
	Threads     int
	BatchSize   int
	Retries     int
	Timeout     time.Duration
	StartHeight int32
	StartTime   uint32
}

// BlockStore is where validated blocks go.
type BlockStore interface {
	Has(height int32, hash chainhash.Hash) (bool, error)
	Save(height int32, blk *wire.MsgBlock) error
}

// Downloader fills in the block bodies missing below the header tip.
type Downloader struct {
	chain    *chain.Chain
	store    BlockStore
	dialer   peer.Dialer
	cfg      Config
	log      logger.Logger
	onStored func(height int32)
}

// New creates a Downloader. onStored, if set, is called after each block is
// persisted; calls come from several workers in no particular order.
func New(c *chain.Chain, store BlockStore, dialer peer.Dialer, cfg Config, onStored func(int32), log logger.Logger) *Downloader {
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	return &Downloader{
		chain:    c,
		store:    store,
		dialer:   dialer,
		cfg:      cfg,
		log:      log,
		onStored: onStored,
	}
}

// WindowStart is the first height the node keeps blocks for, or -1 when no
// header satisfies the configured anchor yet.
func (d *Downloader) WindowStart() int32 {
	from := d.cfg.StartHeight
	if from < 1 {
		from = 1
	}
	return d.chain.FirstHeightFrom(from, d.cfg.StartTime)
}

// Pending lists the headers in the download window whose block is not
// stored, lowest first.
func (d *Downloader) Pending() ([]chain.Entry, error) {
	start := d.WindowStart()
	if start < 0 {
		return nil, nil
	}
	var out []chain.Entry
	for _, e := range d.chain.Entries(start, d.chain.Height()) {
		ok, err := d.store.Has(e.Height, e.Hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Run downloads every pending block. It returns the first fatal error: a
// height that exhausted its retries, an unreachable network or a storage
// failure. Blocks of a range that was not complete when the run stopped are
// discarded.
func (d *Downloader) Run(ctx context.Context) error {
	work, err := d.Pending()
	if err != nil {
		return err
	}
	if len(work) == 0 {
		d.log.Infof("all blocks present")
		return nil
	}
	return d.fetch(ctx, work)
}

// Fetch downloads the given entries regardless of what is stored.
func (d *Downloader) Fetch(ctx context.Context, work []chain.Entry) error {
	if len(work) == 0 {
		return nil
	}
	return d.fetch(ctx, work)
}

func (d *Downloader) fetch(ctx context.Context, work []chain.Entry) error {
	alloc := newAllocator(work, d.cfg.BatchSize)
	workers := d.cfg.Threads
	if ranges := (len(work) + d.cfg.BatchSize - 1) / max(d.cfg.BatchSize, 1); ranges < workers {
		workers = ranges
	}
	d.log.Infof("downloading %d blocks (heights %d-%d) with %d workers",
		len(work), work[0].Height, work[len(work)-1].Height, workers)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			return d.worker(gctx, id, alloc)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	d.log.Infof("downloaded %d blocks in %s", alloc.claimed(), time.Since(start).Round(time.Millisecond))
	return nil
}

func (d *Downloader) worker(ctx context.Context, id int, alloc *allocator) error {
	w := &worker{d: d, id: id, log: d.log}
	defer w.release()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, ok := alloc.claim()
		if !ok {
			return nil
		}
		if err := w.fetchRange(ctx, batch); err != nil {
			return err
		}
	}
}

type worker struct {
	d    *Downloader
	id   int
	conn peer.Conn
	log  logger.Logger
}

func (w *worker) release() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// fetchRange obtains every block of batch, retrying failures, then
// persists them in height order.
func (w *worker) fetchRange(ctx context.Context, batch []chain.Entry) error {
	got := make(map[int32]*wire.MsgBlock, len(batch))
	attempts := make(map[int32]int)
	want := batch

	for len(want) > 0 {
		if w.conn == nil {
			conn, err := w.d.dialer.Dial(ctx)
			if err != nil {
				return err
			}
			w.conn = conn
		}

		blocks, failures, err := w.request(ctx, want)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var next []chain.Entry
		for _, e := range want {
			if blk, ok := blocks[e.Hash]; ok {
				got[e.Height] = blk
				continue
			}
			cause := failures[e.Hash]
			if cause == nil {
				cause = err
			}
			attempts[e.Height]++
			metrics.BlockDownloadFailures.Inc()
			if attempts[e.Height] > w.d.cfg.Retries {
				return &FailedHeightError{Height: e.Height, Attempts: attempts[e.Height], Err: cause}
			}
			next = append(next, e)
		}
		if err != nil {
			w.drop(err)
		}
		if len(next) > 0 {
			w.log.Debugf("worker %d: retrying %d of %d blocks from height %d", w.id, len(next), len(want), next[0].Height)
		}
		want = next
	}

	for _, e := range batch {
		if err := w.d.store.Save(e.Height, got[e.Height]); err != nil {
			return err
		}
		metrics.BlocksDownloaded.Inc()
		if w.d.onStored != nil {
			w.d.onStored(e.Height)
		}
	}
	w.log.Debugf("worker %d: stored heights %d-%d", w.id, batch[0].Height, batch[len(batch)-1].Height)
	return nil
}

// drop penalizes and disconnects the current peer after a failed request.
func (w *worker) drop(err error) {
	addr := w.conn.Addr()
	var fe *wire.FormatError
	switch {
	case chain.IsValidationError(err):
		w.d.dialer.Penalize(addr, peer.PenaltyInvalid, "invalid-block")
	case errors.As(err, &fe):
		w.d.dialer.Penalize(addr, peer.PenaltyMalformed, "malformed")
	default:
		w.d.dialer.Penalize(addr, peer.PenaltyUnresponsive, "block-timeout")
	}
	w.log.Warnf("worker %d: dropping %s: %v", w.id, addr, err)
	w.release()
}

// request asks the current peer for want and collects the replies. A block
// that fails validation, a notfound or a timeout leaves the entry out of
// the returned blocks; failures records per-hash causes, and the returned
// error, when set, means the connection should be dropped.
func (w *worker) request(ctx context.Context, want []chain.Entry) (map[chainhash.Hash]*wire.MsgBlock, map[chainhash.Hash]error, error) {
	outstanding := make(map[chainhash.Hash]chain.Entry, len(want))
	inv := make([]wire.InvVect, 0, len(want))
	for _, e := range want {
		outstanding[e.Hash] = e
		inv = append(inv, wire.InvVect{Type: wire.InvTypeBlock, Hash: e.Hash})
	}
	blocks := make(map[chainhash.Hash]*wire.MsgBlock, len(want))
	failures := make(map[chainhash.Hash]error)

	if err := w.conn.Send(&wire.MsgGetData{InvList: inv}); err != nil {
		return blocks, failures, err
	}

	var dropErr error
	for len(outstanding) > 0 {
		msg, err := w.receive(ctx)
		if err != nil {
			if wire.IsKind(err, wire.ChecksumMismatch) {
				dropErr = err
				continue
			}
			return blocks, failures, err
		}

		switch m := msg.(type) {
		case *wire.MsgBlock:
			hash := m.BlockHash()
			e, ok := outstanding[hash]
			if !ok {
				continue
			}
			delete(outstanding, hash)
			if err := chain.CheckBlock(m, e.Hash); err != nil {
				verr := &chain.ValidationError{Height: e.Height, Hash: e.Hash, Err: err}
				w.log.Warnf("worker %d: %v", w.id, verr)
				failures[hash] = verr
				dropErr = verr
				continue
			}
			blocks[hash] = m

		case *wire.MsgNotFound:
			for _, iv := range m.InvList {
				if _, ok := outstanding[iv.Hash]; ok {
					delete(outstanding, iv.Hash)
					failures[iv.Hash] = fmt.Errorf("%w: %s", ErrNotFound, iv.Hash)
					if dropErr == nil {
						dropErr = failures[iv.Hash]
					}
				}
			}
		}
	}
	return blocks, failures, dropErr
}

// receive waits at most the configured timeout for the next message.
func (w *worker) receive(ctx context.Context) (wire.Message, error) {
	if w.d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.d.cfg.Timeout)
		defer cancel()
	}
	return w.conn.Receive(ctx)
}
