// Package sync drives the node through header sync, block download and
// wallet indexing, then follows the outbound peer's announcements.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/thanhnp/chain-node/internal/chain"
	"github.com/thanhnp/chain-node/internal/config"
	"github.com/thanhnp/chain-node/internal/download"
	"github.com/thanhnp/chain-node/internal/headersync"
	"github.com/thanhnp/chain-node/internal/logger"
	"github.com/thanhnp/chain-node/internal/notifier"
	"github.com/thanhnp/chain-node/internal/params"
	"github.com/thanhnp/chain-node/internal/peer"
	"github.com/thanhnp/chain-node/internal/storage"
	"github.com/thanhnp/chain-node/internal/wallet"
	"github.com/thanhnp/chain-node/internal/wire"
)

// Phase names what the syncer is doing.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseHeaders Phase = "headers"
	PhaseBlocks  Phase = "blocks"
	PhaseLive    Phase = "live"
	PhaseStopped Phase = "stopped"
	PhaseFailed  Phase = "failed"
)

// TxRelay is the server side of the node, when it runs.
type TxRelay interface {
	Submit(tx *wire.MsgTx) bool
	Confirmed(blk *wire.MsgBlock)
}

// Config tunes the syncer and the components it drives.
type Config struct {
	Retries  int
	Download download.Config
	Wallets  []config.WalletSeed
}

// Progress is a point-in-time view of the syncer.
type Progress struct {
	Phase       Phase
	Peer        string
	PeerAgent   string
	WindowStart int32
	Err         error
}

// Syncer owns the header chain, the downloader, the wallet index and the
// sequencer feeding it.
type Syncer struct {
	params *params.Params
	stores *storage.Stores
	dialer peer.Dialer
	cfg    Config
	log    logger.Logger
	relay  TxRelay

	headers *headersync.Synchronizer
	blocks  *download.Downloader
	seq     *notifier.Sequencer

	mu      sync.RWMutex
	wallets *wallet.Index
	phase   Phase
	conn    peer.Conn
	err     error
	syncing bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSyncer wires the sync pipeline over stores. Outbound connections come
// from dialer.
func NewSyncer(p *params.Params, stores *storage.Stores, dialer peer.Dialer, cfg Config, log logger.Logger) *Syncer {
	c := chain.New(p)
	seq := notifier.NewSequencer(stores.Blocks, log.New("notifier"))
	return &Syncer{
		params:  p,
		stores:  stores,
		dialer:  dialer,
		cfg:     cfg,
		log:     log,
		headers: headersync.New(c, stores.Headers, dialer, headersync.Config{Retries: cfg.Retries, Timeout: cfg.Download.Timeout}, log.New("headersync")),
		blocks:  download.New(c, stores.Blocks, dialer, cfg.Download, seq.Notify, log.New("download")),
		seq:     seq,
		phase:   PhaseIdle,
	}
}

// SetRelay hands transactions learned from the outbound peer to the server
// and tells it about confirmed blocks. Must be called before Start.
func (s *Syncer) SetRelay(r TxRelay) {
	s.relay = r
}

// Chain returns the header chain. Callers must treat it as read-only.
func (s *Syncer) Chain() *chain.Chain { return s.headers.Chain() }

// Wallets returns the wallet index, or nil until the download window is
// known.
func (s *Syncer) Wallets() *wallet.Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wallets
}

// Progress reports the current phase and sync peer.
func (s *Syncer) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pr := Progress{Phase: s.phase, WindowStart: s.blocks.WindowStart(), Err: s.err}
	if s.conn != nil {
		pr.Peer = s.conn.Addr()
		if p, ok := s.conn.(*peer.Peer); ok {
			pr.PeerAgent = p.Client()
		}
	}
	return pr
}

// Start begins synchronization in the background.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return nil
	}
	s.syncing = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.headers.Load(); err != nil {
		s.finish(err)
		return fmt.Errorf("failed to load headers: %w", err)
	}

	go func() {
		s.finish(s.run(ctx))
	}()
	return nil
}

// Done is closed once the syncer has stopped, by Stop or by a fatal error.
func (s *Syncer) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Err is the fatal error that ended the run, if any.
func (s *Syncer) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Stop cancels the run, waits for it and drains the sequencer.
func (s *Syncer) Stop() error {
	s.mu.Lock()
	if !s.syncing {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	return s.seq.Stop()
}

func (s *Syncer) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.phase = PhaseStopped
	if err != nil {
		s.phase = PhaseFailed
		s.log.Errorf("sync halted: %v", err)
	}
	s.conn = nil
	close(s.done)
}

func (s *Syncer) setPhase(phase Phase, conn peer.Conn) {
	s.mu.Lock()
	s.phase = phase
	s.conn = conn
	s.mu.Unlock()
}

func (s *Syncer) run(ctx context.Context) error {
	for {
		s.setPhase(PhaseHeaders, nil)
		conn, out, err := s.headers.Run(ctx)
		if out.Reorg && s.Wallets() != nil {
			s.log.Warnf("chain reorganized at height %d during header sync", out.ForkHeight)
			s.seq.Disconnect(out.ForkHeight)
		}
		if err != nil {
			return canceled(ctx, err)
		}

		s.setPhase(PhaseBlocks, conn)
		if err := s.catchUp(ctx); err != nil {
			conn.Close()
			return canceled(ctx, err)
		}

		s.setPhase(PhaseLive, conn)
		s.log.Infof("following %s from height %d", conn.Addr(), s.Chain().Height())
		err = s.follow(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		if fatal(err) {
			return err
		}
		s.log.Warnf("lost sync peer %s: %v", conn.Addr(), err)
	}
}

// canceled turns a shutdown into a clean exit.
func canceled(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// fatal reports errors that end the run instead of replacing the peer.
func fatal(err error) bool {
	var failed *download.FailedHeightError
	return storage.IsPersistenceError(err) || errors.As(err, &failed) || errors.Is(err, peer.ErrUnreachable)
}

// catchUp downloads every missing block in the window and indexes it.
func (s *Syncer) catchUp(ctx context.Context) error {
	ready, err := s.ensureWallets()
	if err != nil {
		return err
	}
	if err := s.download(ctx); err != nil {
		return err
	}
	if !ready {
		return nil
	}
	if err := s.seq.Flush(); err != nil {
		return err
	}
	idx := s.Wallets()
	if _, err := idx.Reconcile(s.Chain()); err != nil {
		return err
	}
	// blocks stored by an earlier run but never indexed were not reported
	if _, err := idx.CatchUp(s.Chain().Height()); err != nil {
		return err
	}
	if idx.Next() != s.seq.Next() {
		s.seq.SetNext(idx.Next())
	}
	return nil
}

// download runs the initial block download with the block database in bulk
// mode; it is flushed once the run ends, successful or not.
func (s *Syncer) download(ctx context.Context) error {
	if err := s.stores.BlockDB.SetBulkMode(true); err != nil {
		return err
	}
	err := s.blocks.Run(ctx)
	if ferr := s.stores.BlockDB.SetBulkMode(false); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

// ensureWallets opens the wallet index and starts the sequencer once the
// download window has a first height.
func (s *Syncer) ensureWallets() (bool, error) {
	if s.Wallets() != nil {
		return true, nil
	}
	start := s.blocks.WindowStart()
	if start < 0 {
		s.log.Infof("no header reaches the configured start yet, wallets wait")
		return false, nil
	}

	blocks := canonicalBlocks{store: s.stores.Blocks, chain: s.Chain()}
	idx, err := wallet.Open(s.params, s.stores.Wallets, s.stores.Sync, blocks, start, s.log.New("wallet"))
	if err != nil {
		return false, err
	}
	// the chain may have moved to another branch while the index was closed
	if _, err := idx.Reconcile(s.Chain()); err != nil {
		return false, err
	}
	for _, seed := range s.cfg.Wallets {
		if _, err := idx.Wallet(seed.Name); err == nil {
			continue
		}
		if _, err := idx.Add(seed.Name, seed.Addresses); err != nil {
			return false, fmt.Errorf("seed wallet %s: %w", seed.Name, err)
		}
	}
	if _, err := idx.CatchUp(s.Chain().Height()); err != nil {
		return false, err
	}

	s.seq.SetNext(idx.Next())
	s.seq.OnBlockConnected(func(height int32, blk *wire.MsgBlock) error {
		if err := idx.ApplyBlock(height, blk); err != nil {
			return err
		}
		if s.relay != nil {
			s.relay.Confirmed(blk)
		}
		return nil
	})
	s.seq.OnBlockDisconnected(idx.Disconnect)
	s.seq.OnTxAccepted(func(tx *wire.MsgTx) {
		if _, err := idx.AddPending(tx); err != nil {
			s.log.Errorf("record pending %s: %v", tx.TxHash(), err)
		}
	})
	if err := s.seq.Start(); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.wallets = idx
	s.mu.Unlock()
	s.log.Infof("wallet index open: window starts at %d, indexed to %d", start, idx.IndexedHeight())
	return true, nil
}

// OfferTx hands an accepted mempool transaction to the wallet index.
func (s *Syncer) OfferTx(tx *wire.MsgTx) {
	s.seq.NotifyTx(tx)
}

// canonicalBlocks hides stored blocks that are not on the header chain, such
// as the old branch at heights a reorg has not re-downloaded yet.
type canonicalBlocks struct {
	store *storage.BlockStore
	chain *chain.Chain
}

func (b canonicalBlocks) GetByHeight(height int32) (*wire.MsgBlock, error) {
	want, ok := b.chain.HashAt(height)
	if !ok {
		return nil, nil
	}
	stored, err := b.store.Has(height, want)
	if err != nil || !stored {
		return nil, err
	}
	return b.store.GetByHash(want)
}

func (b canonicalBlocks) GetByHash(hash chainhash.Hash) (*wire.MsgBlock, error) {
	return b.store.GetByHash(hash)
}
