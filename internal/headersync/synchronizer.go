// Package headersync downloads, validates and persists the header chain.
package headersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/thanhnp/chain-node/internal/chain"
	"github.com/thanhnp/chain-node/internal/logger"
	"github.com/thanhnp/chain-node/internal/metrics"
	"github.com/thanhnp/chain-node/internal/peer"
	"github.com/thanhnp/chain-node/internal/storage"
	"github.com/thanhnp/chain-node/internal/wire"
)

// maxSideBranch caps how many headers of a lighter competing branch are
// held while waiting to see whether it overtakes the chain.
const maxSideBranch = 50 * wire.MaxHeadersPerMsg

// Config tunes the synchronizer.
type Config struct {
	Retries int
	Timeout time.Duration
}

// Outcome describes what a batch did to the chain.
type Outcome struct {
	Appended   int
	Reorg      bool
	ForkHeight int32 // last common height when Reorg is set
	Lighter    bool  // a valid competing branch lost on work
}

// merge folds a later outcome into o, keeping the lowest fork.
func (o *Outcome) merge(later Outcome) {
	o.Appended += later.Appended
	if later.Reorg && (!o.Reorg || later.ForkHeight < o.ForkHeight) {
		o.Reorg = true
		o.ForkHeight = later.ForkHeight
	}
	o.Lighter = later.Lighter
}

// Synchronizer is the only writer of the header chain and the header file.
type Synchronizer struct {
	mu     sync.Mutex
	chain  *chain.Chain
	file   *storage.HeaderFile
	dialer peer.Dialer
	cfg    Config
	log    logger.Logger
	now    func() time.Time
}

// New creates a Synchronizer. Call Load before Run.
func New(c *chain.Chain, file *storage.HeaderFile, dialer peer.Dialer, cfg Config, log logger.Logger) *Synchronizer {
	return &Synchronizer{
		chain:  c,
		file:   file,
		dialer: dialer,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// Chain returns the header chain. Callers must treat it as read-only.
func (s *Synchronizer) Chain() *chain.Chain { return s.chain }

// Load rebuilds the chain from the header file. Records after the first
// one that does not link are cut off; they were written by a run that died
// between truncating and rewriting the tail.
func (s *Synchronizer) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	headers, err := s.file.ReadAll()
	if err != nil {
		return err
	}
	prev := s.chain.Params().GenesisHash
	good := len(headers)
	for i := range headers {
		if headers[i].PrevBlock != prev {
			good = i
			break
		}
		prev = headers[i].BlockHash()
	}
	if good < len(headers) {
		s.log.Warnf("header file %s breaks at height %d, dropping %d records",
			s.file.Path(), good+1, len(headers)-good)
		if err := s.file.Truncate(int64(good)); err != nil {
			return err
		}
	}
	if err := s.chain.Append(headers[:good]...); err != nil {
		return err
	}
	metrics.HeaderHeight.Set(float64(s.chain.Height()))
	s.log.Infof("loaded %d headers from %s", good, s.file.Path())
	return nil
}

// Run syncs to the tip of whichever peer serves it. A peer that sends bad
// data or stalls is penalized and replaced, at most Retries times. On
// success the serving peer is returned still connected. The outcome sums
// every change applied to the chain, including those made before a failure.
func (s *Synchronizer) Run(ctx context.Context) (peer.Conn, Outcome, error) {
	var total Outcome
	failures := 0
	for {
		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			return nil, total, err
		}
		s.log.Infof("syncing headers from %s at height %d", conn.Addr(), s.chain.Height())

		out, err := s.SyncWith(ctx, conn)
		total.merge(out)
		if err == nil {
			tip, hash := s.chain.Tip()
			s.log.Infof("header chain synced: height %d (%s)", tip, hash)
			return conn, total, nil
		}
		conn.Close()
		if ctx.Err() != nil {
			return nil, total, ctx.Err()
		}
		if storage.IsPersistenceError(err) {
			return nil, total, err
		}

		s.penalize(conn.Addr(), err)
		failures++
		if failures > s.cfg.Retries {
			return nil, total, fmt.Errorf("header sync failed after %d attempts: %w", failures, err)
		}
		s.log.Warnf("header sync from %s failed (%d/%d): %v", conn.Addr(), failures, s.cfg.Retries, err)
	}
}

func (s *Synchronizer) penalize(addr string, err error) {
	var fe *wire.FormatError
	switch {
	case chain.IsValidationError(err):
		s.dialer.Penalize(addr, peer.PenaltyInvalid, "invalid-header")
	case errors.As(err, &fe):
		s.dialer.Penalize(addr, peer.PenaltyMalformed, "malformed")
	default:
		s.dialer.Penalize(addr, peer.PenaltyUnresponsive, "unresponsive")
	}
}

// SyncWith requests headers from conn until a batch comes back short.
func (s *Synchronizer) SyncWith(ctx context.Context, conn peer.Conn) (Outcome, error) {
	var total Outcome
	var side []wire.BlockHeader
	for {
		locator := s.chain.Locator()
		if len(side) > 0 {
			locator = append([]chainhash.Hash{side[len(side)-1].BlockHash()}, locator...)
			if len(locator) > wire.MaxLocatorHashes {
				locator = locator[:wire.MaxLocatorHashes]
			}
		}
		err := conn.Send(&wire.MsgGetHeaders{
			ProtocolVersion: wire.ProtocolVersion,
			BlockLocator:    locator,
		})
		if err != nil {
			return total, err
		}

		headers, err := s.awaitHeaders(ctx, conn)
		if err != nil {
			return total, err
		}
		if len(headers) == 0 {
			return total, nil
		}

		batch := headers
		if len(side) > 0 && headers[0].PrevBlock == side[len(side)-1].BlockHash() {
			batch = append(side, headers...)
		}
		out, err := s.AcceptHeaders(batch)
		total.merge(out)
		if err != nil {
			return total, err
		}
		side = nil

		if len(headers) < wire.MaxHeadersPerMsg {
			return total, nil
		}
		if out.Appended == 0 {
			if !out.Lighter || len(batch) >= maxSideBranch {
				return total, nil
			}
			side = batch
		}
	}
}

// awaitHeaders waits for the reply to a getheaders, letting unrelated
// traffic pass.
func (s *Synchronizer) awaitHeaders(ctx context.Context, conn peer.Conn) ([]wire.BlockHeader, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if m, ok := msg.(*wire.MsgHeaders); ok {
			return m.Headers, nil
		}
		s.log.Debugf("ignoring %s from %s while waiting for headers", msg.Command(), conn.Addr())
	}
}

// AcceptHeaders validates a batch of consecutive headers and applies it.
// A batch extending the tip has its valid prefix appended; a batch forking
// off an earlier height replaces the suffix only if it carries strictly
// more work. The first invalid header and everything after it are dropped
// and reported as a ValidationError.
func (s *Synchronizer) AcceptHeaders(headers []wire.BlockHeader) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(headers) == 0 {
		return Outcome{}, nil
	}
	base, ok := s.chain.HeightOf(headers[0].PrevBlock)
	if !ok {
		return Outcome{}, &chain.ValidationError{Height: -1, Hash: headers[0].BlockHash(), Err: chain.ErrPrevHashMismatch}
	}

	// skip what we already have
	for len(headers) > 0 {
		hash, ok := s.chain.HashAt(base + 1)
		if !ok || hash != headers[0].BlockHash() {
			break
		}
		headers = headers[1:]
		base++
	}
	if len(headers) == 0 {
		return Outcome{}, nil
	}

	if base == s.chain.Height() {
		return s.extend(base, headers)
	}
	return s.reorganize(base, headers)
}

func (s *Synchronizer) extend(base int32, headers []wire.BlockHeader) (Outcome, error) {
	valid, verr := s.validate(base, headers)
	if valid > 0 {
		if err := s.commit(headers[:valid]); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Appended: valid}, verr
}

func (s *Synchronizer) reorganize(base int32, branch []wire.BlockHeader) (Outcome, error) {
	valid, verr := s.validate(base, branch)
	branch = branch[:valid]
	if valid == 0 {
		return Outcome{}, verr
	}

	work := s.chain.Work(base)
	for i := range branch {
		work.Add(work, blockchain.CalcWork(branch[i].Bits))
	}
	current := s.chain.TipWork()
	if work.Cmp(current) <= 0 {
		s.log.Debugf("ignoring branch of %d headers from height %d: work %s does not exceed %s",
			len(branch), base+1, work.Text(16), current.Text(16))
		return Outcome{Lighter: true}, verr
	}

	oldTip := s.chain.Height()
	if err := s.file.Truncate(int64(base)); err != nil {
		return Outcome{}, err
	}
	if err := s.chain.TruncateAfter(base); err != nil {
		return Outcome{}, err
	}
	if err := s.commit(branch); err != nil {
		return Outcome{}, err
	}
	s.log.Warnf("reorganized at height %d: replaced %d headers with %d", base, oldTip-base, len(branch))
	return Outcome{Appended: len(branch), Reorg: true, ForkHeight: base}, verr
}

// validate checks headers in order on top of height base and returns how
// many passed.
func (s *Synchronizer) validate(base int32, headers []wire.BlockHeader) (int, error) {
	p := s.chain.Params()
	now := s.now()
	prevHash, _ := s.chain.HashAt(base)
	recent := s.chain.RecentTimestamps(base, chain.MedianTimeBlocks)

	for i := range headers {
		h := &headers[i]
		if err := chain.CheckHeader(h, prevHash, recent, p, now); err != nil {
			return i, &chain.ValidationError{Height: base + 1 + int32(i), Hash: h.BlockHash(), Err: err}
		}
		prevHash = h.BlockHash()
		recent = append(recent, h.Timestamp)
		if len(recent) > chain.MedianTimeBlocks {
			recent = recent[1:]
		}
	}
	return len(headers), nil
}

// commit writes the file before memory so a crash never leaves the chain
// ahead of what is on disk.
func (s *Synchronizer) commit(headers []wire.BlockHeader) error {
	if err := s.file.Append(headers); err != nil {
		return err
	}
	if err := s.chain.Append(headers...); err != nil {
		return err
	}
	metrics.HeaderHeight.Set(float64(s.chain.Height()))
	return nil
}
