// Package server accepts inbound peers, answers their header, block and
// transaction requests and keeps the mempool.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/atomic"

	"github.com/thanhnp/chain-node/internal/chain"
	"github.com/thanhnp/chain-node/internal/logger"
	"github.com/thanhnp/chain-node/internal/mempool"
	"github.com/thanhnp/chain-node/internal/metrics"
	"github.com/thanhnp/chain-node/internal/peer"
	"github.com/thanhnp/chain-node/internal/wire"
)

// maxBlocksPerInv bounds a getblocks answer.
const maxBlocksPerInv = 500

// submitQueueSize is how many transactions may wait for the mempool writer.
const submitQueueSize = 1024

// BlockSource serves stored blocks.
type BlockSource interface {
	GetByHash(hash chainhash.Hash) (*wire.MsgBlock, error)
}

type submission struct {
	tx   *wire.MsgTx
	from *peer.Peer
}

// Server is the inbound side of the node. Only its writer goroutine mutates
// the mempool.
type Server struct {
	addr   string
	cfg    peer.Config
	chain  *chain.Chain
	blocks BlockSource
	pool   *mempool.Pool
	book   *peer.AddressBook
	log    logger.Logger

	onAccept func(*wire.MsgTx)
	submitQ  chan submission
	confirmQ chan []chainhash.Hash

	mu       sync.RWMutex
	listener net.Listener
	clients  map[*peer.Peer]struct{}
	running  *atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a server for addr. Call Start to begin listening.
func New(addr string, cfg peer.Config, c *chain.Chain, blocks BlockSource, pool *mempool.Pool, book *peer.AddressBook, log logger.Logger) *Server {
	return &Server{
		addr:     addr,
		cfg:      cfg,
		chain:    c,
		blocks:   blocks,
		pool:     pool,
		book:     book,
		log:      log,
		submitQ:  make(chan submission, submitQueueSize),
		confirmQ: make(chan []chainhash.Hash, 64),
		clients:  make(map[*peer.Peer]struct{}),
		running:  atomic.NewBool(false),
	}
}

// OnTxAccepted registers a callback for each transaction newly cached. It
// runs on the mempool writer goroutine. Must be called before Start.
func (s *Server) OnTxAccepted(fn func(*wire.MsgTx)) {
	s.onAccept = fn
}

// Pool returns the mempool for read access.
func (s *Server) Pool() *mempool.Pool { return s.pool }

// Start binds the listener and starts serving.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(2)
	go s.acceptLoop(ctx, ln)
	go s.mempoolWriter(ctx)
	s.log.Infof("listening for peers on %s", ln.Addr())
	return nil
}

// Addr is the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every client and waits for the goroutines.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.mu.Lock()
	s.cancel()
	err := s.listener.Close()
	for p := range s.clients {
		p.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Infof("server stopped")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ClientCount is the number of handshaked inbound peers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Submit queues a transaction learned elsewhere, e.g. from the outbound
// peer, for the mempool. It reports false if the server is not running.
func (s *Server) Submit(tx *wire.MsgTx) bool {
	return s.submit(submission{tx: tx})
}

// Confirmed drops the transactions of a newly indexed block from the
// mempool.
func (s *Server) Confirmed(blk *wire.MsgBlock) {
	if !s.running.Load() {
		return
	}
	hashes := make([]chainhash.Hash, len(blk.Transactions))
	for i := range blk.Transactions {
		hashes[i] = blk.Transactions[i].TxHash()
	}
	select {
	case s.confirmQ <- hashes:
	default:
		s.log.Warnf("mempool queue full, keeping %d confirmed transactions", len(hashes))
	}
}

func (s *Server) submit(sub submission) bool {
	if !s.running.Load() {
		return false
	}
	select {
	case s.submitQ <- sub:
		return true
	default:
		s.log.Warnf("mempool queue full, dropping %s", sub.tx.TxHash())
		return false
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warnf("accept: %v", err)
			continue
		}
		if s.book.IsBanned(conn.RemoteAddr().String()) {
			s.log.Debugf("refusing banned %s", conn.RemoteAddr())
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	p, err := peer.Accept(ctx, conn, s.cfg, s.log)
	if err != nil {
		s.log.Debugf("inbound handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	if !s.register(p) {
		p.Close()
		return
	}
	defer s.unregister(p)

	s.log.Infof("client %s connected (%s)", p.Addr(), p.Client())
	for {
		msg, err := p.Receive(ctx)
		if err != nil {
			if wire.IsKind(err, wire.ChecksumMismatch) {
				if s.book.Penalize(p.Addr(), peer.PenaltyMalformed, "malformed") {
					return
				}
				continue
			}
			if ctx.Err() == nil {
				s.log.Debugf("client %s: %v", p.Addr(), err)
			}
			return
		}
		if err := s.handleMessage(p, msg); err != nil {
			s.log.Debugf("client %s: %v", p.Addr(), err)
			return
		}
	}
}

func (s *Server) register(p *peer.Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return false
	}
	s.clients[p] = struct{}{}
	metrics.ServerPeers.Set(float64(len(s.clients)))
	return true
}

func (s *Server) unregister(p *peer.Peer) {
	p.Close()
	s.mu.Lock()
	delete(s.clients, p)
	metrics.ServerPeers.Set(float64(len(s.clients)))
	s.mu.Unlock()
	s.log.Infof("client %s disconnected", p.Addr())
}

// mempoolWriter is the only goroutine that inserts into the pool.
func (s *Server) mempoolWriter(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-s.submitQ:
			s.accept(sub)
		case hashes := <-s.confirmQ:
			if n := s.pool.Remove(hashes...); n > 0 {
				s.log.Debugf("removed %d confirmed transactions", n)
			}
		}
	}
}

func (s *Server) accept(sub submission) {
	hash := sub.tx.TxHash()
	added, err := s.pool.Insert(sub.tx)
	if err != nil {
		s.log.Debugf("rejecting tx %s: %v", hash, err)
		if sub.from != nil {
			banned := s.book.Penalize(sub.from.Addr(), peer.PenaltyMalformed, "invalid-tx")
			_ = sub.from.Send(&wire.MsgReject{Cmd: wire.CmdTx, Code: wire.RejectInvalid, Reason: rejectReason(err), Hash: hash})
			if banned {
				sub.from.Close()
			}
		}
		return
	}
	if !added {
		return
	}
	s.log.Debugf("accepted tx %s (%d cached)", hash, s.pool.Len())
	s.relay(sub.from, &wire.MsgInv{InvList: []wire.InvVect{{Type: wire.InvTypeTx, Hash: hash}}})
	if s.onAccept != nil {
		s.onAccept(sub.tx)
	}
}

// relay sends msg to every client except the one it came from.
func (s *Server) relay(from *peer.Peer, msg wire.Message) {
	s.mu.RLock()
	targets := make([]*peer.Peer, 0, len(s.clients))
	for p := range s.clients {
		if p != from {
			targets = append(targets, p)
		}
	}
	s.mu.RUnlock()

	for _, p := range targets {
		if err := p.Send(msg); err != nil {
			s.log.Debugf("relay to %s: %v", p.Addr(), err)
		}
	}
}

func rejectReason(err error) string {
	var verr *chain.ValidationError
	if errors.As(err, &verr) {
		return verr.Err.Error()
	}
	return err.Error()
}
