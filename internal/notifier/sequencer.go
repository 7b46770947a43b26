package notifier

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/thanhnp/chain-node/internal/logger"
	"github.com/thanhnp/chain-node/internal/wire"
)

// ErrNotRunning is returned by Flush once the sequencer has stopped.
var ErrNotRunning = errors.New("notifier not running")

type blockReady struct{ height int32 }

type reorg struct{ forkHeight int32 }

type txAccepted struct{ tx *wire.MsgTx }

type flush struct{ done chan struct{} }

type stop struct{}

// Sequencer turns persisted-height reports, which arrive in any order from
// the download workers, into block deliveries in strictly increasing height
// order. All handlers run on one goroutine, so whatever they mutate has a
// single writer.
type Sequencer struct {
	source BlockSource
	log    logger.Logger

	// anyQ can block Notify if it gets full; the download workers report
	// through here, so it stays big.
	anyQ chan interface{}

	mu                sync.RWMutex
	running           bool
	done              chan struct{}
	blockHandler      BlockHandler
	disconnectHandler DisconnectHandler
	txHandler         TxHandler

	next   *atomic.Int32
	failed *atomic.Error
	ready  map[int32]struct{}
}

var _ BlockNotifier = (*Sequencer)(nil)

// NewSequencer creates a sequencer that loads blocks from source.
func NewSequencer(source BlockSource, log logger.Logger) *Sequencer {
	return &Sequencer{
		source: source,
		log:    log,
		anyQ:   make(chan interface{}, 4096),
		next:   atomic.NewInt32(1),
		failed: atomic.NewError(nil),
		ready:  make(map[int32]struct{}),
	}
}

// SetNext sets the first height to deliver. Reports below it are dropped.
// Once running, call it only right after Flush.
func (s *Sequencer) SetNext(height int32) {
	s.next.Store(height)
}

// Next is the lowest height not yet delivered.
func (s *Sequencer) Next() int32 { return s.next.Load() }

// Err returns the handler error that halted delivery, if any.
func (s *Sequencer) Err() error { return s.failed.Load() }

// OnBlockConnected registers a handler for new blocks
func (s *Sequencer) OnBlockConnected(handler BlockHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockHandler = handler
}

// OnBlockDisconnected registers a handler for disconnected blocks
func (s *Sequencer) OnBlockDisconnected(handler DisconnectHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectHandler = handler
}

// OnTxAccepted registers a handler for mempool transactions
func (s *Sequencer) OnTxAccepted(handler TxHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txHandler = handler
}

// Start launches the queue goroutine. Handlers registered later are not
// seen.
func (s *Sequencer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.blockHandler == nil {
		return fmt.Errorf("block handler not set, call OnBlockConnected first")
	}
	s.running = true
	s.done = make(chan struct{})
	go s.superQueue(s.blockHandler, s.disconnectHandler, s.txHandler)
	return nil
}

// Stop lets the queue drain and waits for the goroutine to exit.
func (s *Sequencer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.anyQ <- stop{}
	done := s.done
	s.mu.Unlock()

	<-done
	s.log.Debugf("sequencer stopped at height %d", s.Next())
	return s.Err()
}

func (s *Sequencer) enqueue(msg interface{}) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return false
	}
	s.anyQ <- msg
	return true
}

// Notify reports that the block at height has been persisted
func (s *Sequencer) Notify(height int32) {
	s.enqueue(&blockReady{height: height})
}

// Disconnect reports that blocks above forkHeight were replaced
func (s *Sequencer) Disconnect(forkHeight int32) {
	s.enqueue(&reorg{forkHeight: forkHeight})
}

// NotifyTx reports a transaction accepted into the mempool
func (s *Sequencer) NotifyTx(tx *wire.MsgTx) {
	s.enqueue(&txAccepted{tx: tx})
}

// Flush waits until everything queued before the call has been handled.
func (s *Sequencer) Flush() error {
	f := &flush{done: make(chan struct{})}
	if !s.enqueue(f) {
		return ErrNotRunning
	}
	<-f.done
	return s.Err()
}

// superQueue processes notifications from the queue
func (s *Sequencer) superQueue(onBlock BlockHandler, onDisconnect DisconnectHandler, onTx TxHandler) {
	defer close(s.done)
	for rawMsg := range s.anyQ {
		switch msg := rawMsg.(type) {
		case *blockReady:
			if msg.height >= s.next.Load() {
				s.ready[msg.height] = struct{}{}
			}
			s.deliver(onBlock)
		case *reorg:
			s.processReorg(msg.forkHeight, onDisconnect)
		case *txAccepted:
			if onTx != nil {
				onTx(msg.tx)
			}
		case *flush:
			close(msg.done)
		case stop:
			return
		default:
			s.log.Warnf("unknown message type in superQueue: %T", rawMsg)
		}
	}
}

func (s *Sequencer) deliver(onBlock BlockHandler) {
	if s.failed.Load() != nil {
		return
	}
	for {
		height := s.next.Load()
		if _, ok := s.ready[height]; !ok {
			return
		}
		delete(s.ready, height)

		blk, err := s.source.GetByHeight(height)
		if err == nil && blk == nil {
			err = fmt.Errorf("block %d reported but not stored", height)
		}
		if err == nil {
			err = onBlock(height, blk)
		}
		if err != nil {
			s.log.Errorf("delivery halted at height %d: %v", height, err)
			s.failed.Store(err)
			return
		}
		s.next.Inc()
	}
}

func (s *Sequencer) processReorg(forkHeight int32, onDisconnect DisconnectHandler) {
	for h := range s.ready {
		if h > forkHeight {
			delete(s.ready, h)
		}
	}
	if s.next.Load() <= forkHeight+1 {
		return
	}
	if onDisconnect != nil {
		if err := onDisconnect(forkHeight); err != nil {
			s.log.Errorf("disconnect at height %d failed: %v", forkHeight, err)
			s.failed.Store(err)
			return
		}
	}
	s.next.Store(forkHeight + 1)
}
