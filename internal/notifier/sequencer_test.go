package notifier

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/chain-node/internal/chain/chaintest"
	"github.com/thanhnp/chain-node/internal/logger"
	"github.com/thanhnp/chain-node/internal/wire"
)

type memSource struct {
	mu     sync.Mutex
	blocks map[int32]*wire.MsgBlock
}

func newMemSource(n int) *memSource {
	src := &memSource{blocks: make(map[int32]*wire.MsgBlock)}
	for i, b := range chaintest.Blocks(chaintest.Params.GenesisHash, chaintest.Params.Genesis.Timestamp, n, 1) {
		src.blocks[int32(i+1)] = b
	}
	return src
}

func (m *memSource) GetByHeight(height int32) (*wire.MsgBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[height], nil
}

type recorder struct {
	heights []int32
	forks   []int32
	txs     int
}

func startSequencer(t *testing.T, src BlockSource, next int32, rec *recorder) *Sequencer {
	t.Helper()
	s := NewSequencer(src, logger.Nop())
	s.SetNext(next)
	s.OnBlockConnected(func(height int32, blk *wire.MsgBlock) error {
		rec.heights = append(rec.heights, height)
		return nil
	})
	s.OnBlockDisconnected(func(fork int32) error {
		rec.forks = append(rec.forks, fork)
		return nil
	})
	s.OnTxAccepted(func(*wire.MsgTx) { rec.txs++ })
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestStartRequiresBlockHandler(t *testing.T) {
	s := NewSequencer(newMemSource(0), logger.Nop())
	assert.Error(t, s.Start())
}

func TestDeliversInHeightOrder(t *testing.T) {
	rec := &recorder{}
	s := startSequencer(t, newMemSource(6), 1, rec)

	for _, h := range []int32{3, 5, 1, 6, 2} {
		s.Notify(h)
	}
	require.NoError(t, s.Flush())
	assert.Equal(t, []int32{1, 2, 3}, rec.heights)
	assert.Equal(t, int32(4), s.Next())

	s.Notify(4)
	require.NoError(t, s.Flush())
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, rec.heights)
}

func TestIgnoresHeightsBelowNext(t *testing.T) {
	rec := &recorder{}
	s := startSequencer(t, newMemSource(5), 4, rec)

	s.Notify(2)
	s.Notify(4)
	s.Notify(4)
	require.NoError(t, s.Flush())
	assert.Equal(t, []int32{4}, rec.heights)
}

func TestDisconnectRewinds(t *testing.T) {
	rec := &recorder{}
	s := startSequencer(t, newMemSource(6), 1, rec)

	for h := int32(1); h <= 4; h++ {
		s.Notify(h)
	}
	s.Notify(6)
	s.Disconnect(2)
	require.NoError(t, s.Flush())
	assert.Equal(t, []int32{2}, rec.forks)
	assert.Equal(t, int32(3), s.Next())

	// the stale report for 6 was dropped with the old branch
	s.Notify(3)
	s.Notify(5)
	require.NoError(t, s.Flush())
	assert.Equal(t, []int32{1, 2, 3, 4, 3}, rec.heights)
	assert.Equal(t, int32(4), s.Next())

	// a reorg above what was delivered needs no disconnect
	s.Disconnect(10)
	require.NoError(t, s.Flush())
	assert.Equal(t, []int32{2}, rec.forks)
}

func TestHandlerErrorHaltsDelivery(t *testing.T) {
	boom := errors.New("disk full")
	s := NewSequencer(newMemSource(3), logger.Nop())
	var got []int32
	s.OnBlockConnected(func(height int32, _ *wire.MsgBlock) error {
		if height == 2 {
			return boom
		}
		got = append(got, height)
		return nil
	})
	require.NoError(t, s.Start())

	s.Notify(1)
	s.Notify(2)
	s.Notify(3)
	assert.ErrorIs(t, s.Flush(), boom)
	assert.Equal(t, []int32{1}, got)
	assert.ErrorIs(t, s.Stop(), boom)
	assert.Equal(t, int32(2), s.Next())
}

func TestMissingBlockHaltsDelivery(t *testing.T) {
	rec := &recorder{}
	s := startSequencer(t, newMemSource(1), 1, rec)

	s.Notify(1)
	s.Notify(2)
	assert.Error(t, s.Flush())
	assert.Equal(t, []int32{1}, rec.heights)
}

func TestStopDrainsQueue(t *testing.T) {
	rec := &recorder{}
	s := NewSequencer(newMemSource(50), logger.Nop())
	s.OnBlockConnected(func(height int32, _ *wire.MsgBlock) error {
		rec.heights = append(rec.heights, height)
		return nil
	})
	s.OnTxAccepted(func(*wire.MsgTx) { rec.txs++ })
	require.NoError(t, s.Start())

	for h := int32(50); h >= 1; h-- {
		s.Notify(h)
	}
	s.NotifyTx(&wire.MsgTx{})
	require.NoError(t, s.Stop())
	assert.Len(t, rec.heights, 50)
	assert.Equal(t, 1, rec.txs)

	// reports after Stop are dropped
	s.Notify(51)
	assert.ErrorIs(t, s.Flush(), ErrNotRunning)
}
