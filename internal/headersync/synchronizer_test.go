package headersync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/chain-node/internal/chain"
	"github.com/thanhnp/chain-node/internal/chain/chaintest"
	"github.com/thanhnp/chain-node/internal/logger"
	"github.com/thanhnp/chain-node/internal/peer"
	"github.com/thanhnp/chain-node/internal/storage"
	"github.com/thanhnp/chain-node/internal/wire"
)

var genesis = chaintest.Params.GenesisHash

// remotePeer answers getheaders from its own header chain.
type remotePeer struct {
	addr   string
	chain  *chain.Chain
	silent bool
	queue  chan wire.Message

	mu       sync.Mutex
	requests int
	closed   bool
}

func newRemote(addr string, headers []wire.BlockHeader) *remotePeer {
	c := chain.New(chaintest.Params)
	if err := c.Append(headers...); err != nil {
		panic(err)
	}
	return &remotePeer{addr: addr, chain: c, queue: make(chan wire.Message, 16)}
}

func (r *remotePeer) Addr() string { return r.addr }

func (r *remotePeer) Send(msg wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	gh, ok := msg.(*wire.MsgGetHeaders)
	if !ok || r.silent {
		return nil
	}
	r.requests++
	r.queue <- &wire.MsgSendHeaders{}
	r.queue <- &wire.MsgHeaders{Headers: r.chain.HeadersAfter(gh.BlockLocator, gh.HashStop, wire.MaxHeadersPerMsg)}
	return nil
}

func (r *remotePeer) Receive(ctx context.Context) (wire.Message, error) {
	select {
	case m := <-r.queue:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *remotePeer) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

type fakeDialer struct {
	mu        sync.Mutex
	conns     []*remotePeer
	dials     int
	penalties map[string]int
}

func (d *fakeDialer) Dial(context.Context) (peer.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.conns) {
		return nil, &peer.ConnectionError{Addr: "seed", Op: "connect", Err: peer.ErrUnreachable}
	}
	c := d.conns[d.dials]
	d.dials++
	return c, nil
}

func (d *fakeDialer) Penalize(addr string, score int, _ string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.penalties == nil {
		d.penalties = make(map[string]int)
	}
	d.penalties[addr] += score
	return false
}

func newSync(t *testing.T, dialer peer.Dialer) (*Synchronizer, *storage.HeaderFile) {
	t.Helper()
	hf, err := storage.OpenHeaderFile(filepath.Join(t.TempDir(), "headers.bin"))
	require.NoError(t, err)
	t.Cleanup(func() { hf.Close() })
	s := New(chain.New(chaintest.Params), hf, dialer, Config{Retries: 2, Timeout: time.Second}, logger.Nop())
	require.NoError(t, s.Load())
	return s, hf
}

func headers(n int, salt uint32) []wire.BlockHeader {
	return chaintest.Headers(chaintest.Blocks(genesis, chaintest.Params.Genesis.Timestamp, n, salt))
}

func TestRunSyncsToPeerTip(t *testing.T) {
	remote := newRemote("10.0.0.1:18444", headers(30, 1))
	s, hf := newSync(t, &fakeDialer{conns: []*remotePeer{remote}})

	conn, out, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remote, conn)
	assert.Equal(t, 30, out.Appended)
	assert.False(t, out.Reorg)

	_, want := remote.chain.Tip()
	height, got := s.Chain().Tip()
	assert.Equal(t, int32(30), height)
	assert.Equal(t, want, got)
	assert.Equal(t, int64(30), hf.Len())
	assert.Equal(t, 1, remote.requests)
}

func TestRunRequestsUntilShortBatch(t *testing.T) {
	remote := newRemote("10.0.0.1:18444", headers(wire.MaxHeadersPerMsg+50, 1))
	s, _ := newSync(t, &fakeDialer{conns: []*remotePeer{remote}})

	_, _, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(wire.MaxHeadersPerMsg+50), s.Chain().Height())
	assert.Equal(t, 2, remote.requests)
}

func TestLoadRestoresChain(t *testing.T) {
	hs := headers(12, 1)
	path := filepath.Join(t.TempDir(), "headers.bin")
	hf, err := storage.OpenHeaderFile(path)
	require.NoError(t, err)
	require.NoError(t, hf.Append(hs))
	require.NoError(t, hf.Close())

	hf, err = storage.OpenHeaderFile(path)
	require.NoError(t, err)
	defer hf.Close()
	s := New(chain.New(chaintest.Params), hf, &fakeDialer{}, Config{}, logger.Nop())
	require.NoError(t, s.Load())
	assert.Equal(t, int32(12), s.Chain().Height())
	assert.Equal(t, hs[11].BlockHash(), s.Chain().Locator()[0])
}

func TestLoadDropsUnlinkedTail(t *testing.T) {
	hs := headers(5, 1)
	other := headers(5, 2)
	path := filepath.Join(t.TempDir(), "headers.bin")
	hf, err := storage.OpenHeaderFile(path)
	require.NoError(t, err)
	defer hf.Close()
	require.NoError(t, hf.Append(hs[:3]))
	require.NoError(t, hf.Append(other[3:]))

	s := New(chain.New(chaintest.Params), hf, &fakeDialer{}, Config{}, logger.Nop())
	require.NoError(t, s.Load())
	assert.Equal(t, int32(3), s.Chain().Height())
	assert.Equal(t, int64(3), hf.Len())
}

func TestAcceptHeadersRejectsBrokenLink(t *testing.T) {
	s, hf := newSync(t, &fakeDialer{})
	a := headers(1, 1)[0]
	b := headers(2, 2)[1] // links to a different parent

	out, err := s.AcceptHeaders([]wire.BlockHeader{a, b})
	require.Error(t, err)
	var ve *chain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.ErrorIs(t, err, chain.ErrPrevHashMismatch)
	assert.Equal(t, int32(2), ve.Height)

	assert.Equal(t, 1, out.Appended)
	height, tip := s.Chain().Tip()
	assert.Equal(t, int32(1), height)
	assert.Equal(t, a.BlockHash(), tip)
	assert.Equal(t, int64(1), hf.Len())
}

func TestAcceptHeadersRejectsOrphanBatch(t *testing.T) {
	s, _ := newSync(t, &fakeDialer{})
	hs := headers(4, 1)

	_, err := s.AcceptHeaders(hs[2:])
	assert.ErrorIs(t, err, chain.ErrPrevHashMismatch)
	assert.Equal(t, int32(0), s.Chain().Height())
}

func TestAcceptHeadersRejectsBadTarget(t *testing.T) {
	s, _ := newSync(t, &fakeDialer{})
	hs := headers(3, 1)
	bad := hs[2]
	bad.Bits = 0x21010000 // 2^256

	out, err := s.AcceptHeaders([]wire.BlockHeader{hs[0], hs[1], bad})
	assert.ErrorIs(t, err, chain.ErrBadTarget)
	assert.Equal(t, 2, out.Appended)
	assert.Equal(t, int32(2), s.Chain().Height())
}

func TestAcceptHeadersIgnoresKnownPrefix(t *testing.T) {
	s, hf := newSync(t, &fakeDialer{})
	hs := headers(6, 1)
	_, err := s.AcceptHeaders(hs[:4])
	require.NoError(t, err)

	out, err := s.AcceptHeaders(hs)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Appended)
	assert.False(t, out.Reorg)
	assert.Equal(t, int64(6), hf.Len())

	out, err = s.AcceptHeaders(hs)
	require.NoError(t, err)
	assert.Equal(t, Outcome{}, out)
}

func TestForkWithMoreWorkReplacesSuffix(t *testing.T) {
	s, hf := newSync(t, &fakeDialer{})
	local := chaintest.Blocks(genesis, chaintest.Params.Genesis.Timestamp, 5, 1)
	_, err := s.AcceptHeaders(chaintest.Headers(local))
	require.NoError(t, err)

	fork := chaintest.Blocks(local[1].BlockHash(), local[1].Header.Timestamp, 5, 2)
	out, err := s.AcceptHeaders(chaintest.Headers(fork))
	require.NoError(t, err)
	assert.True(t, out.Reorg)
	assert.Equal(t, int32(2), out.ForkHeight)
	assert.Equal(t, 5, out.Appended)

	height, tip := s.Chain().Tip()
	assert.Equal(t, int32(7), height)
	assert.Equal(t, fork[4].BlockHash(), tip)
	assert.Equal(t, int64(7), hf.Len())

	onDisk, err := hf.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, local[1].Header, onDisk[1])
	assert.Equal(t, fork[0].Header, onDisk[2])
}

func TestRunReportsForkFromPeer(t *testing.T) {
	local := chaintest.Blocks(genesis, chaintest.Params.Genesis.Timestamp, 5, 1)
	fork := chaintest.Blocks(local[1].BlockHash(), local[1].Header.Timestamp, 5, 2)
	remote := newRemote("10.0.0.1:18444", append(chaintest.Headers(local[:2]), chaintest.Headers(fork)...))
	s, _ := newSync(t, &fakeDialer{conns: []*remotePeer{remote}})
	_, err := s.AcceptHeaders(chaintest.Headers(local))
	require.NoError(t, err)

	_, out, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Reorg)
	assert.Equal(t, int32(2), out.ForkHeight)
	assert.Equal(t, 5, out.Appended)
	_, tip := s.Chain().Tip()
	assert.Equal(t, fork[4].BlockHash(), tip)
}

func TestOutcomeMergeKeepsLowestFork(t *testing.T) {
	var total Outcome
	total.merge(Outcome{Appended: 3, Reorg: true, ForkHeight: 7})
	total.merge(Outcome{Appended: 2})
	total.merge(Outcome{Appended: 4, Reorg: true, ForkHeight: 4})
	total.merge(Outcome{Appended: 1, Reorg: true, ForkHeight: 9})
	assert.Equal(t, Outcome{Appended: 10, Reorg: true, ForkHeight: 4}, total)
}

func TestForkWithoutMoreWorkIsIgnored(t *testing.T) {
	s, hf := newSync(t, &fakeDialer{})
	local := chaintest.Blocks(genesis, chaintest.Params.Genesis.Timestamp, 5, 1)
	_, err := s.AcceptHeaders(chaintest.Headers(local))
	require.NoError(t, err)

	// equal work: three competing headers from height 2
	equal := chaintest.Blocks(local[1].BlockHash(), local[1].Header.Timestamp, 3, 2)
	out, err := s.AcceptHeaders(chaintest.Headers(equal))
	require.NoError(t, err)
	assert.True(t, out.Lighter)
	assert.Zero(t, out.Appended)

	lighter := chaintest.Blocks(local[2].BlockHash(), local[2].Header.Timestamp, 1, 3)
	out, err = s.AcceptHeaders(chaintest.Headers(lighter))
	require.NoError(t, err)
	assert.True(t, out.Lighter)

	_, tip := s.Chain().Tip()
	assert.Equal(t, local[4].BlockHash(), tip)
	assert.Equal(t, int64(5), hf.Len())
}

func TestRunReplacesMisbehavingPeer(t *testing.T) {
	good := headers(10, 1)
	bad := make([]wire.BlockHeader, len(good))
	copy(bad, good)
	bad[5].Bits = 0x21000001
	for i := 6; i < len(bad); i++ {
		bad[i].PrevBlock = bad[i-1].BlockHash()
	}

	liar := newRemote("10.0.0.9:18444", bad)
	honest := newRemote("10.0.0.1:18444", good)
	dialer := &fakeDialer{conns: []*remotePeer{liar, honest}}
	s, _ := newSync(t, dialer)

	conn, _, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, honest, conn)
	assert.True(t, liar.closed)
	assert.Equal(t, peer.PenaltyInvalid, dialer.penalties[liar.addr])
	assert.Zero(t, dialer.penalties[honest.addr])
	assert.Equal(t, int32(10), s.Chain().Height())
}

func TestRunGivesUpAfterRetries(t *testing.T) {
	conns := make([]*remotePeer, 5)
	for i := range conns {
		conns[i] = newRemote("10.0.0.1:18444", nil)
		conns[i].silent = true
	}
	dialer := &fakeDialer{conns: conns}
	hf, err := storage.OpenHeaderFile(filepath.Join(t.TempDir(), "headers.bin"))
	require.NoError(t, err)
	defer hf.Close()
	s := New(chain.New(chaintest.Params), hf, dialer, Config{Retries: 2, Timeout: 20 * time.Millisecond}, logger.Nop())

	_, _, err = s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, dialer.dials)
	assert.Equal(t, 3*peer.PenaltyUnresponsive, dialer.penalties["10.0.0.1:18444"])
}

func TestRunSurfacesDialFailure(t *testing.T) {
	s, _ := newSync(t, &fakeDialer{})
	_, _, err := s.Run(context.Background())
	assert.ErrorIs(t, err, peer.ErrUnreachable)
}
