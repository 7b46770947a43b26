package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/chain-node/internal/chain"
	"github.com/thanhnp/chain-node/internal/chain/chaintest"
	"github.com/thanhnp/chain-node/internal/logger"
	"github.com/thanhnp/chain-node/internal/mempool"
	"github.com/thanhnp/chain-node/internal/peer"
	"github.com/thanhnp/chain-node/internal/wire"
)

type memBlocks map[chainhash.Hash]*wire.MsgBlock

func (m memBlocks) GetByHash(hash chainhash.Hash) (*wire.MsgBlock, error) {
	return m[hash], nil
}

func peerConfig() peer.Config {
	return peer.Config{
		Magic:           chaintest.Params.Magic,
		ProtocolVersion: wire.ProtocolVersion,
		Services:        0x409,
		UserAgent:       "/chainnode:0.1.0/",
		Timeout:         2 * time.Second,
		StartHeight:     func() int32 { return 0 },
	}
}

type fixture struct {
	srv    *Server
	blocks []*wire.MsgBlock
	book   *peer.AddressBook

	mu       sync.Mutex
	accepted []chainhash.Hash
}

func startServer(t *testing.T, capacity int) *fixture {
	t.Helper()
	p := chaintest.Params
	blocks := chaintest.Blocks(p.GenesisHash, p.Genesis.Timestamp, 5, 0)
	c := chain.New(p)
	require.NoError(t, c.Append(chaintest.Headers(blocks)...))

	store := memBlocks{}
	for _, blk := range blocks {
		store[blk.BlockHash()] = blk
	}
	pool, err := mempool.New(capacity, logger.Nop())
	require.NoError(t, err)

	f := &fixture{blocks: blocks, book: peer.NewAddressBook(1000)}
	f.srv = New("127.0.0.1:0", peerConfig(), c, store, pool, f.book, logger.Nop())
	f.srv.OnTxAccepted(func(tx *wire.MsgTx) {
		f.mu.Lock()
		f.accepted = append(f.accepted, tx.TxHash())
		f.mu.Unlock()
	})
	require.NoError(t, f.srv.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, f.srv.Stop()) })
	return f
}

func (f *fixture) connect(t *testing.T) *peer.Peer {
	t.Helper()
	before := f.srv.ClientCount()
	conn, err := net.Dial("tcp", f.srv.Addr().String())
	require.NoError(t, err)
	p, err := peer.NewOutbound(context.Background(), conn, peerConfig(), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	require.Eventually(t, func() bool { return f.srv.ClientCount() > before }, 2*time.Second, 10*time.Millisecond)
	return p
}

func (f *fixture) acceptedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accepted)
}

func receive(t *testing.T, p *peer.Peer) wire.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := p.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func spend(n uint32) *wire.MsgTx {
	return &wire.MsgTx{
		Version: 1,
		TxIn:    []wire.TxIn{{PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{9}, Index: n}, Sequence: 0xffffffff}},
		TxOut:   []wire.TxOut{{Value: 5000, PkScript: []byte{0x51}}},
	}
}

func TestGetHeaders(t *testing.T) {
	f := startServer(t, 10)
	client := f.connect(t)

	locator := []chainhash.Hash{f.blocks[1].BlockHash()}
	require.NoError(t, client.Send(&wire.MsgGetHeaders{ProtocolVersion: wire.ProtocolVersion, BlockLocator: locator}))

	msg := receive(t, client)
	headers, ok := msg.(*wire.MsgHeaders)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, chaintest.Headers(f.blocks[2:]), headers.Headers)
}

func TestGetBlocksAnnouncesInventory(t *testing.T) {
	f := startServer(t, 10)
	client := f.connect(t)

	locator := []chainhash.Hash{chaintest.Params.GenesisHash}
	require.NoError(t, client.Send(&wire.MsgGetBlocks{ProtocolVersion: wire.ProtocolVersion, BlockLocator: locator}))

	inv, ok := receive(t, client).(*wire.MsgInv)
	require.True(t, ok)
	require.Len(t, inv.InvList, 5)
	assert.Equal(t, wire.InvVect{Type: wire.InvTypeBlock, Hash: f.blocks[0].BlockHash()}, inv.InvList[0])
}

func TestGetDataServesBlocksAndReportsMisses(t *testing.T) {
	f := startServer(t, 10)
	client := f.connect(t)

	missing := wire.InvVect{Type: wire.InvTypeBlock, Hash: chainhash.Hash{0xee}}
	unknownTx := wire.InvVect{Type: wire.InvTypeTx, Hash: chainhash.Hash{0xdd}}
	require.NoError(t, client.Send(&wire.MsgGetData{InvList: []wire.InvVect{
		{Type: wire.InvTypeBlock, Hash: f.blocks[3].BlockHash()},
		missing,
		unknownTx,
	}}))

	blk, ok := receive(t, client).(*wire.MsgBlock)
	require.True(t, ok)
	assert.Equal(t, f.blocks[3].BlockHash(), blk.BlockHash())

	nf, ok := receive(t, client).(*wire.MsgNotFound)
	require.True(t, ok)
	assert.Equal(t, []wire.InvVect{missing, unknownTx}, nf.InvList)
}

func TestTransactionRelayedToOtherClients(t *testing.T) {
	f := startServer(t, 10)
	sender := f.connect(t)
	listener := f.connect(t)

	tx := spend(1)
	require.NoError(t, sender.Send(tx))

	inv, ok := receive(t, listener).(*wire.MsgInv)
	require.True(t, ok)
	assert.Equal(t, []wire.InvVect{{Type: wire.InvTypeTx, Hash: tx.TxHash()}}, inv.InvList)

	require.NoError(t, listener.Send(&wire.MsgGetData{InvList: inv.InvList}))
	got, ok := receive(t, listener).(*wire.MsgTx)
	require.True(t, ok)
	assert.Equal(t, tx.TxHash(), got.TxHash())

	assert.True(t, f.srv.Pool().Has(tx.TxHash()))
	assert.Equal(t, 1, f.acceptedCount())
}

func TestDuplicateTransactionNotRelayedTwice(t *testing.T) {
	f := startServer(t, 10)
	tx := spend(2)
	require.True(t, f.srv.Submit(tx))
	require.True(t, f.srv.Submit(tx))

	require.Eventually(t, func() bool { return f.srv.Pool().Has(tx.TxHash()) }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return f.acceptedCount() > 1 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestMempoolRequestListsCachedTransactions(t *testing.T) {
	f := startServer(t, 10)
	a, b := spend(3), spend(4)
	require.True(t, f.srv.Submit(a))
	require.True(t, f.srv.Submit(b))
	require.Eventually(t, func() bool { return f.srv.Pool().Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	client := f.connect(t)
	require.NoError(t, client.Send(&wire.MsgMemPool{}))

	inv, ok := receive(t, client).(*wire.MsgInv)
	require.True(t, ok)
	assert.Equal(t, []wire.InvVect{
		{Type: wire.InvTypeTx, Hash: a.TxHash()},
		{Type: wire.InvTypeTx, Hash: b.TxHash()},
	}, inv.InvList)
}

func TestInvalidTransactionRejected(t *testing.T) {
	f := startServer(t, 10)
	client := f.connect(t)

	bad := &wire.MsgTx{Version: 1}
	require.NoError(t, client.Send(bad))

	rej, ok := receive(t, client).(*wire.MsgReject)
	require.True(t, ok)
	assert.Equal(t, wire.CmdTx, rej.Cmd)
	assert.Equal(t, wire.RejectInvalid, rej.Code)
	assert.Equal(t, bad.TxHash(), rej.Hash)
	assert.Equal(t, chain.ErrEmptyTx.Error(), rej.Reason)

	assert.Equal(t, peer.PenaltyMalformed, f.book.Score("127.0.0.1"))
	assert.Zero(t, f.srv.Pool().Len())
}

func TestInvForUnknownTransactionRequestsIt(t *testing.T) {
	f := startServer(t, 10)
	known := spend(5)
	require.True(t, f.srv.Submit(known))
	require.Eventually(t, func() bool { return f.srv.Pool().Has(known.TxHash()) }, 2*time.Second, 10*time.Millisecond)

	client := f.connect(t)
	unknown := chainhash.Hash{0x42}
	require.NoError(t, client.Send(&wire.MsgInv{InvList: []wire.InvVect{
		{Type: wire.InvTypeTx, Hash: known.TxHash()},
		{Type: wire.InvTypeTx, Hash: unknown},
		{Type: wire.InvTypeBlock, Hash: chainhash.Hash{0x43}},
	}}))

	req, ok := receive(t, client).(*wire.MsgGetData)
	require.True(t, ok)
	assert.Equal(t, []wire.InvVect{{Type: wire.InvTypeTx, Hash: unknown}}, req.InvList)
}

func TestBannedAddressRefused(t *testing.T) {
	f := startServer(t, 10)
	f.book.Penalize("127.0.0.1", 1000, "test")

	conn, err := net.Dial("tcp", f.srv.Addr().String())
	require.NoError(t, err)
	_, err = peer.NewOutbound(context.Background(), conn, peerConfig(), logger.Nop())
	require.Error(t, err)
	assert.Zero(t, f.srv.ClientCount())
}

func TestStopDisconnectsClients(t *testing.T) {
	f := startServer(t, 10)
	client := f.connect(t)
	require.NoError(t, f.srv.Stop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Receive(ctx)
	assert.ErrorIs(t, err, peer.ErrClosed)
	assert.False(t, f.srv.Submit(spend(6)))
}

func TestConfirmedBlockClearsMempool(t *testing.T) {
	f := startServer(t, 10)
	tx := spend(7)
	require.True(t, f.srv.Submit(tx))
	require.Eventually(t, func() bool { return f.srv.Pool().Has(tx.TxHash()) }, 2*time.Second, 10*time.Millisecond)

	blk := chaintest.Block(f.blocks[4].BlockHash(), f.blocks[4].Header.Timestamp+600,
		chaintest.Coinbase(99, 50, []byte{0x51}), *tx)
	f.srv.Confirmed(blk)
	require.Eventually(t, func() bool { return !f.srv.Pool().Has(tx.TxHash()) }, 2*time.Second, 10*time.Millisecond)
}
