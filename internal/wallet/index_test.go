package wallet

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/chain-node/internal/chain/chaintest"
	"github.com/thanhnp/chain-node/internal/logger"
	"github.com/thanhnp/chain-node/internal/params"
	"github.com/thanhnp/chain-node/internal/storage"
	"github.com/thanhnp/chain-node/internal/wire"
)

const coin = 100_000_000

type key struct {
	addr   string
	script []byte
}

func newKey(t *testing.T, seed byte, net *chaincfg.Params) key {
	t.Helper()
	pub := make([]byte, 33)
	pub[0] = 0x02
	pub[1] = seed
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub), net)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return key{addr: addr.EncodeAddress(), script: script}
}

func openStoresAt(t *testing.T, dir string) *storage.Stores {
	t.Helper()
	s, err := storage.Open(storage.Paths{
		Headers: filepath.Join(dir, "headers.bin"),
		Blocks:  filepath.Join(dir, "blocks"),
		Wallets: filepath.Join(dir, "wallets"),
	}, "regtest")
	require.NoError(t, err)
	return s
}

func openIndex(t *testing.T, s *storage.Stores) *Index {
	t.Helper()
	idx, err := Open(params.RegTest, s.Wallets, s.Sync, s.Blocks, 1, logger.Nop())
	require.NoError(t, err)
	return idx
}

func spend(prev wire.OutPoint, outs ...wire.TxOut) wire.MsgTx {
	return wire.MsgTx{
		Version:  2,
		TxIn:     []wire.TxIn{{PreviousOutPoint: prev, SignatureScript: []byte{0x51}, Sequence: 0xffffffff}},
		TxOut:    outs,
		LockTime: 0,
	}
}

// scenario: alice mines block 1, then in block 2 pays bob 20 and herself 29.
type scenario struct {
	alice, bob key
	blocks     []*wire.MsgBlock
	payment    wire.MsgTx
}

func newScenario(t *testing.T) scenario {
	alice := newKey(t, 1, &chaincfg.RegressionNetParams)
	bob := newKey(t, 2, &chaincfg.RegressionNetParams)
	ts := chaintest.Params.Genesis.Timestamp

	cb1 := chaintest.Coinbase(1, 50*coin, alice.script)
	b1 := chaintest.Block(chaintest.Params.GenesisHash, ts+600, cb1)

	payment := spend(wire.OutPoint{Hash: cb1.TxHash(), Index: 0},
		wire.TxOut{Value: 20 * coin, PkScript: bob.script},
		wire.TxOut{Value: 29 * coin, PkScript: alice.script})
	b2 := chaintest.Block(b1.BlockHash(), ts+1200, chaintest.Coinbase(2, 50*coin, []byte{0x51}), payment)

	return scenario{alice: alice, bob: bob, blocks: []*wire.MsgBlock{b1, b2}, payment: payment}
}

func (sc scenario) store(t *testing.T, s *storage.Stores) {
	for i, b := range sc.blocks {
		require.NoError(t, s.Blocks.Save(int32(i+1), b))
	}
}

func TestDecodeAddress(t *testing.T) {
	k := newKey(t, 1, &chaincfg.RegressionNetParams)
	pkh, err := decodeAddress(k.addr, params.RegTest)
	require.NoError(t, err)
	assert.Equal(t, k.script[3:23], pkh[:])

	mainnet := newKey(t, 1, &chaincfg.MainNetParams)
	_, err = decodeAddress(mainnet.addr, params.RegTest)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = decodeAddress("not-an-address", params.RegTest)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, ok := scriptHash([]byte{0x51})
	assert.False(t, ok)
}

func TestApplyBlocksTracksReceiveAndSpend(t *testing.T) {
	s := openStoresAt(t, t.TempDir())
	defer s.Close()
	sc := newScenario(t)
	idx := openIndex(t, s)

	_, err := idx.Add("alice", []string{sc.alice.addr})
	require.NoError(t, err)
	_, err = idx.Add("bob", []string{sc.bob.addr})
	require.NoError(t, err)

	require.NoError(t, idx.ApplyBlock(1, sc.blocks[0]))
	alice, err := idx.Wallet("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50*coin), alice.Balance)
	require.Len(t, alice.UTXOs, 1)
	assert.Equal(t, int32(1), alice.UTXOs[0].Height)

	require.NoError(t, idx.ApplyBlock(2, sc.blocks[1]))
	alice, err = idx.Wallet("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(29*coin), alice.Balance)
	assert.Equal(t, int64(79*coin), alice.TotalReceived)
	assert.Equal(t, int64(50*coin), alice.TotalSent)
	assert.Equal(t, 2, alice.TxCount)
	require.Len(t, alice.UTXOs, 1)
	assert.Equal(t, sc.payment.TxHash().String(), alice.UTXOs[0].TxID)
	assert.Equal(t, uint32(1), alice.UTXOs[0].Vout)
	assert.Equal(t, int32(2), alice.LastHeight)

	bob, err := idx.Wallet("bob")
	require.NoError(t, err)
	assert.Equal(t, int64(20*coin), bob.Balance)
	assert.Equal(t, 1, bob.TxCount)
	assert.Equal(t, int32(2), idx.IndexedHeight())
}

func TestApplyBlockIsIdempotent(t *testing.T) {
	s := openStoresAt(t, t.TempDir())
	defer s.Close()
	sc := newScenario(t)
	idx := openIndex(t, s)
	_, err := idx.Add("alice", []string{sc.alice.addr})
	require.NoError(t, err)

	require.NoError(t, idx.ApplyBlock(1, sc.blocks[0]))
	require.NoError(t, idx.ApplyBlock(2, sc.blocks[1]))
	before, err := idx.Wallet("alice")
	require.NoError(t, err)

	require.NoError(t, idx.ApplyBlock(2, sc.blocks[1]))
	require.NoError(t, idx.ApplyBlock(1, sc.blocks[0]))
	after, err := idx.Wallet("alice")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApplyBlockRejectsGap(t *testing.T) {
	s := openStoresAt(t, t.TempDir())
	defer s.Close()
	sc := newScenario(t)
	idx := openIndex(t, s)

	err := idx.ApplyBlock(2, sc.blocks[1])
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, int32(0), idx.IndexedHeight())
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	sc := newScenario(t)

	s := openStoresAt(t, dir)
	idx := openIndex(t, s)
	_, err := idx.Add("alice", []string{sc.alice.addr})
	require.NoError(t, err)
	require.NoError(t, idx.ApplyBlock(1, sc.blocks[0]))
	require.NoError(t, idx.ApplyBlock(2, sc.blocks[1]))
	want, err := idx.Wallet("alice")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openStoresAt(t, dir)
	defer s.Close()
	idx = openIndex(t, s)
	assert.Equal(t, int32(2), idx.IndexedHeight())
	got, err := idx.Wallet("alice")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// replaying after a restart changes nothing
	require.NoError(t, idx.ApplyBlock(2, sc.blocks[1]))
	got, err = idx.Wallet("alice")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAddRescansIndexedBlocks(t *testing.T) {
	s := openStoresAt(t, t.TempDir())
	defer s.Close()
	sc := newScenario(t)
	sc.store(t, s)
	idx := openIndex(t, s)

	indexed, err := idx.CatchUp(2)
	require.NoError(t, err)
	assert.Equal(t, int32(2), indexed)

	bob, err := idx.Add("bob", []string{sc.bob.addr})
	require.NoError(t, err)
	assert.Equal(t, int64(20*coin), bob.Balance)
	assert.Equal(t, int32(2), bob.LastHeight)

	_, err = idx.Add("bob", []string{sc.bob.addr})
	assert.ErrorIs(t, err, ErrWalletExists)
	_, err = idx.Add("carol", []string{"bogus"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = idx.Wallet("carol")
	assert.ErrorIs(t, err, ErrUnknownWallet)
}

func TestCatchUpStopsAtGap(t *testing.T) {
	s := openStoresAt(t, t.TempDir())
	defer s.Close()
	sc := newScenario(t)
	require.NoError(t, s.Blocks.Save(1, sc.blocks[0]))
	idx := openIndex(t, s)

	indexed, err := idx.CatchUp(5)
	require.NoError(t, err)
	assert.Equal(t, int32(1), indexed)
}

func TestDisconnectRewinds(t *testing.T) {
	s := openStoresAt(t, t.TempDir())
	defer s.Close()
	sc := newScenario(t)
	sc.store(t, s)
	idx := openIndex(t, s)
	_, err := idx.Add("alice", []string{sc.alice.addr})
	require.NoError(t, err)
	_, err = idx.CatchUp(2)
	require.NoError(t, err)

	require.NoError(t, idx.Disconnect(1))
	assert.Equal(t, int32(1), idx.IndexedHeight())
	alice, err := idx.Wallet("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50*coin), alice.Balance)
	assert.Equal(t, int32(1), alice.LastHeight)
	assert.Equal(t, 1, alice.TxCount)

	height, err := s.Sync.GetHeight(storage.KeyIndexedHeight)
	require.NoError(t, err)
	assert.Equal(t, int32(1), height)

	// a fork above the indexed height is a no-op
	require.NoError(t, idx.Disconnect(5))
	assert.Equal(t, int32(1), idx.IndexedHeight())
}

// heights is a ChainView over a fixed set of block hashes.
type heights map[int32]chainhash.Hash

func (h heights) HashAt(height int32) (chainhash.Hash, bool) {
	hash, ok := h[height]
	return hash, ok
}

func TestReconcileRewindsBranchLeftWhileClosed(t *testing.T) {
	dir := t.TempDir()
	sc := newScenario(t)

	s := openStoresAt(t, dir)
	sc.store(t, s)
	idx := openIndex(t, s)
	_, err := idx.Add("alice", []string{sc.alice.addr})
	require.NoError(t, err)
	_, err = idx.CatchUp(2)
	require.NoError(t, err)

	// still on the chain: nothing to do
	indexed, err := idx.Reconcile(heights{1: sc.blocks[0].BlockHash(), 2: sc.blocks[1].BlockHash()})
	require.NoError(t, err)
	assert.Equal(t, int32(2), indexed)
	require.NoError(t, s.Close())

	// block 2 is replaced by one that never spends alice's coinbase
	alt := chaintest.Block(sc.blocks[0].BlockHash(), chaintest.Params.Genesis.Timestamp+1200,
		chaintest.Coinbase(2, 50*coin, []byte{0x52}))
	chain := heights{1: sc.blocks[0].BlockHash(), 2: alt.BlockHash()}

	s = openStoresAt(t, dir)
	defer s.Close()
	idx = openIndex(t, s)
	indexed, err = idx.Reconcile(chain)
	require.NoError(t, err)
	assert.Equal(t, int32(1), indexed)
	alice, err := idx.Wallet("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50*coin), alice.Balance)
	assert.Len(t, alice.UTXOs, 1)

	require.NoError(t, s.Blocks.Save(2, alt))
	require.NoError(t, idx.ApplyBlock(2, alt))
	tip, ok, err := s.Sync.GetHash(storage.KeyIndexedHash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, alt.BlockHash(), tip)
	alice, err = idx.Wallet("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50*coin), alice.Balance)
}

func TestReconcileWithUnknownHistoryRebuilds(t *testing.T) {
	s := openStoresAt(t, t.TempDir())
	defer s.Close()
	sc := newScenario(t)
	sc.store(t, s)
	idx := openIndex(t, s)
	_, err := idx.Add("alice", []string{sc.alice.addr})
	require.NoError(t, err)
	_, err = idx.CatchUp(2)
	require.NoError(t, err)

	// a chain sharing nothing with the indexed blocks
	indexed, err := idx.Reconcile(heights{1: {0x01}, 2: {0x02}})
	require.NoError(t, err)
	assert.Equal(t, int32(0), indexed)
	alice, err := idx.Wallet("alice")
	require.NoError(t, err)
	assert.Zero(t, alice.Balance)
}

func TestPendingUntilConfirmed(t *testing.T) {
	s := openStoresAt(t, t.TempDir())
	defer s.Close()
	sc := newScenario(t)
	idx := openIndex(t, s)
	_, err := idx.Add("alice", []string{sc.alice.addr})
	require.NoError(t, err)
	_, err = idx.Add("bob", []string{sc.bob.addr})
	require.NoError(t, err)
	require.NoError(t, idx.ApplyBlock(1, sc.blocks[0]))

	touched, err := idx.AddPending(&sc.payment)
	require.NoError(t, err)
	assert.True(t, touched)

	alice, err := idx.Wallet("alice")
	require.NoError(t, err)
	require.Len(t, alice.Pending, 1)
	assert.Equal(t, int64(50*coin), alice.Pending[0].Spent)
	assert.Equal(t, int64(29*coin), alice.Pending[0].Received)

	touched, err = idx.AddPending(&sc.payment)
	require.NoError(t, err)
	assert.False(t, touched)

	unrelated := spend(wire.OutPoint{Hash: chainhash.Hash{9}}, wire.TxOut{Value: 1, PkScript: []byte{0x51}})
	touched, err = idx.AddPending(&unrelated)
	require.NoError(t, err)
	assert.False(t, touched)

	require.NoError(t, idx.ApplyBlock(2, sc.blocks[1]))
	for _, w := range idx.Wallets() {
		assert.Empty(t, w.Pending, w.Name)
	}
}

func TestSameBlockReceiveAndSpend(t *testing.T) {
	s := openStoresAt(t, t.TempDir())
	defer s.Close()
	alice := newKey(t, 1, &chaincfg.RegressionNetParams)
	idx := openIndex(t, s)
	_, err := idx.Add("alice", []string{alice.addr})
	require.NoError(t, err)

	funding := spend(wire.OutPoint{Hash: chainhash.Hash{1}}, wire.TxOut{Value: 10 * coin, PkScript: alice.script})
	drain := spend(wire.OutPoint{Hash: funding.TxHash(), Index: 0}, wire.TxOut{Value: 9 * coin, PkScript: []byte{0x51}})
	blk := chaintest.Block(chaintest.Params.GenesisHash, chaintest.Params.Genesis.Timestamp+600,
		chaintest.Coinbase(1, 50*coin, []byte{0x51}), funding, drain)

	require.NoError(t, idx.ApplyBlock(1, blk))
	w, err := idx.Wallet("alice")
	require.NoError(t, err)
	assert.Zero(t, w.Balance)
	assert.Empty(t, w.UTXOs)
	assert.Equal(t, int64(10*coin), w.TotalReceived)
	assert.Equal(t, int64(10*coin), w.TotalSent)
	assert.Equal(t, 2, w.TxCount)
}
