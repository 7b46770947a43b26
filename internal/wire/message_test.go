package wire

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMagic = 0x0709110b

func hashOf(s string) chainhash.Hash {
	return chainhash.DoubleHashH([]byte(s))
}

func sampleTx() *MsgTx {
	return &MsgTx{
		Version: 1,
		TxIn: []TxIn{{
			PreviousOutPoint: OutPoint{Hash: hashOf("prev"), Index: 3},
			SignatureScript:  []byte{0x47, 0x30, 0x44},
			Sequence:         0xffffffff,
		}},
		TxOut: []TxOut{
			{Value: 5000, PkScript: []byte{0x76, 0xa9, 0x14}},
			{Value: 1, PkScript: []byte{0x6a}},
		},
		LockTime: 12,
	}
}

func sampleWitnessTx() *MsgTx {
	tx := sampleTx()
	tx.TxIn[0].SignatureScript = nil
	tx.TxIn[0].Witness = [][]byte{{0x30, 0x45}, {0x02, 0x21}}
	return tx
}

func sampleHeader(nonce uint32) BlockHeader {
	return BlockHeader{
		Version:    4,
		PrevBlock:  hashOf("parent"),
		MerkleRoot: hashOf("root"),
		Timestamp:  1700000000,
		Bits:       0x1d00ffff,
		Nonce:      nonce,
	}
}

func TestRoundTripAllMessages(t *testing.T) {
	addr := NewNetAddress(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 18333}, 0x409)
	messages := []Message{
		&MsgVersion{
			ProtocolVersion: ProtocolVersion,
			Services:        0x400,
			Timestamp:       1700000000,
			AddrRecv:        addr,
			AddrFrom:        NewNetAddress(&net.TCPAddr{IP: net.ParseIP("::1"), Port: 1}, 0),
			Nonce:           42,
			UserAgent:       "/chainnode:0.1.0/",
			StartHeight:     100,
			Relay:           true,
		},
		&MsgVerAck{},
		&MsgPing{Nonce: 7},
		&MsgPong{Nonce: 7},
		&MsgSendHeaders{},
		&MsgMemPool{},
		&MsgFeeFilter{MinFee: 1000},
		&MsgSendCmpct{Announce: true, Version: 2},
		&MsgGetHeaders{ProtocolVersion: ProtocolVersion, BlockLocator: []chainhash.Hash{hashOf("a"), hashOf("b")}},
		&MsgGetBlocks{ProtocolVersion: ProtocolVersion, BlockLocator: []chainhash.Hash{hashOf("a")}, HashStop: hashOf("z")},
		&MsgHeaders{Headers: []BlockHeader{sampleHeader(1), sampleHeader(2)}},
		&MsgHeaders{},
		&MsgInv{InvList: []InvVect{{Type: InvTypeTx, Hash: hashOf("t")}, {Type: InvTypeBlock, Hash: hashOf("b")}}},
		&MsgGetData{InvList: []InvVect{{Type: InvTypeBlock, Hash: hashOf("b")}}},
		&MsgNotFound{InvList: []InvVect{{Type: InvTypeTx, Hash: hashOf("t")}}},
		sampleTx(),
		sampleWitnessTx(),
		&MsgBlock{Header: sampleHeader(9), Transactions: []MsgTx{*sampleTx(), *sampleWitnessTx()}},
		&MsgReject{Cmd: CmdTx, Code: RejectDuplicate, Reason: "txn-already-known", Hash: hashOf("t")},
		&MsgReject{Cmd: CmdVersion, Code: RejectObsolete, Reason: "old"},
	}

	for _, msg := range messages {
		t.Run(msg.Command(), func(t *testing.T) {
			frame := Encode(msg, testMagic)
			got, n, err := Decode(frame, testMagic)
			require.NoError(t, err)
			assert.Equal(t, len(frame), n)
			assert.Equal(t, msg, got)
			assert.Equal(t, frame, Encode(got, testMagic))
		})
	}
}

func TestEncodeHeaderLayout(t *testing.T) {
	frame := Encode(&MsgVerAck{}, testMagic)
	require.Len(t, frame, HeaderSize)
	assert.Equal(t, []byte{0x0b, 0x11, 0x09, 0x07}, frame[:4])
	assert.Equal(t, []byte("verack\x00\x00\x00\x00\x00\x00"), frame[4:16])
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(frame[16:20]))
	// checksum of the empty payload
	assert.Equal(t, []byte{0x5d, 0xf6, 0xe0, 0xe2}, frame[20:24])
}

func TestDecodeTruncated(t *testing.T) {
	frame := Encode(&MsgPing{Nonce: 1}, testMagic)

	_, _, err := Decode(frame[:10], testMagic)
	assert.True(t, IsKind(err, Truncated))

	_, _, err = Decode(frame[:len(frame)-1], testMagic)
	assert.True(t, IsKind(err, Truncated))
}

func TestDecodeChecksumMismatch(t *testing.T) {
	frame := Encode(&MsgPing{Nonce: 1}, testMagic)
	frame[len(frame)-1] ^= 0xff

	_, _, err := Decode(frame, testMagic)
	require.Error(t, err)
	assert.True(t, IsKind(err, ChecksumMismatch))
}

func TestDecodeUnknownCommand(t *testing.T) {
	frame := Encode(&MsgUnknown{Cmd: "wtxidrelay", Payload: []byte{1, 2}}, testMagic)

	msg, n, err := Decode(frame, testMagic)
	assert.True(t, IsKind(err, UnknownCommand))
	assert.Equal(t, len(frame), n)
	assert.Equal(t, &MsgUnknown{Cmd: "wtxidrelay", Payload: []byte{1, 2}}, msg)
}

func TestDecodeBadMagic(t *testing.T) {
	frame := Encode(&MsgVerAck{}, 0xd9b4bef9)
	_, _, err := Decode(frame, testMagic)
	assert.True(t, IsKind(err, BadMagic))
}

func TestDecodeOversized(t *testing.T) {
	frame := Encode(&MsgVerAck{}, testMagic)
	binary.LittleEndian.PutUint32(frame[16:20], MaxPayloadSize+1)
	_, _, err := Decode(frame, testMagic)
	assert.True(t, IsKind(err, Oversized))
}

func TestDecodeTrailingBytes(t *testing.T) {
	payload := append(appendUint64(nil, 1), 0xaa)
	frame := Encode(&MsgUnknown{Cmd: CmdPing, Payload: payload}, testMagic)
	_, _, err := Decode(frame, testMagic)
	assert.True(t, IsKind(err, Malformed))
}

func TestDecodeHeadersWithTransactions(t *testing.T) {
	h := sampleHeader(1)
	payload := AppendVarInt(nil, 1)
	payload = h.append(payload)
	payload = append(payload, 1)
	frame := Encode(&MsgUnknown{Cmd: CmdHeaders, Payload: payload}, testMagic)
	_, _, err := Decode(frame, testMagic)
	assert.True(t, IsKind(err, Malformed))
}

func TestDecodeCountBeyondPayload(t *testing.T) {
	// claims 2000 inventory entries, carries one
	payload := AppendVarInt(nil, 2000)
	payload = appendUint32(payload, uint32(InvTypeTx))
	payload = append(payload, make([]byte, 32)...)
	frame := Encode(&MsgUnknown{Cmd: CmdInv, Payload: payload}, testMagic)
	_, _, err := Decode(frame, testMagic)
	assert.True(t, IsKind(err, Truncated))
}

func TestDecodeMalformedCommand(t *testing.T) {
	frame := Encode(&MsgVerAck{}, testMagic)
	frame[4+8] = 'x' // non-NUL after the terminator
	_, _, err := Decode(frame, testMagic)
	assert.True(t, IsKind(err, Malformed))
}

func TestReadWriteMessageStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &MsgPing{Nonce: 1}, testMagic))
	require.NoError(t, WriteMessage(&buf, &MsgUnknown{Cmd: "addrv2", Payload: []byte{0}}, testMagic))
	require.NoError(t, WriteMessage(&buf, sampleTx(), testMagic))

	msg, err := ReadMessage(&buf, testMagic)
	require.NoError(t, err)
	assert.Equal(t, &MsgPing{Nonce: 1}, msg)

	msg, err = ReadMessage(&buf, testMagic)
	assert.True(t, IsKind(err, UnknownCommand))
	assert.Equal(t, "addrv2", msg.Command())

	msg, err = ReadMessage(&buf, testMagic)
	require.NoError(t, err)
	assert.Equal(t, sampleTx(), msg)

	_, err = ReadMessage(&buf, testMagic)
	assert.Error(t, err)
}

func TestVersionWithoutRelay(t *testing.T) {
	v := &MsgVersion{ProtocolVersion: 60002, UserAgent: "/old/", StartHeight: 5, Relay: true}
	payload := v.appendPayload(nil)
	payload = payload[:len(payload)-1]

	msg, _, err := Decode(Encode(&MsgUnknown{Cmd: CmdVersion, Payload: payload}, testMagic), testMagic)
	require.NoError(t, err)
	got := msg.(*MsgVersion)
	assert.False(t, got.Relay)
	assert.Equal(t, int32(5), got.StartHeight)
}

func TestVarInt(t *testing.T) {
	tests := []struct {
		v    uint64
		size int
	}{
		{0, 1}, {0xfc, 1}, {0xfd, 3}, {0xffff, 3}, {0x10000, 5}, {0xffffffff, 5}, {0x100000000, 9},
	}
	for _, tt := range tests {
		b := AppendVarInt(nil, tt.v)
		assert.Len(t, b, tt.size)
		assert.Equal(t, tt.size, VarIntSize(tt.v))
		got, n, err := ReadVarInt(b)
		require.NoError(t, err)
		assert.Equal(t, tt.v, got)
		assert.Equal(t, tt.size, n)
	}

	_, _, err := ReadVarInt([]byte{0xfd, 0x10, 0x00})
	assert.True(t, IsKind(err, Malformed))

	_, _, err = ReadVarInt([]byte{0xfe, 0x01})
	assert.True(t, IsKind(err, Truncated))
}

func TestWitnessTxHashIgnoresWitness(t *testing.T) {
	plain := sampleTx()
	plain.TxIn[0].SignatureScript = nil
	wit := sampleWitnessTx()

	assert.Equal(t, plain.TxHash(), wit.TxHash())
	assert.NotEqual(t, wit.TxHash(), wit.WitnessHash())
	assert.Equal(t, plain.TxHash(), plain.WitnessHash())
}

func TestParseBlockHeader(t *testing.T) {
	h := sampleHeader(77)
	got, err := ParseBlockHeader(h.Serialize())
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = ParseBlockHeader(make([]byte, 79))
	assert.True(t, IsKind(err, Truncated))
}
