package wire

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MsgPing is a keepalive request.
type MsgPing struct {
	Nonce uint64
}

func (m *MsgPing) Command() string               { return CmdPing }
func (m *MsgPing) appendPayload(b []byte) []byte { return appendUint64(b, m.Nonce) }

func (m *MsgPing) decodePayload(r *payloadReader) (err error) {
	m.Nonce, err = r.uint64()
	return err
}

// MsgPong answers a ping with the same nonce.
type MsgPong struct {
	Nonce uint64
}

func (m *MsgPong) Command() string               { return CmdPong }
func (m *MsgPong) appendPayload(b []byte) []byte { return appendUint64(b, m.Nonce) }

func (m *MsgPong) decodePayload(r *payloadReader) (err error) {
	m.Nonce, err = r.uint64()
	return err
}

// MsgSendHeaders asks the peer to announce blocks with headers instead of inv.
type MsgSendHeaders struct{}

func (m *MsgSendHeaders) Command() string                      { return CmdSendHeaders }
func (m *MsgSendHeaders) appendPayload(b []byte) []byte        { return b }
func (m *MsgSendHeaders) decodePayload(r *payloadReader) error { return nil }

// MsgMemPool requests an inventory of the peer's transaction cache.
type MsgMemPool struct{}

func (m *MsgMemPool) Command() string                      { return CmdMemPool }
func (m *MsgMemPool) appendPayload(b []byte) []byte        { return b }
func (m *MsgMemPool) decodePayload(r *payloadReader) error { return nil }

// MsgFeeFilter announces the minimum fee rate the peer wants relayed.
type MsgFeeFilter struct {
	MinFee int64
}

func (m *MsgFeeFilter) Command() string               { return CmdFeeFilter }
func (m *MsgFeeFilter) appendPayload(b []byte) []byte { return appendUint64(b, uint64(m.MinFee)) }

func (m *MsgFeeFilter) decodePayload(r *payloadReader) (err error) {
	m.MinFee, err = r.int64()
	return err
}

// MsgSendCmpct negotiates compact block relay.
type MsgSendCmpct struct {
	Announce bool
	Version  uint64
}

func (m *MsgSendCmpct) Command() string { return CmdSendCmpct }

func (m *MsgSendCmpct) appendPayload(b []byte) []byte {
	return appendUint64(appendBool(b, m.Announce), m.Version)
}

func (m *MsgSendCmpct) decodePayload(r *payloadReader) (err error) {
	if m.Announce, err = r.bool(); err != nil {
		return err
	}
	m.Version, err = r.uint64()
	return err
}

// RejectCode is the machine readable reason in a reject message.
type RejectCode uint8

const (
	RejectMalformed       RejectCode = 0x01
	RejectInvalid         RejectCode = 0x10
	RejectObsolete        RejectCode = 0x11
	RejectDuplicate       RejectCode = 0x12
	RejectNonstandard     RejectCode = 0x40
	RejectDust            RejectCode = 0x41
	RejectInsufficientFee RejectCode = 0x42
	RejectCheckpoint      RejectCode = 0x43
)

// MsgReject tells a peer one of its messages was refused. Hash is only
// carried on the wire when Cmd is block or tx.
type MsgReject struct {
	Cmd    string
	Code   RejectCode
	Reason string
	Hash   chainhash.Hash
}

func (m *MsgReject) Command() string { return CmdReject }

func (m *MsgReject) carriesHash() bool { return m.Cmd == CmdBlock || m.Cmd == CmdTx }

func (m *MsgReject) appendPayload(b []byte) []byte {
	b = appendVarString(b, m.Cmd)
	b = append(b, byte(m.Code))
	b = appendVarString(b, m.Reason)
	if m.carriesHash() {
		b = append(b, m.Hash[:]...)
	}
	return b
}

func (m *MsgReject) decodePayload(r *payloadReader) error {
	var err error
	if m.Cmd, err = r.varString(CommandSize); err != nil {
		return err
	}
	code, err := r.uint8()
	if err != nil {
		return err
	}
	m.Code = RejectCode(code)
	if m.Reason, err = r.varString(MaxPayloadSize); err != nil {
		return err
	}
	if m.carriesHash() {
		m.Hash, err = r.hash()
	}
	return err
}
