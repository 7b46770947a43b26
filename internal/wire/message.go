package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// HeaderSize is the fixed frame header: magic, command, length, checksum.
	HeaderSize = 24

	// CommandSize is the NUL padded command field length.
	CommandSize = 12

	// MaxPayloadSize bounds any single message payload.
	MaxPayloadSize = 32 * 1024 * 1024

	// ProtocolVersion is the default advertised protocol version.
	ProtocolVersion = 70015

	maxUserAgentLen = 256
	maxScriptSize   = 10000
	maxWitnessItems = 4_000_000
	maxTxPerBlock   = 1_000_000
)

// Command names.
const (
	CmdVersion     = "version"
	CmdVerAck      = "verack"
	CmdPing        = "ping"
	CmdPong        = "pong"
	CmdGetHeaders  = "getheaders"
	CmdGetBlocks   = "getblocks"
	CmdHeaders     = "headers"
	CmdInv         = "inv"
	CmdGetData     = "getdata"
	CmdNotFound    = "notfound"
	CmdBlock       = "block"
	CmdTx          = "tx"
	CmdReject      = "reject"
	CmdSendHeaders = "sendheaders"
	CmdMemPool     = "mempool"
	CmdFeeFilter   = "feefilter"
	CmdSendCmpct   = "sendcmpct"
)

// Message is one protocol message. The set of implementations is closed:
// every command the codec knows has a concrete type, anything else decodes
// to *MsgUnknown.
type Message interface {
	Command() string
	appendPayload(b []byte) []byte
	decodePayload(r *payloadReader) error
}

func newMessage(cmd string) Message {
	switch cmd {
	case CmdVersion:
		return &MsgVersion{}
	case CmdVerAck:
		return &MsgVerAck{}
	case CmdPing:
		return &MsgPing{}
	case CmdPong:
		return &MsgPong{}
	case CmdGetHeaders:
		return &MsgGetHeaders{}
	case CmdGetBlocks:
		return &MsgGetBlocks{}
	case CmdHeaders:
		return &MsgHeaders{}
	case CmdInv:
		return &MsgInv{}
	case CmdGetData:
		return &MsgGetData{}
	case CmdNotFound:
		return &MsgNotFound{}
	case CmdBlock:
		return &MsgBlock{}
	case CmdTx:
		return &MsgTx{}
	case CmdReject:
		return &MsgReject{}
	case CmdSendHeaders:
		return &MsgSendHeaders{}
	case CmdMemPool:
		return &MsgMemPool{}
	case CmdFeeFilter:
		return &MsgFeeFilter{}
	case CmdSendCmpct:
		return &MsgSendCmpct{}
	}
	return nil
}

// MsgUnknown carries a well-formed frame whose command is not handled.
type MsgUnknown struct {
	Cmd     string
	Payload []byte
}

func (m *MsgUnknown) Command() string { return m.Cmd }

func (m *MsgUnknown) appendPayload(b []byte) []byte { return append(b, m.Payload...) }

func (m *MsgUnknown) decodePayload(r *payloadReader) error {
	if n := r.remaining(); n > 0 {
		m.Payload = make([]byte, n)
		b, _ := r.next(n)
		copy(m.Payload, b)
	}
	return nil
}

func checksum(payload []byte) [4]byte {
	var c [4]byte
	copy(c[:], chainhash.DoubleHashB(payload))
	return c
}

// Encode frames msg for the network identified by magic.
func Encode(msg Message, magic uint32) []byte {
	payload := msg.appendPayload(nil)
	out := make([]byte, HeaderSize, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], magic)
	copy(out[4:4+CommandSize], msg.Command())
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(payload)))
	sum := checksum(payload)
	copy(out[20:24], sum[:])
	return append(out, payload...)
}

// Decode parses one frame from the front of data. It returns the message
// and the number of bytes the frame occupied. The length and checksum are
// verified before the payload is interpreted.
//
// For a well-formed frame with an unrecognized command both a *MsgUnknown
// and a FormatError of kind UnknownCommand are returned, so callers can
// skip the frame and keep reading.
func Decode(data []byte, magic uint32) (Message, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, formatErr(Truncated, "", "need %d header bytes, have %d", HeaderSize, len(data))
	}
	if got := binary.LittleEndian.Uint32(data[0:4]); got != magic {
		return nil, 0, formatErr(BadMagic, "", "magic 0x%08x, want 0x%08x", got, magic)
	}
	cmd, err := parseCommand(data[4 : 4+CommandSize])
	if err != nil {
		return nil, 0, err
	}
	length := binary.LittleEndian.Uint32(data[16:20])
	if length > MaxPayloadSize {
		return nil, 0, formatErr(Oversized, cmd, "payload length %d", length)
	}
	total := HeaderSize + int(length)
	if len(data) < total {
		return nil, 0, formatErr(Truncated, cmd, "need %d payload bytes, have %d", length, len(data)-HeaderSize)
	}
	payload := data[HeaderSize:total]
	if sum := checksum(payload); !bytes.Equal(sum[:], data[20:24]) {
		return nil, 0, formatErr(ChecksumMismatch, cmd, "got %x, want %x", data[20:24], sum)
	}

	msg := newMessage(cmd)
	if msg == nil {
		unknown := &MsgUnknown{Cmd: cmd}
		_ = unknown.decodePayload(&payloadReader{buf: payload})
		return unknown, total, formatErr(UnknownCommand, cmd, "unrecognized command")
	}
	r := &payloadReader{buf: payload}
	if err := msg.decodePayload(r); err != nil {
		return nil, 0, asFormatError(err, cmd)
	}
	if r.remaining() != 0 {
		return nil, 0, formatErr(Malformed, cmd, "%d trailing bytes", r.remaining())
	}
	return msg, total, nil
}

func parseCommand(field []byte) (string, error) {
	end := bytes.IndexByte(field, 0)
	if end < 0 {
		end = len(field)
	}
	for _, c := range field[end:] {
		if c != 0 {
			return "", formatErr(Malformed, "", "command not NUL padded")
		}
	}
	if end == 0 {
		return "", formatErr(Malformed, "", "empty command")
	}
	for _, c := range field[:end] {
		if c < 0x20 || c > 0x7e {
			return "", formatErr(Malformed, "", "non-printable command byte 0x%02x", c)
		}
	}
	return string(field[:end]), nil
}

// ReadMessage reads exactly one frame from r. Transport errors are returned
// unchanged; codec failures are FormatErrors. A frame whose checksum does
// not match has still been consumed, so the stream stays aligned.
func ReadMessage(r io.Reader, magic uint32) (Message, error) {
	frame := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	if got := binary.LittleEndian.Uint32(frame[0:4]); got != magic {
		return nil, formatErr(BadMagic, "", "magic 0x%08x, want 0x%08x", got, magic)
	}
	length := binary.LittleEndian.Uint32(frame[16:20])
	if length > MaxPayloadSize {
		return nil, formatErr(Oversized, "", "payload length %d", length)
	}
	frame = append(frame, make([]byte, length)...)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	msg, _, err := Decode(frame, magic)
	return msg, err
}

// WriteMessage frames msg and writes it to w in a single call.
func WriteMessage(w io.Writer, msg Message, magic uint32) error {
	_, err := w.Write(Encode(msg, magic))
	return err
}
