package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// payloadReader walks a payload buffer. Reads past the end yield errShort.
type payloadReader struct {
	buf []byte
	off int
}

func (r *payloadReader) remaining() int { return len(r.buf) - r.off }

func (r *payloadReader) next(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errShort
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *payloadReader) uint8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *payloadReader) bool() (bool, error) {
	b, err := r.uint8()
	return b != 0, err
}

func (r *payloadReader) uint16BE() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *payloadReader) uint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *payloadReader) int32() (int32, error) {
	v, err := r.uint32()
	return int32(v), err
}

func (r *payloadReader) uint64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *payloadReader) int64() (int64, error) {
	v, err := r.uint64()
	return int64(v), err
}

func (r *payloadReader) hash() (chainhash.Hash, error) {
	var h chainhash.Hash
	b, err := r.next(chainhash.HashSize)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

// varInt reads a CompactSize integer and rejects non-canonical encodings.
func (r *payloadReader) varInt() (uint64, error) {
	d, err := r.uint8()
	if err != nil {
		return 0, err
	}
	var v, min uint64
	switch d {
	case 0xff:
		if v, err = r.uint64(); err != nil {
			return 0, err
		}
		min = 0x100000000
	case 0xfe:
		u, err := r.uint32()
		if err != nil {
			return 0, err
		}
		v, min = uint64(u), 0x10000
	case 0xfd:
		b, err := r.next(2)
		if err != nil {
			return 0, err
		}
		v, min = uint64(binary.LittleEndian.Uint16(b)), 0xfd
	default:
		return uint64(d), nil
	}
	if v < min {
		return 0, formatErr(Malformed, "", "non-canonical varint 0x%x", v)
	}
	return v, nil
}

// count reads a varint element count and bounds it by max and by the
// number of bytes left, given the smallest encoding of one element.
func (r *payloadReader) count(max uint64, minElemSize int) (int, error) {
	n, err := r.varInt()
	if err != nil {
		return 0, err
	}
	if n > max {
		return 0, formatErr(Oversized, "", "count %d exceeds %d", n, max)
	}
	if minElemSize > 0 && n > uint64(r.remaining()/minElemSize) {
		return 0, errShort
	}
	return int(n), nil
}

func (r *payloadReader) varBytes(max uint64) ([]byte, error) {
	n, err := r.varInt()
	if err != nil {
		return nil, err
	}
	if n > max {
		return nil, formatErr(Oversized, "", "byte string of %d exceeds %d", n, max)
	}
	if n > uint64(r.remaining()) {
		return nil, errShort
	}
	if n == 0 {
		return nil, nil
	}
	b, _ := r.next(int(n))
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (r *payloadReader) varString(max uint64) (string, error) {
	b, err := r.varBytes(max)
	return string(b), err
}

func appendUint16BE(b []byte, v uint16) []byte { return binary.BigEndian.AppendUint16(b, v) }
func appendUint32(b []byte, v uint32) []byte   { return binary.LittleEndian.AppendUint32(b, v) }
func appendUint64(b []byte, v uint64) []byte   { return binary.LittleEndian.AppendUint64(b, v) }

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// AppendVarInt appends v as a CompactSize integer.
func AppendVarInt(b []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(b, byte(v))
	case v <= math.MaxUint16:
		return binary.LittleEndian.AppendUint16(append(b, 0xfd), uint16(v))
	case v <= math.MaxUint32:
		return binary.LittleEndian.AppendUint32(append(b, 0xfe), uint32(v))
	default:
		return binary.LittleEndian.AppendUint64(append(b, 0xff), v)
	}
}

// VarIntSize is the encoded length of v as a CompactSize integer.
func VarIntSize(v uint64) int {
	switch {
	case v < 0xfd:
		return 1
	case v <= math.MaxUint16:
		return 3
	case v <= math.MaxUint32:
		return 5
	default:
		return 9
	}
}

// ReadVarInt decodes a CompactSize integer from the front of b and returns
// it with the number of bytes consumed.
func ReadVarInt(b []byte) (uint64, int, error) {
	r := &payloadReader{buf: b}
	v, err := r.varInt()
	if err != nil {
		return 0, 0, asFormatError(err, "")
	}
	return v, r.off, nil
}

func appendVarBytes(b, data []byte) []byte {
	return append(AppendVarInt(b, uint64(len(data))), data...)
}

func appendVarString(b []byte, s string) []byte {
	return append(AppendVarInt(b, uint64(len(s))), s...)
}

// asFormatError converts reader failures into a FormatError tagged with cmd.
func asFormatError(err error, cmd string) error {
	if err == nil {
		return nil
	}
	if fe, ok := err.(*FormatError); ok {
		if fe.Command == "" {
			fe.Command = cmd
		}
		return fe
	}
	if err == errShort {
		return &FormatError{Kind: Truncated, Command: cmd, Err: err}
	}
	return &FormatError{Kind: Malformed, Command: cmd, Err: fmt.Errorf("%w", err)}
}
