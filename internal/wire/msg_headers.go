package wire

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// BlockHeaderSize is the serialized size of a block header.
	BlockHeaderSize = 80

	// MaxHeadersPerMsg is the most headers a single headers message may carry.
	MaxHeadersPerMsg = 2000

	// MaxLocatorHashes bounds a getheaders locator.
	MaxLocatorHashes = 101
)

// BlockHeader is the 80-byte block header. Timestamp is kept as the raw
// wire value so serialization round-trips exactly.
type BlockHeader struct {
	Version    int32
	PrevBlock  chainhash.Hash
	MerkleRoot chainhash.Hash
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32
}

// Time returns the header timestamp.
func (h *BlockHeader) Time() time.Time { return time.Unix(int64(h.Timestamp), 0).UTC() }

// Serialize returns the 80-byte wire form.
func (h *BlockHeader) Serialize() []byte {
	return h.append(make([]byte, 0, BlockHeaderSize))
}

// BlockHash is the double sha256 of the serialized header.
func (h *BlockHeader) BlockHash() chainhash.Hash {
	return chainhash.DoubleHashH(h.Serialize())
}

func (h *BlockHeader) append(b []byte) []byte {
	b = appendUint32(b, uint32(h.Version))
	b = append(b, h.PrevBlock[:]...)
	b = append(b, h.MerkleRoot[:]...)
	b = appendUint32(b, h.Timestamp)
	b = appendUint32(b, h.Bits)
	return appendUint32(b, h.Nonce)
}

func (h *BlockHeader) decode(r *payloadReader) error {
	var err error
	if h.Version, err = r.int32(); err != nil {
		return err
	}
	if h.PrevBlock, err = r.hash(); err != nil {
		return err
	}
	if h.MerkleRoot, err = r.hash(); err != nil {
		return err
	}
	if h.Timestamp, err = r.uint32(); err != nil {
		return err
	}
	if h.Bits, err = r.uint32(); err != nil {
		return err
	}
	h.Nonce, err = r.uint32()
	return err
}

// ParseBlockHeader decodes exactly BlockHeaderSize bytes.
func ParseBlockHeader(b []byte) (BlockHeader, error) {
	var h BlockHeader
	if len(b) != BlockHeaderSize {
		if len(b) < BlockHeaderSize {
			return h, formatErr(Truncated, "", "header of %d bytes", len(b))
		}
		return h, formatErr(Malformed, "", "header of %d bytes", len(b))
	}
	err := h.decode(&payloadReader{buf: b})
	return h, asFormatError(err, "")
}

type locatorMsg struct {
	ProtocolVersion uint32
	BlockLocator    []chainhash.Hash
	HashStop        chainhash.Hash
}

func (m *locatorMsg) append(b []byte) []byte {
	b = appendUint32(b, m.ProtocolVersion)
	b = AppendVarInt(b, uint64(len(m.BlockLocator)))
	for i := range m.BlockLocator {
		b = append(b, m.BlockLocator[i][:]...)
	}
	return append(b, m.HashStop[:]...)
}

func (m *locatorMsg) decode(r *payloadReader) error {
	var err error
	if m.ProtocolVersion, err = r.uint32(); err != nil {
		return err
	}
	n, err := r.count(MaxLocatorHashes, chainhash.HashSize)
	if err != nil {
		return err
	}
	if n > 0 {
		m.BlockLocator = make([]chainhash.Hash, n)
		for i := range m.BlockLocator {
			if m.BlockLocator[i], err = r.hash(); err != nil {
				return err
			}
		}
	}
	m.HashStop, err = r.hash()
	return err
}

// MsgGetHeaders requests headers following the first locator hash the
// receiver recognizes, up to HashStop or MaxHeadersPerMsg.
type MsgGetHeaders locatorMsg

func (m *MsgGetHeaders) Command() string { return CmdGetHeaders }
func (m *MsgGetHeaders) appendPayload(b []byte) []byte {
	return (*locatorMsg)(m).append(b)
}
func (m *MsgGetHeaders) decodePayload(r *payloadReader) error {
	return (*locatorMsg)(m).decode(r)
}

// MsgGetBlocks is the inventory flavoured sibling of MsgGetHeaders.
type MsgGetBlocks locatorMsg

func (m *MsgGetBlocks) Command() string { return CmdGetBlocks }
func (m *MsgGetBlocks) appendPayload(b []byte) []byte {
	return (*locatorMsg)(m).append(b)
}
func (m *MsgGetBlocks) decodePayload(r *payloadReader) error {
	return (*locatorMsg)(m).decode(r)
}

// MsgHeaders carries a batch of consecutive headers. Each entry is followed
// by a transaction count which is always zero.
type MsgHeaders struct {
	Headers []BlockHeader
}

func (m *MsgHeaders) Command() string { return CmdHeaders }

func (m *MsgHeaders) appendPayload(b []byte) []byte {
	b = AppendVarInt(b, uint64(len(m.Headers)))
	for i := range m.Headers {
		b = m.Headers[i].append(b)
		b = append(b, 0)
	}
	return b
}

func (m *MsgHeaders) decodePayload(r *payloadReader) error {
	n, err := r.count(MaxHeadersPerMsg, BlockHeaderSize+1)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	m.Headers = make([]BlockHeader, n)
	for i := range m.Headers {
		if err := m.Headers[i].decode(r); err != nil {
			return err
		}
		txCount, err := r.varInt()
		if err != nil {
			return err
		}
		if txCount != 0 {
			return formatErr(Malformed, CmdHeaders, "header %d declares %d transactions", i, txCount)
		}
	}
	return nil
}
