package wire

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MsgBlock is a header plus its ordered transactions.
type MsgBlock struct {
	Header       BlockHeader
	Transactions []MsgTx
}

func (m *MsgBlock) Command() string { return CmdBlock }

// BlockHash is the hash of the block header.
func (m *MsgBlock) BlockHash() chainhash.Hash { return m.Header.BlockHash() }

// TxHashes returns the transaction ids in block order.
func (m *MsgBlock) TxHashes() []chainhash.Hash {
	hashes := make([]chainhash.Hash, len(m.Transactions))
	for i := range m.Transactions {
		hashes[i] = m.Transactions[i].TxHash()
	}
	return hashes
}

// Bytes returns the block serialization as stored on disk.
func (m *MsgBlock) Bytes() []byte { return m.appendPayload(nil) }

func (m *MsgBlock) appendPayload(b []byte) []byte {
	b = m.Header.append(b)
	b = AppendVarInt(b, uint64(len(m.Transactions)))
	for i := range m.Transactions {
		b = m.Transactions[i].appendPayload(b)
	}
	return b
}

func (m *MsgBlock) decodePayload(r *payloadReader) error {
	if err := m.Header.decode(r); err != nil {
		return err
	}
	n, err := r.count(maxTxPerBlock, 10)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	m.Transactions = make([]MsgTx, n)
	for i := range m.Transactions {
		if err := m.Transactions[i].decodePayload(r); err != nil {
			return err
		}
	}
	return nil
}

// DecodeBlock parses a serialized block with nothing left over.
func DecodeBlock(b []byte) (*MsgBlock, error) {
	blk := &MsgBlock{}
	r := &payloadReader{buf: b}
	if err := blk.decodePayload(r); err != nil {
		return nil, asFormatError(err, CmdBlock)
	}
	if r.remaining() != 0 {
		return nil, formatErr(Malformed, CmdBlock, "%d trailing bytes", r.remaining())
	}
	return blk, nil
}
