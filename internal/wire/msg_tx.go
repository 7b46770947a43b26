package wire

import (
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	witnessMarker = 0x00
	witnessFlag   = 0x01

	// smallest possible input: outpoint, empty script, sequence
	minTxInSize = chainhash.HashSize + 4 + 1 + 4
	// smallest possible output: value, empty script
	minTxOutSize = 8 + 1
)

// OutPoint references one output of an earlier transaction.
type OutPoint struct {
	Hash  chainhash.Hash
	Index uint32
}

func (o OutPoint) String() string {
	return o.Hash.String() + ":" + strconv.FormatUint(uint64(o.Index), 10)
}

// TxIn spends an earlier output.
type TxIn struct {
	PreviousOutPoint OutPoint
	SignatureScript  []byte
	Witness          [][]byte
	Sequence         uint32
}

// TxOut assigns value to a spending condition.
type TxOut struct {
	Value    int64
	PkScript []byte
}

// MsgTx is a transaction. Both the legacy and segregated witness
// serializations are understood; the id is always taken over the legacy form.
type MsgTx struct {
	Version  int32
	TxIn     []TxIn
	TxOut    []TxOut
	LockTime uint32
}

func (m *MsgTx) Command() string { return CmdTx }

// HasWitness reports whether any input carries witness data.
func (m *MsgTx) HasWitness() bool {
	for i := range m.TxIn {
		if len(m.TxIn[i].Witness) > 0 {
			return true
		}
	}
	return false
}

// TxHash is the transaction id.
func (m *MsgTx) TxHash() chainhash.Hash {
	return chainhash.DoubleHashH(m.appendTx(nil, false))
}

// WitnessHash is the wtxid. It equals TxHash for transactions without witness.
func (m *MsgTx) WitnessHash() chainhash.Hash {
	return chainhash.DoubleHashH(m.appendTx(nil, m.HasWitness()))
}

// Bytes returns the full serialization, witness included.
func (m *MsgTx) Bytes() []byte { return m.appendPayload(nil) }

func (m *MsgTx) appendPayload(b []byte) []byte { return m.appendTx(b, m.HasWitness()) }

func (m *MsgTx) appendTx(b []byte, witness bool) []byte {
	b = appendUint32(b, uint32(m.Version))
	if witness {
		b = append(b, witnessMarker, witnessFlag)
	}
	b = AppendVarInt(b, uint64(len(m.TxIn)))
	for i := range m.TxIn {
		in := &m.TxIn[i]
		b = append(b, in.PreviousOutPoint.Hash[:]...)
		b = appendUint32(b, in.PreviousOutPoint.Index)
		b = appendVarBytes(b, in.SignatureScript)
		b = appendUint32(b, in.Sequence)
	}
	b = AppendVarInt(b, uint64(len(m.TxOut)))
	for i := range m.TxOut {
		b = appendUint64(b, uint64(m.TxOut[i].Value))
		b = appendVarBytes(b, m.TxOut[i].PkScript)
	}
	if witness {
		for i := range m.TxIn {
			b = AppendVarInt(b, uint64(len(m.TxIn[i].Witness)))
			for _, item := range m.TxIn[i].Witness {
				b = appendVarBytes(b, item)
			}
		}
	}
	return appendUint32(b, m.LockTime)
}

func (m *MsgTx) decodePayload(r *payloadReader) error {
	var err error
	if m.Version, err = r.int32(); err != nil {
		return err
	}
	nIn, err := r.count(MaxPayloadSize, 1)
	if err != nil {
		return err
	}
	witness := false
	if nIn == 0 && r.remaining() > 0 && r.buf[r.off] == witnessFlag {
		r.off++
		witness = true
		if nIn, err = r.count(MaxPayloadSize, minTxInSize); err != nil {
			return err
		}
	}
	if nIn > r.remaining()/minTxInSize {
		return errShort
	}
	if nIn > 0 {
		m.TxIn = make([]TxIn, nIn)
	}
	for i := range m.TxIn {
		in := &m.TxIn[i]
		if in.PreviousOutPoint.Hash, err = r.hash(); err != nil {
			return err
		}
		if in.PreviousOutPoint.Index, err = r.uint32(); err != nil {
			return err
		}
		if in.SignatureScript, err = r.varBytes(maxScriptSize); err != nil {
			return err
		}
		if in.Sequence, err = r.uint32(); err != nil {
			return err
		}
	}
	nOut, err := r.count(MaxPayloadSize, minTxOutSize)
	if err != nil {
		return err
	}
	if nOut > 0 {
		m.TxOut = make([]TxOut, nOut)
	}
	for i := range m.TxOut {
		v, err := r.int64()
		if err != nil {
			return err
		}
		m.TxOut[i].Value = v
		if m.TxOut[i].PkScript, err = r.varBytes(maxScriptSize); err != nil {
			return err
		}
	}
	if witness {
		for i := range m.TxIn {
			n, err := r.count(maxWitnessItems, 1)
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			m.TxIn[i].Witness = make([][]byte, n)
			for j := range m.TxIn[i].Witness {
				if m.TxIn[i].Witness[j], err = r.varBytes(MaxPayloadSize); err != nil {
					return err
				}
			}
		}
	}
	m.LockTime, err = r.uint32()
	return err
}

// DecodeTx parses one serialized transaction with nothing left over.
func DecodeTx(b []byte) (*MsgTx, error) {
	tx := &MsgTx{}
	r := &payloadReader{buf: b}
	if err := tx.decodePayload(r); err != nil {
		return nil, asFormatError(err, CmdTx)
	}
	if r.remaining() != 0 {
		return nil, formatErr(Malformed, CmdTx, "%d trailing bytes", r.remaining())
	}
	return tx, nil
}
