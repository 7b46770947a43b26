package wire

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MaxInvPerMsg bounds inv, getdata and notfound lists.
const MaxInvPerMsg = 50000

const invVectSize = 4 + chainhash.HashSize

// InvType identifies what an inventory vector refers to.
type InvType uint32

const (
	InvTypeError         InvType = 0
	InvTypeTx            InvType = 1
	InvTypeBlock         InvType = 2
	InvTypeFilteredBlock InvType = 3
	InvTypeWitnessTx     InvType = 0x40000001
	InvTypeWitnessBlock  InvType = 0x40000002
)

func (t InvType) String() string {
	switch t {
	case InvTypeError:
		return "ERROR"
	case InvTypeTx:
		return "MSG_TX"
	case InvTypeBlock:
		return "MSG_BLOCK"
	case InvTypeFilteredBlock:
		return "MSG_FILTERED_BLOCK"
	case InvTypeWitnessTx:
		return "MSG_WITNESS_TX"
	case InvTypeWitnessBlock:
		return "MSG_WITNESS_BLOCK"
	}
	return fmt.Sprintf("InvType(%d)", uint32(t))
}

// InvVect names one block or transaction.
type InvVect struct {
	Type InvType
	Hash chainhash.Hash
}

type invList []InvVect

func (l invList) append(b []byte) []byte {
	b = AppendVarInt(b, uint64(len(l)))
	for _, iv := range l {
		b = appendUint32(b, uint32(iv.Type))
		b = append(b, iv.Hash[:]...)
	}
	return b
}

func decodeInvList(r *payloadReader) (invList, error) {
	n, err := r.count(MaxInvPerMsg, invVectSize)
	if err != nil || n == 0 {
		return nil, err
	}
	l := make(invList, n)
	for i := range l {
		t, err := r.uint32()
		if err != nil {
			return nil, err
		}
		l[i].Type = InvType(t)
		if l[i].Hash, err = r.hash(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// MsgInv announces known blocks or transactions.
type MsgInv struct {
	InvList []InvVect
}

func (m *MsgInv) Command() string               { return CmdInv }
func (m *MsgInv) appendPayload(b []byte) []byte { return invList(m.InvList).append(b) }

func (m *MsgInv) decodePayload(r *payloadReader) (err error) {
	m.InvList, err = decodeInvList(r)
	return err
}

// MsgGetData requests the objects named in InvList.
type MsgGetData struct {
	InvList []InvVect
}

func (m *MsgGetData) Command() string               { return CmdGetData }
func (m *MsgGetData) appendPayload(b []byte) []byte { return invList(m.InvList).append(b) }

func (m *MsgGetData) decodePayload(r *payloadReader) (err error) {
	m.InvList, err = decodeInvList(r)
	return err
}

// MsgNotFound answers a getdata for objects the sender does not have.
type MsgNotFound struct {
	InvList []InvVect
}

func (m *MsgNotFound) Command() string               { return CmdNotFound }
func (m *MsgNotFound) appendPayload(b []byte) []byte { return invList(m.InvList).append(b) }

func (m *MsgNotFound) decodePayload(r *payloadReader) (err error) {
	m.InvList, err = decodeInvList(r)
	return err
}
