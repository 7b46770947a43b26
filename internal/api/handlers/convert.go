package handlers

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/txscript"

	"github.com/thanhnp/chain-node/internal/chain"
	"github.com/thanhnp/chain-node/internal/models"
	"github.com/thanhnp/chain-node/internal/params"
	"github.com/thanhnp/chain-node/internal/wire"
)

func headerView(c *chain.Chain, height int32, downloaded bool) (models.Header, bool) {
	h, ok := c.HeaderAt(height)
	if !ok {
		return models.Header{}, false
	}
	v := models.Header{
		Hash:         h.BlockHash().String(),
		Height:       height,
		Version:      h.Version,
		PreviousHash: h.PrevBlock.String(),
		MerkleRoot:   h.MerkleRoot.String(),
		Timestamp:    time.Unix(int64(h.Timestamp), 0).UTC(),
		Bits:         fmt.Sprintf("%08x", h.Bits),
		Nonce:        h.Nonce,
		Downloaded:   downloaded,
	}
	if work := c.Work(height); work != nil {
		v.ChainWork = work.Text(16)
	}
	return v, true
}

func isCoinbase(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	prev := tx.TxIn[0].PreviousOutPoint
	return prev.Index == 0xffffffff && prev.Hash == (wire.OutPoint{}).Hash
}

func txView(p *params.Params, tx *wire.MsgTx) models.Transaction {
	v := models.Transaction{
		TxID:        tx.TxHash().String(),
		BlockHeight: -1,
		Version:     tx.Version,
		LockTime:    tx.LockTime,
		Size:        len(tx.Bytes()),
		HasWitness:  tx.HasWitness(),
		IsCoinbase:  isCoinbase(tx),
		Vin:         make([]models.Vin, len(tx.TxIn)),
		Vout:        make([]models.Vout, len(tx.TxOut)),
	}
	coinbase := v.IsCoinbase
	for i, in := range tx.TxIn {
		vin := models.Vin{
			Index:     i,
			Coinbase:  coinbase,
			ScriptSig: hex.EncodeToString(in.SignatureScript),
			Sequence:  in.Sequence,
		}
		if !coinbase {
			vin.Outpoint = fmt.Sprintf("%s:%d", in.PreviousOutPoint.Hash, in.PreviousOutPoint.Index)
		}
		for _, item := range in.Witness {
			vin.Witness = append(vin.Witness, hex.EncodeToString(item))
		}
		v.Vin[i] = vin
	}
	for i, out := range tx.TxOut {
		v.Sent += out.Value
		vout := models.Vout{
			Index:  i,
			Value:  out.Value,
			Script: hex.EncodeToString(out.PkScript),
			Type:   txscript.GetScriptClass(out.PkScript).String(),
		}
		if txscript.IsPayToPubKeyHash(out.PkScript) {
			vout.Address = base58.CheckEncode(out.PkScript[3:23], p.PubKeyHashID)
		}
		v.Vout[i] = vout
	}
	return v
}
