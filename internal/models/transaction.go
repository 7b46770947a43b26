package models

// Transaction represents a transaction, confirmed or cached
type Transaction struct {
	TxID        string `json:"txid"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockHeight int32  `json:"block_height"`
	Version     int32  `json:"version"`
	LockTime    uint32 `json:"lock_time"`
	Size        int    `json:"size"`
	HasWitness  bool   `json:"has_witness"`
	Sent        int64  `json:"sent"`
	IsCoinbase  bool   `json:"is_coinbase"`
	Vin         []Vin  `json:"vin"`
	Vout        []Vout `json:"vout"`
}
