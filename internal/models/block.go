package models

import (
	"time"
)

// Header represents a block header in the header chain
type Header struct {
	Hash         string    `json:"hash"`
	Height       int32     `json:"height"`
	Version      int32     `json:"version"`
	PreviousHash string    `json:"previous_hash"`
	MerkleRoot   string    `json:"merkle_root"`
	Timestamp    time.Time `json:"timestamp"`
	Bits         string    `json:"bits"`
	Nonce        uint32    `json:"nonce"`
	ChainWork    string    `json:"chain_work"`
	Downloaded   bool      `json:"downloaded"`
}

// Block represents a downloaded block
type Block struct {
	Header
	TxCount int      `json:"tx_count"`
	Size    int      `json:"size"`
	TxIDs   []string `json:"txids"`
	Network string   `json:"network"`
}
