package models

// Wallet is the persisted record of one watched wallet and also its API view.
type Wallet struct {
	Name          string      `json:"name"`
	Addresses     []string    `json:"addresses"`
	Balance       int64       `json:"balance"` // in satoshis
	TotalReceived int64       `json:"total_received"`
	TotalSent     int64       `json:"total_sent"`
	TxCount       int         `json:"tx_count"`
	LastHeight    int32       `json:"last_height"` // highest block applied
	UTXOs         []UTXO      `json:"utxos"`
	Pending       []PendingTx `json:"pending,omitempty"`
}

// UTXO is an unspent output paying one of a wallet's addresses
type UTXO struct {
	TxID    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Value   int64  `json:"value"`
	Address string `json:"address"`
	Height  int32  `json:"height"`
}

// PendingTx is an unconfirmed transaction touching a wallet
type PendingTx struct {
	TxID     string `json:"txid"`
	Received int64  `json:"received"`
	Spent    int64  `json:"spent"`
}
