package models

// Vin is one transaction input. Coinbase inputs carry no outpoint.
type Vin struct {
	Index     int      `json:"index"`
	Outpoint  string   `json:"outpoint,omitempty"` // txid:n
	Coinbase  bool     `json:"coinbase,omitempty"`
	ScriptSig string   `json:"script_sig"`
	Sequence  uint32   `json:"sequence"`
	Witness   []string `json:"witness,omitempty"`
}
