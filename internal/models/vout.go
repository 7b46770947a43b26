package models

// Vout is one transaction output
type Vout struct {
	Index   int    `json:"index"`
	Value   int64  `json:"value"`
	Script  string `json:"script"`
	Type    string `json:"type"`
	Address string `json:"address,omitempty"` // P2PKH only
}
