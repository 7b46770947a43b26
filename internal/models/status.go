package models

// Status summarizes the node for the status endpoint
type Status struct {
	Network       string `json:"network"`
	UserAgent     string `json:"user_agent"`
	HeaderHeight  int32  `json:"header_height"`
	HeaderTip     string `json:"header_tip"`
	IndexedHeight int32  `json:"indexed_height"`
	Phase         string `json:"phase"`
	ServerMode    bool   `json:"server_mode"`
	ServerPeers   int    `json:"server_peers"`
	MempoolSize   int    `json:"mempool_size"`
	SyncPeer      string `json:"sync_peer,omitempty"`
	SyncPeerAgent string `json:"sync_peer_agent,omitempty"`
}
