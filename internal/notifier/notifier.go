package notifier

import (
	"github.com/thanhnp/chain-node/internal/wire"
)

// BlockHandler is called for each block in height order
type BlockHandler func(height int32, block *wire.MsgBlock) error

// DisconnectHandler is called when every block above forkHeight has left
// the best chain (reorg)
type DisconnectHandler func(forkHeight int32) error

// TxHandler is called for transactions accepted into the mempool
type TxHandler func(tx *wire.MsgTx)

// BlockSource loads persisted blocks
type BlockSource interface {
	GetByHeight(height int32) (*wire.MsgBlock, error)
}

// BlockNotifier defines the interface for in-process block notifiers
type BlockNotifier interface {
	// Start starts the notifier and begins delivering notifications
	Start() error

	// Stop delivers everything already queued, then stops the notifier
	Stop() error

	// Notify reports that the block at height has been persisted
	Notify(height int32)

	// Disconnect reports a reorg at forkHeight
	Disconnect(forkHeight int32)

	// NotifyTx reports a transaction accepted into the mempool
	NotifyTx(tx *wire.MsgTx)

	// OnBlockConnected registers a handler for new blocks
	OnBlockConnected(handler BlockHandler)

	// OnBlockDisconnected registers a handler for disconnected blocks (reorgs)
	OnBlockDisconnected(handler DisconnectHandler)

	// OnTxAccepted registers a handler for mempool transactions
	OnTxAccepted(handler TxHandler)
}
