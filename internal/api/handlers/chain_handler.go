package handlers

import (
	"net/http"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gin-gonic/gin"

	"github.com/thanhnp/chain-node/internal/chain"
	"github.com/thanhnp/chain-node/internal/models"
	"github.com/thanhnp/chain-node/internal/params"
	"github.com/thanhnp/chain-node/internal/wire"
)

// BlockReader loads stored blocks.
type BlockReader interface {
	GetByHash(hash chainhash.Hash) (*wire.MsgBlock, error)
	Has(height int32, hash chainhash.Hash) (bool, error)
}

// TxReader resolves confirmed transactions.
type TxReader interface {
	Get(txid chainhash.Hash) (*wire.MsgTx, int32, error)
}

// MempoolReader is the read side of the transaction cache.
type MempoolReader interface {
	Get(hash chainhash.Hash) (*wire.MsgTx, bool)
	Hashes() []chainhash.Hash
	Len() int
}

// ChainHandler serves headers, blocks and transactions.
type ChainHandler struct {
	params *params.Params
	chain  *chain.Chain
	blocks BlockReader
	txs    TxReader
	pool   MempoolReader
}

// NewChainHandler creates a new ChainHandler. pool may be nil.
func NewChainHandler(p *params.Params, c *chain.Chain, blocks BlockReader, txs TxReader, pool MempoolReader) *ChainHandler {
	return &ChainHandler{params: p, chain: c, blocks: blocks, txs: txs, pool: pool}
}

// GetHeader returns the header at a height
// GET /api/v1/headers/:height
func (h *ChainHandler) GetHeader(c *gin.Context) {
	height, err := strconv.ParseInt(c.Param("height"), 10, 32)
	if err != nil || height < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid height"})
		return
	}
	hash, ok := h.chain.HashAt(int32(height))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Header not found"})
		return
	}
	stored, err := h.blocks.Has(int32(height), hash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	view, _ := headerView(h.chain, int32(height), stored)
	c.JSON(http.StatusOK, view)
}

// GetBlock returns a stored block by height or hash
// GET /api/v1/blocks/:id
func (h *ChainHandler) GetBlock(c *gin.Context) {
	id := c.Param("id")

	var hash chainhash.Hash
	if len(id) == chainhash.MaxHashStringSize {
		parsed, err := chainhash.NewHashFromStr(id)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid block hash"})
			return
		}
		hash = *parsed
	} else {
		height, err := strconv.ParseInt(id, 10, 32)
		if err != nil || height < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid height"})
			return
		}
		var ok bool
		if hash, ok = h.chain.HashAt(int32(height)); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Block not found"})
			return
		}
	}

	blk, err := h.blocks.GetByHash(hash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if blk == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Block not found"})
		return
	}

	view := models.Block{Network: h.params.Name, TxCount: len(blk.Transactions), Size: len(blk.Bytes())}
	if height, ok := h.chain.HeightOf(hash); ok {
		view.Header, _ = headerView(h.chain, height, true)
	} else {
		// stored, but reorganized out of the chain
		view.Header = models.Header{Hash: hash.String(), Height: -1, PreviousHash: blk.Header.PrevBlock.String()}
	}
	for _, txid := range blk.TxHashes() {
		view.TxIDs = append(view.TxIDs, txid.String())
	}
	c.JSON(http.StatusOK, view)
}

// GetTx returns a confirmed or cached transaction
// GET /api/v1/tx/:hash
func (h *ChainHandler) GetTx(c *gin.Context) {
	txid, err := chainhash.NewHashFromStr(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid transaction id"})
		return
	}

	tx, height, err := h.txs.Get(*txid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if tx != nil {
		view := txView(h.params, tx)
		view.BlockHeight = height
		var confirmations int32
		if hash, ok := h.chain.HashAt(height); ok {
			view.BlockHash = hash.String()
			confirmations = h.chain.Height() - height + 1
		}
		c.JSON(http.StatusOK, gin.H{"transaction": view, "confirmations": confirmations})
		return
	}

	if h.pool != nil {
		if tx, ok := h.pool.Get(*txid); ok {
			c.JSON(http.StatusOK, gin.H{"transaction": txView(h.params, tx), "confirmations": 0})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
}

// GetMempool lists cached transaction ids, oldest first
// GET /api/v1/mempool
func (h *ChainHandler) GetMempool(c *gin.Context) {
	hashes := h.pool.Hashes()
	txids := make([]string, len(hashes))
	for i, hash := range hashes {
		txids[i] = hash.String()
	}
	c.JSON(http.StatusOK, gin.H{"count": len(txids), "txids": txids})
}
