package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thanhnp/chain-node/internal/wallet"
)

// WalletHandler handles wallet API requests
type WalletHandler struct {
	index func() *wallet.Index
}

// NewWalletHandler creates a new WalletHandler. index returns nil until the
// wallet index is open.
func NewWalletHandler(index func() *wallet.Index) *WalletHandler {
	return &WalletHandler{index: index}
}

// Ready reports whether the wallet index is open.
func (h *WalletHandler) Ready() bool { return h.index() != nil }

// List returns every wallet
// GET /api/v1/wallets
func (h *WalletHandler) List(c *gin.Context) {
	wallets := h.index().Wallets()
	c.JSON(http.StatusOK, gin.H{"count": len(wallets), "wallets": wallets})
}

// Get returns one wallet
// GET /api/v1/wallets/:name
func (h *WalletHandler) Get(c *gin.Context) {
	w, err := h.index().Wallet(c.Param("name"))
	if errors.Is(err, wallet.ErrUnknownWallet) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Wallet not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, w)
}

type createWalletRequest struct {
	Name      string   `json:"name" binding:"required"`
	Addresses []string `json:"addresses" binding:"required,min=1"`
}

// Create registers a wallet and scans the indexed blocks for it
// POST /api/v1/wallets
func (h *WalletHandler) Create(c *gin.Context) {
	var req createWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, err := h.index().Add(req.Name, req.Addresses)
	switch {
	case errors.Is(err, wallet.ErrWalletExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, wallet.ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, w)
	}
}
