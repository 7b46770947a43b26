package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thanhnp/chain-node/internal/api/handlers"
	"github.com/thanhnp/chain-node/internal/api/middleware"
	"github.com/thanhnp/chain-node/internal/chain"
	"github.com/thanhnp/chain-node/internal/logger"
	"github.com/thanhnp/chain-node/internal/models"
	"github.com/thanhnp/chain-node/internal/params"
	"github.com/thanhnp/chain-node/internal/wallet"
)

// Deps is what the API reads from. Pool is nil unless the node runs in
// server mode.
type Deps struct {
	Params  *params.Params
	Chain   *chain.Chain
	Blocks  handlers.BlockReader
	Txs     handlers.TxReader
	Pool    handlers.MempoolReader
	Wallets func() *wallet.Index
	Status  func() models.Status
	Log     logger.Logger
}

// Router wraps the Gin router with handlers
type Router struct {
	engine        *gin.Engine
	deps          Deps
	chainHandler  *handlers.ChainHandler
	walletHandler *handlers.WalletHandler
}

// NewRouter creates a new Router with all handlers
func NewRouter(d Deps) *Router {
	gin.SetMode(gin.ReleaseMode)

	r := &Router{
		engine:        gin.New(),
		deps:          d,
		chainHandler:  handlers.NewChainHandler(d.Params, d.Chain, d.Blocks, d.Txs, d.Pool),
		walletHandler: handlers.NewWalletHandler(d.Wallets),
	}

	r.setupMiddleware()
	r.setupRoutes()

	return r
}

// setupMiddleware configures middleware
func (r *Router) setupMiddleware() {
	r.engine.Use(middleware.Recovery(r.deps.Log))
	r.engine.Use(middleware.Logger(r.deps.Log))
	r.engine.Use(middleware.CORS())
}

// setupRoutes configures API routes
func (r *Router) setupRoutes() {
	// Health check
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.engine.Group("/api/v1")
	{
		v1.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, r.deps.Status())
		})
		v1.GET("/headers/:height", r.chainHandler.GetHeader)
		v1.GET("/blocks/:id", r.chainHandler.GetBlock)
		v1.GET("/tx/:hash", r.chainHandler.GetTx)
		v1.GET("/mempool", middleware.Ready("mempool", func() bool { return r.deps.Pool != nil }), r.chainHandler.GetMempool)

		wallets := v1.Group("/wallets")
		wallets.Use(middleware.Ready("wallet index", r.walletHandler.Ready))
		{
			wallets.GET("", r.walletHandler.List)
			wallets.POST("", r.walletHandler.Create)
			wallets.GET("/:name", r.walletHandler.Get)
		}
	}
}

// Engine returns the underlying Gin engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
