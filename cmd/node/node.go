package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/thanhnp/chain-node/internal/api"
	"github.com/thanhnp/chain-node/internal/api/handlers"
	"github.com/thanhnp/chain-node/internal/config"
	"github.com/thanhnp/chain-node/internal/download"
	"github.com/thanhnp/chain-node/internal/logger"
	"github.com/thanhnp/chain-node/internal/mempool"
	"github.com/thanhnp/chain-node/internal/models"
	"github.com/thanhnp/chain-node/internal/params"
	"github.com/thanhnp/chain-node/internal/peer"
	"github.com/thanhnp/chain-node/internal/server"
	"github.com/thanhnp/chain-node/internal/storage"
	nodesync "github.com/thanhnp/chain-node/internal/sync"
)

// run wires the node together and blocks until a signal arrives or sync
// fails. In server mode a sync failure leaves the server running until
// the signal; the failure still decides the exit code.
func run(ctx context.Context, cfg *config.Config) error {
	p, err := params.Lookup(cfg.Network)
	if err != nil {
		return err
	}

	opts := []logger.Option{logger.WithLevel(cfg.LogLevel), logger.WithConsole(cfg.PrintLogger)}
	if cfg.LogPath != "" {
		opts = append(opts, logger.WithFile(cfg.LogPath))
	}
	root, err := logger.New("node", opts...)
	if err != nil {
		return errors.Join(config.ErrInvalid, err)
	}
	defer root.Close()
	log := root.New("node")
	log.Infof("starting %s on %s", cfg.UserAgent, p.Name)

	stores, err := storage.Open(storage.Paths{
		Headers: cfg.HeadersPath,
		Blocks:  cfg.BlocksPath,
		Wallets: cfg.WalletsPath,
	}, p.Name)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Errorf("closing stores: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var syncer *nodesync.Syncer
	peerCfg := peer.Config{
		Magic:            p.Magic,
		ProtocolVersion:  cfg.Version,
		Services:         uint64(cfg.LocalServices),
		RequiredServices: uint64(cfg.PeerServices),
		UserAgent:        cfg.UserAgent,
		Timeout:          cfg.Timeout(),
		Relay:            cfg.ServerMode,
		StartHeight:      func() int32 { return syncer.Chain().Height() },
	}
	book := peer.NewAddressBook(cfg.PenaltyLimit)
	connector := peer.NewConnector(cfg.Address, p.DefaultPort, cfg.Retries, peerCfg, book, root.New("peer"))

	syncer = nodesync.NewSyncer(p, stores, connector, nodesync.Config{
		Retries: cfg.Retries,
		Download: download.Config{
			Threads:     cfg.Threads,
			BatchSize:   cfg.BlocksPerInv,
			Retries:     cfg.Retries,
			Timeout:     cfg.Timeout(),
			StartHeight: cfg.InitialHeight,
			StartTime:   uint32(cfg.InitialTime),
		},
		Wallets: cfg.Wallets,
	}, root.New("sync"))

	var srv *server.Server
	var pool handlers.MempoolReader
	if cfg.ServerMode {
		cache, err := mempool.New(cfg.MempoolSize, root.New("mempool"))
		if err != nil {
			return errors.Join(config.ErrInvalid, err)
		}
		pool = cache
		srv = server.New(cfg.ServerAddress, peerCfg, syncer.Chain(), stores.Blocks, cache, book, root.New("server"))
		srv.OnTxAccepted(syncer.OfferTx)
		syncer.SetRelay(srv)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := srv.Stop(); err != nil {
				log.Errorf("stopping server: %v", err)
			}
		}()
	}

	if cfg.APIAddress != "" {
		router := api.NewRouter(api.Deps{
			Params:  p,
			Chain:   syncer.Chain(),
			Blocks:  stores.Blocks,
			Txs:     stores.Txs,
			Pool:    pool,
			Wallets: syncer.Wallets,
			Status:  statusFunc(cfg, p, syncer, srv),
			Log:     root.New("api"),
		})
		httpServer := &http.Server{
			Addr:         cfg.APIAddress,
			Handler:      router.Engine(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			log.Infof("HTTP API listening on %s", cfg.APIAddress)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("HTTP API: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Errorf("HTTP API shutdown: %v", err)
			}
		}()
	}

	if err := syncer.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := syncer.Stop(); err != nil {
			log.Errorf("stopping syncer: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Infof("shutting down")
		return nil
	case <-syncer.Done():
	}

	syncErr := syncer.Err()
	if syncErr == nil || srv == nil {
		return syncErr
	}
	log.Errorf("sync halted, server keeps running until interrupted: %v", syncErr)
	<-ctx.Done()
	log.Infof("shutting down")
	return syncErr
}

func statusFunc(cfg *config.Config, p *params.Params, syncer *nodesync.Syncer, srv *server.Server) func() models.Status {
	return func() models.Status {
		c := syncer.Chain()
		height, tip := c.Tip()
		pr := syncer.Progress()
		st := models.Status{
			Network:       p.Name,
			UserAgent:     cfg.UserAgent,
			HeaderHeight:  height,
			HeaderTip:     tip.String(),
			IndexedHeight: -1,
			Phase:         string(pr.Phase),
			ServerMode:    srv != nil,
			SyncPeer:      pr.Peer,
			SyncPeerAgent: pr.PeerAgent,
		}
		if idx := syncer.Wallets(); idx != nil {
			st.IndexedHeight = idx.IndexedHeight()
		}
		if srv != nil {
			st.ServerPeers = srv.ClientCount()
			st.MempoolSize = srv.Pool().Len()
		}
		return st
	}
}
