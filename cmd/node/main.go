package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/thanhnp/chain-node/internal/chain"
	"github.com/thanhnp/chain-node/internal/config"
	"github.com/thanhnp/chain-node/internal/download"
	"github.com/thanhnp/chain-node/internal/params"
	"github.com/thanhnp/chain-node/internal/peer"
	"github.com/thanhnp/chain-node/internal/storage"
)

// Process exit codes.
const (
	exitOK          = 0
	exitUnexpected  = 1
	exitConfig      = 2
	exitConnection  = 3
	exitValidation  = 4
	exitPersistence = 5
)

func main() {
	app := &cli.App{
		Name:  "chainnode",
		Usage: "header-first P2P node with a watch-only wallet index",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "path to the YAML configuration file",
				EnvVars: []string{"NODE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "network",
				Usage: fmt.Sprintf("override the configured network (%v)", params.Names()),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level",
			},
			&cli.BoolFlag{
				Name:  "server",
				Usage: "accept inbound peers and keep a mempool",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return run(c.Context, cfg)
		},
	}

	if err := app.RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "chainnode: %v\n", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		if errors.Is(err, config.ErrInvalid) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if c.IsSet("network") {
		cfg.Network = c.String("network")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.Bool("server") {
		cfg.ServerMode = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// exitCode maps the root cause of a failed run onto the process exit code.
func exitCode(err error) int {
	var verr *chain.ValidationError
	var failed *download.FailedHeightError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalid), errors.Is(err, params.ErrUnknownNetwork):
		return exitConfig
	case storage.IsPersistenceError(err):
		return exitPersistence
	case errors.As(err, &verr):
		return exitValidation
	case errors.As(err, &failed), peer.IsConnectionError(err),
		errors.Is(err, peer.ErrUnreachable), errors.Is(err, peer.ErrTimeout),
		errors.Is(err, peer.ErrClosed), errors.Is(err, peer.ErrProtocolViolation),
		errors.Is(err, context.DeadlineExceeded):
		return exitConnection
	}
	return exitUnexpected
}
