// escrowd - non-custodial multisig escrow orchestration for Monero wallets
package main

import (
	"context"
	"os"

	"github.com/Satisfyguy/escrowd/internal/config"
	"github.com/Satisfyguy/escrowd/internal/logging"
	"github.com/Satisfyguy/escrowd/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting escrowd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Rebuild the logger now that we know the configured level.
	logger = logging.New(cfg.LogLevel, "text")

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"network", cfg.Network,
		"wallet_endpoints", len(cfg.WalletRPCURLs),
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
