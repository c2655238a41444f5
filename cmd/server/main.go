// Command server runs the HustleXP money-core API.
package main

import (
	"context"
	"os"

	"github.com/hustlexp/money-core/internal/config"
	"github.com/hustlexp/money-core/internal/logging"
	"github.com/hustlexp/money-core/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting money-core",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded", "env", cfg.Env, "stripe_mode", cfg.StripeMode)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// srv.Run blocks until a SIGTERM/SIGINT triggers graceful shutdown (or
	// its internal watchdog forces an exit); a non-nil error here means
	// shutdown did not complete cleanly within the watchdog deadline.
	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
