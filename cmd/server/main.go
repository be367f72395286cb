// Package main is the entry point for the trading resilience core.
// The core sits between the strategy layer and the broker: it tracks
// component health, decides the system operating mode, gates every
// trading action against that mode, and drives recovery back to normal
// operation after a failure.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/trading-core/internal/config"
	"github.com/aristath/trading-core/internal/setup"
	"github.com/aristath/trading-core/pkg/logger"
)

// main orchestrates startup:
// 1. Loads configuration from environment variables
// 2. Initializes structured logging
// 3. Builds the dependency graph (database, event bus, gate, state
//    service, recovery orchestrator, outbox worker, reconciler)
// 4. Starts the background loops and the cold-start recovery run
// 5. Waits for a shutdown signal and tears everything down gracefully
func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting trading resilience core")

	core, err := setup.Init(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize core")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := core.Start(ctx); err != nil {
		core.Shutdown()
		log.Fatal().Err(err).Msg("Failed to start core")
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	core.Shutdown()
	os.Exit(0)
}
