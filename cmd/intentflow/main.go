package main

import (
	"IntentFlow/internal/app"
	"IntentFlow/internal/config"
	"IntentFlow/internal/observability"
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := observability.NewLogger("intentflow", "info")
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := observability.NewLogger("intentflow", cfg.LogLevel)
	logger.Info().Str("transport", cfg.Transport).Msg("IntentFlow starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		logger.Fatal().Err(err).Msg("start failed")
	}

	failed := make(chan error, 1)
	go func() { failed <- a.Wait() }()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-failed:
		if err != nil {
			logger.Error().Err(err).Msg("component failed, shutting down")
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
		exitCode = 1
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
