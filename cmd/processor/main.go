package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"vitalpaw/internal/config"
	"vitalpaw/internal/logger"
	"vitalpaw/internal/processor"
)

func main() {
	cfg, err := config.Load(os.Getenv("VITALPAW_CONFIG"))
	if err != nil {
		logger.Init("info")
		logger.Logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := processor.New(cfg)
	if err := p.Run(ctx); err != nil {
		log.Error().Err(err).Msg("processor exited")
		os.Exit(1)
	}
	log.Info().Msg("exited")
}
