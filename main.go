package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/matt0x6f/irc-engine/internal/config"
	"github.com/matt0x6f/irc-engine/internal/logger"
)

func main() {
	configPath := flag.String("config", "irc-engine.toml", "path to the TOML configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger.Configure(logger.ProfileRuntime)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	app, err := NewApp(cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Log.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
	}()

	err = app.Run(ctx)
	app.Close()
	cancel()
	if err != nil {
		logger.Log.Error().Err(err).Msg("Stopped")
		os.Exit(1)
	}
}
