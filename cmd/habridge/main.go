package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"habridge/internal/haconfig"
	"habridge/internal/supervisor"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := haconfig.Load()
	if err != nil {
		logger.Warn("no persisted configuration found, starting unconfigured", zap.Error(err))
		cfg = haconfig.Default()
	}
	cfg = haconfig.ApplyEnvOverrides(cfg)

	cfgHandle := haconfig.NewHandle(cfg)

	super, err := supervisor.New(logger, cfgHandle, supervisor.Options{
		AppVersion: version,
		APIVersion: apiVersion,
	})
	if err != nil {
		logger.Fatal("failed to assemble bridge", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("home assistant bridge starting", zap.String("version", version))
	if err := super.Run(ctx); err != nil {
		logger.Fatal("bridge exited with error", zap.Error(err))
	}
	logger.Info("home assistant bridge stopped")
}

// version and apiVersion are overridable at link time via
// -ldflags "-X main.version=... -X main.apiVersion=...".
var (
	version    = "0.1.0"
	apiVersion = "0.24.0"
)
