package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Antonite/plato_rl/config"
	"github.com/Antonite/plato_rl/server"
	"github.com/Antonite/plato_rl/storage"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config (defaults when empty)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = config.Validate(cfg)
	}
	if err != nil {
		slog.Error("invalid configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Log, *debug, os.Stderr).With("process", "publisher")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	paths := storage.NewPaths(cfg.Checkpoint.Dir, cfg.Checkpoint.Name)
	if err := server.New(cfg.Publisher, paths, logger).Run(ctx); err != nil {
		logger.Error("publisher failed", "error", err)
		os.Exit(1)
	}
}
