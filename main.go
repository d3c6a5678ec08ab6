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
	"github.com/Antonite/plato_rl/trainer"
)

// Runs the learner and the weight publisher in one process. They still
// coordinate only through the checkpoint files and their lock.
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

	logger := config.NewLogger(cfg.Log, *debug, os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting plato training backend")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t, err := trainer.New(cfg, logger.With("process", "learner"))
	if err != nil {
		logger.Error("failed to start learner", "error", err)
		os.Exit(1)
	}

	// a failed publisher stops the learner too
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pub := server.New(cfg.Publisher, t.Store().Paths(), logger.With("process", "publisher"))
	pubErr := make(chan error, 1)
	go func() {
		err := pub.Run(ctx)
		if err != nil {
			cancel()
		}
		pubErr <- err
	}()

	code := 0
	if err := t.Run(ctx); err != nil {
		logger.Error("learner stopped with error", "error", err)
		code = 1
	}
	cancel()

	if err := <-pubErr; err != nil {
		logger.Error("publisher failed", "error", err)
		code = 1
	}
	stop()
	os.Exit(code)
}
