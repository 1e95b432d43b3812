package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"astrosorter/internal/cli"
	"astrosorter/internal/config"
	"astrosorter/internal/logging"
	"astrosorter/internal/pipeline"
	"astrosorter/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", config.Path(), err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	dbPath, err := config.ExpandUser(cfg.Paths.DatabasePath)
	if err != nil {
		return err
	}
	store, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, cfg)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx)
}
