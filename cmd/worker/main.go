// Command worker runs only the scene worker pool (C5), so it can be
// scaled independently of the broadcaster and gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/holoforge/scenecast/internal/config"
	"github.com/holoforge/scenecast/internal/errs"
	"github.com/holoforge/scenecast/internal/supervisor"
)

func main() {
	root := &cobra.Command{
		Use:   "worker",
		Short: "Run the scene worker pool",
		RunE:  run,
	}
	// run reports its own exit code below (config vs bus-unavailable vs
	// drain-timeout carry different codes per spec §6), so Execute's own
	// error path here only ever covers cobra-level failures (bad flags).
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	logger.Info().Str("env", cfg.Environment).Msg("starting scenecast worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sup, err := supervisor.Build(ctx, cfg, supervisor.Roles{Worker: true}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build supervisor")
		if errs.Is(err, errs.Unavailable) {
			os.Exit(3)
		}
		os.Exit(1)
	}

	if err := sup.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown exceeded drain budget, forcing exit")
		os.Exit(2)
	}

	logger.Info().Msg("scenecast worker stopped")
	return nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger
}
