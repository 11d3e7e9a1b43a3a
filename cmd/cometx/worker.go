package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/cometx/internal/config"
	"github.com/jkaninda/cometx/internal/sandbox"
)

// workerCmd is the child side of the process sandbox. It reads requests on
// stdin and writes responses on stdout; logs go to stderr.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a sandbox worker on stdin/stdout",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func runWorker(_ *cobra.Command, _ []string) error {
	logger := newLogger(config.LoggingConfig{
		Level:  os.Getenv(envLogLevel),
		Format: "text",
	}, os.Stderr)

	cfg, err := workerConfigFromEnv()
	if err != nil {
		return err
	}

	// The parent kills the process group on recycle; SIGTERM is a clean stop.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	return sandbox.Serve(ctx, os.Stdin, os.Stdout, sandbox.NewEvaluator(cfg, logger), logger)
}
