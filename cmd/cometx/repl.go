package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/cometx/internal/gateway/cli"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start the interactive REPL",
	RunE:  runRepl,
}

func runRepl(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	gw := cli.NewGateway(sc.Executor, cli.Options{
		Prompt: cfg.Gateways.CLI.PromptText(),
		In:     os.Stdin,
		Out:    os.Stdout,
	}, logger)
	defer func() { _ = gw.Stop(context.Background()) }()
	return gw.Start(ctx)
}
