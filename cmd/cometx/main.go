// cometx runs JavaScript snippets in an isolated, time-bounded sandbox and
// exposes that capability over a REPL, an HTTP API and an MCP server.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/cometx/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cometx",
	Short: "Sandboxed JavaScript execution for assistants and services.",
	Long: `cometx evaluates untrusted JavaScript snippets in a restricted environment.
Each execution gets a fresh scope with an allow-listed set of built-ins,
captured console output and a hard timeout. Results are returned as data,
never as crashes of the host.`,
	RunE:          runRepl, // Default to the interactive REPL.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.AddCommand(serveCmd, runCmd, replCmd, workerCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
