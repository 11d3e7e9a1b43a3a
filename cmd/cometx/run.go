package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/cometx/internal/execution"
	"github.com/jkaninda/cometx/internal/history"
	"github.com/jkaninda/cometx/internal/tools"
	"github.com/jkaninda/cometx/internal/tools/code"
)

var (
	runEval    string
	runMath    string
	runContext []string
	runJSON    bool
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Execute a snippet once and print the result",
	Long: `Execute a JavaScript snippet once. The snippet is taken from -e, from the
given file, or from stdin when neither is set ("-" also reads stdin).
Snippets are function bodies: use "return" to produce a value.`,
	Example: `  cometx run -e 'return 6 * 7;'
  cometx run --math 'Math.sqrt(2) * 10'
  cometx run script.js --context n=10 --context name='"ada"'
  echo 'console.log("hi"); return 1;' | cometx run --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVarP(&runEval, "eval", "e", "", "code to execute")
	runCmd.Flags().StringVar(&runMath, "math", "", "expression to evaluate")
	runCmd.Flags().StringArrayVar(&runContext, "context", nil, "context variable as key=value (value parsed as JSON, else string)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full result as JSON")
}

// exitError ends the process with a status code and no extra output.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func runOnce(cmd *cobra.Command, args []string) error {
	if runEval != "" && runMath != "" {
		return errors.New("-e and --math are mutually exclusive")
	}
	if runMath != "" && len(runContext) > 0 {
		return errors.New("--context cannot be used with --math")
	}

	vars, err := parseContext(runContext)
	if err != nil {
		return err
	}

	source := runEval
	if runMath == "" && source == "" {
		source, err = readSource(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
	}

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

	ctx = history.WithSource(ctx, "run")
	ctx = tools.ContextWithUserID(ctx, "cli-user")

	var res *execution.Result
	if runMath != "" {
		res, err = sc.Executor.ExecuteMath(ctx, runMath)
	} else {
		res, err = sc.Executor.Execute(ctx, source, vars)
	}
	if err != nil {
		return err
	}

	if err := printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res, runJSON); err != nil {
		return err
	}
	if !res.Success {
		return &exitError{code: 1}
	}
	return nil
}

// readSource loads the snippet from a file argument or stdin.
func readSource(args []string, stdin io.Reader) (string, error) {
	var data []byte
	var err error
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", fmt.Errorf("reading snippet: %w", err)
	}
	src := strings.TrimSpace(string(data))
	if src == "" {
		return "", errors.New("no code given: use -e, a file argument or stdin")
	}
	return src, nil
}

// parseContext turns key=value pairs into a context map. Values that parse
// as JSON keep their type; anything else is a string.
func parseContext(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --context %q (want key=value)", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		vars[key] = v
	}
	return vars, nil
}

// printResult writes logs and the value to stdout, or the whole result as JSON.
// Errors go to stderr in text mode.
func printResult(stdout, stderr io.Writer, res *execution.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	for _, line := range res.Logs {
		fmt.Fprintln(stdout, line)
	}
	if !res.Success {
		fmt.Fprintf(stderr, "Error: %s\n", res.Error)
		return nil
	}
	if res.Result == nil {
		fmt.Fprintln(stdout, "undefined")
		return nil
	}
	data, err := json.Marshal(res.Result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Fprintln(stdout, string(data))
	fmt.Fprintf(stderr, "(%s)\n", code.FormatExecutionTime(res.ExecutionTimeMs))
	return nil
}
