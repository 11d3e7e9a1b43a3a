// Package cli implements the interactive REPL gateway for cometx.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/cometx/internal/execution"
	"github.com/jkaninda/cometx/internal/history"
	"github.com/jkaninda/cometx/internal/tools"
	"github.com/jkaninda/cometx/internal/tools/code"
)

const (
	cliUserID     = "cli-user"
	defaultPrompt = "cometx> "
	historyLimit  = 100
	clearScreen   = "\033[H\033[2J"
)

const helpText = `Commands:
  help            show this help
  history         list inputs from this session
  clear           clear the screen
  :math <expr>    evaluate an expression
  exit, quit      leave the REPL

Anything else is executed as a JavaScript function body. Use "return" to
produce a value. Fenced code blocks, eval(...), "calculate:" and "compute:"
forms are detected first.`

// Options configures the REPL streams. Nil streams default to stdin/stdout.
type Options struct {
	Prompt string
	In     io.Reader
	Out    io.Writer
}

// Gateway is the interactive command-line interface.
type Gateway struct {
	executor execution.Executor
	prompt   string
	in       io.Reader
	out      io.Writer
	logger   *slog.Logger
	done     chan struct{} // closed by Stop to signal shutdown
	history  []string
}

// NewGateway creates a CLI gateway backed by the given executor.
func NewGateway(executor execution.Executor, opts Options, logger *slog.Logger) *Gateway {
	g := &Gateway{
		executor: executor,
		prompt:   opts.Prompt,
		in:       opts.In,
		out:      opts.Out,
		logger:   logger,
		done:     make(chan struct{}),
	}
	if g.prompt == "" {
		g.prompt = defaultPrompt
	}
	if g.in == nil {
		g.in = os.Stdin
	}
	if g.out == nil {
		g.out = os.Stdout
	}
	return g
}

// Start runs the interactive REPL. Blocks until ctx is cancelled,
// Stop is called, input ends, or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(g.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	fmt.Fprintln(g.out, "cometx: sandboxed JavaScript execution")
	fmt.Fprintln(g.out, `Type "help" for commands, "exit" to quit.`)
	fmt.Fprintln(g.out)

	for {
		fmt.Fprint(g.out, g.prompt)

		// Check for context cancellation or Stop signal between prompts.
		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "exit" || line == "quit":
			fmt.Fprintln(g.out, "Goodbye.")
			return nil
		case line == "help":
			fmt.Fprintln(g.out, helpText)
			continue
		case line == "clear":
			fmt.Fprint(g.out, clearScreen)
			continue
		case line == "history":
			g.printHistory()
			continue
		}

		g.remember(line)
		g.eval(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

func (g *Gateway) eval(ctx context.Context, line string) {
	correlationID := uuid.NewString()
	ctx = history.WithSource(ctx, "cli")
	ctx = history.WithCorrelationID(ctx, correlationID)
	ctx = tools.ContextWithUserID(ctx, cliUserID)

	g.logger.DebugContext(ctx, "cli request",
		slog.String("user_id", cliUserID),
		slog.String("correlation_id", correlationID),
	)

	var (
		res *execution.Result
		err error
	)
	if expr, ok := strings.CutPrefix(line, ":math"); ok {
		res, err = g.executor.ExecuteMath(ctx, strings.TrimSpace(expr))
	} else {
		snippet, detected := code.Detect(line)
		if !detected {
			snippet = line
		}
		res, err = g.executor.Execute(ctx, snippet, nil)
	}
	if err != nil {
		g.logger.ErrorContext(ctx, "execution failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		fmt.Fprintf(g.out, "Error: %v\n", err)
		return
	}
	g.printResult(res)
}

func (g *Gateway) printResult(res *execution.Result) {
	for _, l := range res.Logs {
		fmt.Fprintln(g.out, l)
	}
	if res.Success {
		fmt.Fprintf(g.out, "=> %s\n", renderValue(res.Result))
	} else {
		fmt.Fprintf(g.out, "Error: %s\n", res.Error)
	}
	fmt.Fprintf(g.out, "(%s)\n", code.FormatExecutionTime(res.ExecutionTimeMs))
}

func (g *Gateway) remember(line string) {
	g.history = append(g.history, line)
	if len(g.history) > historyLimit {
		g.history = g.history[len(g.history)-historyLimit:]
	}
}

func (g *Gateway) printHistory() {
	if len(g.history) == 0 {
		fmt.Fprintln(g.out, "No history.")
		return
	}
	for i, h := range g.history {
		fmt.Fprintf(g.out, "%3d  %s\n", i+1, h)
	}
}

func renderValue(v any) string {
	if v == nil {
		return "undefined"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
