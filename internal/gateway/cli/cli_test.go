package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/cometx/internal/execution"
	"github.com/jkaninda/cometx/internal/history"
	"github.com/jkaninda/cometx/internal/tools"
)

type recordingExecutor struct {
	codes   []string
	exprs   []string
	sources []string
	users   []string
	result  *execution.Result
}

func (r *recordingExecutor) Execute(ctx context.Context, code string, _ map[string]any) (*execution.Result, error) {
	r.codes = append(r.codes, code)
	r.sources = append(r.sources, history.SourceFromContext(ctx))
	r.users = append(r.users, tools.UserIDFromContext(ctx))
	return r.result, nil
}

func (r *recordingExecutor) ExecuteMath(_ context.Context, expression string) (*execution.Result, error) {
	r.exprs = append(r.exprs, expression)
	return r.result, nil
}

func runREPL(t *testing.T, exec *recordingExecutor, input string) string {
	t.Helper()
	var out bytes.Buffer
	g := NewGateway(exec, Options{In: strings.NewReader(input), Out: &out}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return out.String()
}

func TestREPLExecutesRawCode(t *testing.T) {
	exec := &recordingExecutor{result: &execution.Result{Success: true, Result: float64(4), Logs: []string{"LOG: hi"}, ExecutionTimeMs: 1.5}}
	out := runREPL(t, exec, "console.log('hi'); return 2 + 2;\nexit\n")

	if len(exec.codes) != 1 || exec.codes[0] != "console.log('hi'); return 2 + 2;" {
		t.Fatalf("codes = %v", exec.codes)
	}
	if exec.sources[0] != "cli" || exec.users[0] != cliUserID {
		t.Errorf("context tags = %v %v", exec.sources, exec.users)
	}
	for _, want := range []string{"cometx> ", "LOG: hi", "=> 4", "(1.50ms)", "Goodbye."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestREPLDetectsExpressions(t *testing.T) {
	exec := &recordingExecutor{result: &execution.Result{Success: true, Result: float64(4), Logs: []string{}}}
	runREPL(t, exec, "calculate: 2 + 2\n")

	if len(exec.codes) != 1 || exec.codes[0] != "return 2 + 2;" {
		t.Errorf("codes = %v", exec.codes)
	}
}

func TestREPLMathCommand(t *testing.T) {
	exec := &recordingExecutor{result: &execution.Result{Success: true, Result: float64(3), Logs: []string{}}}
	runREPL(t, exec, ":math 1 + 2\n")

	if len(exec.exprs) != 1 || exec.exprs[0] != "1 + 2" {
		t.Errorf("exprs = %v", exec.exprs)
	}
}

func TestREPLPrintsErrors(t *testing.T) {
	exec := &recordingExecutor{result: &execution.Result{Error: "Execution timeout (5 seconds)", TimedOut: true, Logs: []string{}, ExecutionTimeMs: 5000}}
	out := runREPL(t, exec, "while(true){}\n")

	if !strings.Contains(out, "Error: Execution timeout (5 seconds)") || !strings.Contains(out, "(5.00s)") {
		t.Errorf("output:\n%s", out)
	}
}

func TestREPLBuiltins(t *testing.T) {
	exec := &recordingExecutor{result: &execution.Result{Success: true, Logs: []string{}}}
	out := runREPL(t, exec, "help\nhistory\nreturn 1;\nreturn 2;\nhistory\nclear\nquit\n")

	if !strings.Contains(out, ":math <expr>") {
		t.Error("help text not printed")
	}
	if !strings.Contains(out, "No history.") {
		t.Error("empty history not reported")
	}
	if !strings.Contains(out, "  1  return 1;") || !strings.Contains(out, "  2  return 2;") {
		t.Errorf("history not listed:\n%s", out)
	}
	if !strings.Contains(out, clearScreen) {
		t.Error("clear did not emit the clear sequence")
	}
	if len(exec.codes) != 2 {
		t.Errorf("builtins must not execute: codes = %v", exec.codes)
	}
	if !strings.Contains(out, "=> undefined") {
		t.Error("nil result should render as undefined")
	}
}

func TestREPLStop(t *testing.T) {
	exec := &recordingExecutor{}
	var out bytes.Buffer
	g := NewGateway(exec, Options{In: strings.NewReader("return 1;\n"), Out: &out}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_ = g.Stop(context.Background())
	_ = g.Stop(context.Background()) // idempotent

	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(exec.codes) != 0 || !strings.Contains(out.String(), "Shutting down.") {
		t.Errorf("stopped gateway should exit before reading input")
	}
}
