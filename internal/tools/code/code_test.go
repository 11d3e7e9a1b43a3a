package code

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/cometx/internal/execution"
)

// fakeExecutor records calls and returns a canned result.
type fakeExecutor struct {
	code   string
	vars   map[string]any
	expr   string
	result *execution.Result
}

func (f *fakeExecutor) Execute(_ context.Context, code string, vars map[string]any) (*execution.Result, error) {
	f.code = code
	f.vars = vars
	return f.result, nil
}

func (f *fakeExecutor) ExecuteMath(_ context.Context, expression string) (*execution.Result, error) {
	f.expr = expression
	return f.result, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDetect(t *testing.T) {
	cases := []struct {
		msg    string
		want   string
		wantOK bool
	}{
		{"run this ```js\nreturn 1 + 1;\n``` please", "return 1 + 1;", true},
		{"```javascript\nconsole.log('x');\n```", "console.log('x');", true},
		{"```\nreturn 3;```", "return 3;", true},
		{"what is eval(6 * 7) anyway", "return 6 * 7;", true},
		{"Calculate: 2 + 2", "return 2 + 2;", true},
		{"please compute 10 / 4;", "return 10 / 4;", true},
		{"```js\n```", "", false},
		{"hello there", "", false},
	}
	for _, tc := range cases {
		got, ok := Detect(tc.msg)
		if ok != tc.wantOK || got != tc.want {
			t.Errorf("Detect(%q) = %q, %v; want %q, %v", tc.msg, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestDetectPriority(t *testing.T) {
	got, ok := Detect("calculate: 1 + 1\n```js\nreturn 'block';\n```")
	if !ok || got != "return 'block';" {
		t.Errorf("Detect = %q, want fenced block to win", got)
	}
}

func TestFormatForPrompt(t *testing.T) {
	ok := FormatForPrompt(&execution.Result{Success: true, Result: map[string]any{"a": float64(1)}, Logs: []string{"LOG: x", "WARN: y"}})
	want := "Code execution result:\nResult: {\"a\":1}\nLogs:\nLOG: x\nWARN: y"
	if ok != want {
		t.Errorf("FormatForPrompt success =\n%q\nwant\n%q", ok, want)
	}

	failed := FormatForPrompt(&execution.Result{Error: "boom", Logs: []string{}})
	if failed != "Code execution result:\nError: boom\n" {
		t.Errorf("FormatForPrompt failure = %q", failed)
	}

	undef := FormatForPrompt(&execution.Result{Success: true, Logs: []string{}})
	if !strings.Contains(undef, "Result: undefined") {
		t.Errorf("FormatForPrompt undefined = %q", undef)
	}
}

func TestFormatExecutionTime(t *testing.T) {
	if got := FormatExecutionTime(12.5); got != "12.50ms" {
		t.Errorf("FormatExecutionTime(12.5) = %q", got)
	}
	if got := FormatExecutionTime(1500); got != "1.50s" {
		t.Errorf("FormatExecutionTime(1500) = %q", got)
	}
}

func TestExecToolValidate(t *testing.T) {
	tool := NewExecTool(&fakeExecutor{}, testLogger())
	if err := tool.Validate(map[string]any{}); err == nil {
		t.Error("missing code should fail validation")
	}
	if err := tool.Validate(map[string]any{"code": 1}); err == nil {
		t.Error("non-string code should fail validation")
	}
	if err := tool.Validate(map[string]any{"code": "return 1;", "context": "x"}); err == nil {
		t.Error("non-object context should fail validation")
	}
	if err := tool.Validate(map[string]any{"code": "return 1;", "context": map[string]any{"a": 1}}); err != nil {
		t.Errorf("valid params: %v", err)
	}
}

func TestExecToolExecute(t *testing.T) {
	exec := &fakeExecutor{result: &execution.Result{Success: true, Result: float64(4), Logs: []string{}, ExecutionTimeMs: 1.5}}
	tool := NewExecTool(exec, testLogger())

	res, err := tool.Execute(context.Background(), map[string]any{
		"code":    "return a + 2;",
		"context": map[string]any{"a": float64(2)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if exec.code != "return a + 2;" || exec.vars["a"] != float64(2) {
		t.Errorf("executor got code=%q vars=%v", exec.code, exec.vars)
	}
	if !res.Success || !strings.Contains(res.Output, "Result: 4") {
		t.Errorf("result = %+v", res)
	}
	if res.Metadata["execution_time_ms"] != 1.5 {
		t.Errorf("metadata = %v", res.Metadata)
	}
}

func TestMathTool(t *testing.T) {
	exec := &fakeExecutor{result: &execution.Result{Success: false, Error: "Execution timeout (5 seconds)", TimedOut: true, Logs: []string{}}}
	tool := NewMathTool(exec, testLogger())
	if tool.Name() != "math_eval" {
		t.Errorf("Name() = %q", tool.Name())
	}
	if err := tool.Validate(map[string]any{"expression": ""}); err == nil {
		t.Error("empty expression should fail validation")
	}

	res, err := tool.Execute(context.Background(), map[string]any{"expression": "1 + 1"})
	if err != nil {
		t.Fatal(err)
	}
	if exec.expr != "1 + 1" {
		t.Errorf("expression = %q", exec.expr)
	}
	if res.Success || res.Metadata["timed_out"] != true {
		t.Errorf("result = %+v", res)
	}
}
