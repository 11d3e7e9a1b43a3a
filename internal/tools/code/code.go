// Package code implements the code execution tools.
//
// Isolation:
//   - All code runs through an execution.Executor into a sandbox environment
//   - Only allow-listed built-ins are reachable from the snippet
//   - Every execution is bounded by the controller timeout
//   - Output truncated to prevent OOM
package code

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/cometx/internal/execution"
	"github.com/jkaninda/cometx/internal/tools"
)

// ExecTool runs JavaScript snippets.
type ExecTool struct {
	executor execution.Executor
	logger   *slog.Logger
}

// NewExecTool creates the code_exec tool.
func NewExecTool(executor execution.Executor, logger *slog.Logger) *ExecTool {
	return &ExecTool{executor: executor, logger: logger}
}

func (t *ExecTool) Name() string { return "code_exec" }
func (t *ExecTool) Description() string {
	return "Execute a JavaScript snippet in a restricted sandbox. Use `return` to produce a value; console.log output is captured."
}
func (t *ExecTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code":    map[string]any{"type": "string", "description": "JavaScript function body to execute, e.g. \"return 2 + 2;\""},
			"context": map[string]any{"type": "object", "description": "Optional variables injected into the snippet scope"},
		},
		"required": []string{"code"},
	}
}

func (t *ExecTool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "code"); err != nil {
		return err
	}
	if _, err := tools.OptionalObject(params, "context"); err != nil {
		return err
	}
	return nil
}

// Execute runs the snippet.
//
// Required params:
//
//	"code" (string): the function body to execute
//
// Optional params:
//
//	"context" (object): names merged into the snippet scope
func (t *ExecTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	code, _ := tools.RequireString(params, "code")
	vars, _ := tools.OptionalObject(params, "context")

	t.logger.InfoContext(ctx, "code_exec executing",
		slog.Int("code_size", len(code)),
		slog.Int("context_keys", len(vars)),
	)

	res, err := t.executor.Execute(ctx, code, vars)
	if err != nil {
		return nil, fmt.Errorf("execution: %w", err)
	}
	return toToolResult(res), nil
}

// MathTool evaluates a single expression.
type MathTool struct {
	executor execution.Executor
	logger   *slog.Logger
}

// NewMathTool creates the math_eval tool.
func NewMathTool(executor execution.Executor, logger *slog.Logger) *MathTool {
	return &MathTool{executor: executor, logger: logger}
}

func (t *MathTool) Name() string { return "math_eval" }
func (t *MathTool) Description() string {
	return "Evaluate a JavaScript expression such as \"Math.sqrt(2) * 10\" and return its value."
}
func (t *MathTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{"type": "string", "description": "Expression to evaluate"},
		},
		"required": []string{"expression"},
	}
}

func (t *MathTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "expression")
	return err
}

func (t *MathTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	expr, _ := tools.RequireString(params, "expression")

	t.logger.InfoContext(ctx, "math_eval executing", slog.Int("expression_size", len(expr)))

	res, err := t.executor.ExecuteMath(ctx, expr)
	if err != nil {
		return nil, fmt.Errorf("execution: %w", err)
	}
	return toToolResult(res), nil
}

func toToolResult(res *execution.Result) *tools.Result {
	meta := map[string]any{
		"execution_time_ms": res.ExecutionTimeMs,
		"logs":              len(res.Logs),
	}
	if res.TimedOut {
		meta["timed_out"] = true
	}
	return &tools.Result{
		Output:   tools.TruncateOutput(FormatForPrompt(res), tools.MaxOutputBytes),
		Success:  res.Success,
		Metadata: meta,
	}
}

var (
	_ tools.Tool = (*ExecTool)(nil)
	_ tools.Tool = (*MathTool)(nil)
)
