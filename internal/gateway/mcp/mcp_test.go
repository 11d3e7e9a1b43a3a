package mcp

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/cometx/internal/execution"
	"github.com/jkaninda/cometx/internal/history"
	"github.com/jkaninda/cometx/internal/tools"
	"github.com/jkaninda/cometx/internal/tools/code"
)

type fakeExecutor struct {
	source string
	userID string
	code   string
	res    *execution.Result
}

func (f *fakeExecutor) Execute(ctx context.Context, src string, _ map[string]any) (*execution.Result, error) {
	f.source = history.SourceFromContext(ctx)
	f.userID = tools.UserIDFromContext(ctx)
	f.code = src
	return f.res, nil
}

func (f *fakeExecutor) ExecuteMath(ctx context.Context, expr string) (*execution.Result, error) {
	return f.Execute(ctx, execution.MathCode(expr), nil)
}

func newTestGateway(t *testing.T, exec execution.Executor) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := tools.NewRegistry()
	registry.Register(code.NewExecTool(exec, logger))
	registry.Register(code.NewMathTool(exec, logger))

	g, err := NewGateway(registry, Options{Name: "cometx-test", Version: "test"}, logger)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func connect(t *testing.T, g *Gateway) *client.Client {
	t.Helper()
	ctx := context.Background()
	c, err := client.NewInProcessClient(g.Server())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "0.0.1"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		t.Fatal(err)
	}
	return c
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func TestListTools(t *testing.T) {
	c := connect(t, newTestGateway(t, &fakeExecutor{}))

	list, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range list.Tools {
		names[tool.Name] = true
	}
	if !names["code_exec"] || !names["math_eval"] || len(names) != 2 {
		t.Errorf("tools = %v", names)
	}
}

func TestCallCodeExec(t *testing.T) {
	exec := &fakeExecutor{res: &execution.Result{Success: true, Result: float64(4), Logs: []string{"LOG: hi"}}}
	c := connect(t, newTestGateway(t, exec))

	req := mcp.CallToolRequest{}
	req.Params.Name = "code_exec"
	req.Params.Arguments = map[string]any{"code": "console.log('hi'); return 2 + 2;"}
	res, err := c.CallTool(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", textOf(t, res))
	}
	out := textOf(t, res)
	if !strings.Contains(out, "Result: 4") || !strings.Contains(out, "LOG: hi") {
		t.Errorf("output = %q", out)
	}
	if exec.source != "mcp" || exec.userID != mcpUserID {
		t.Errorf("source = %q, user = %q", exec.source, exec.userID)
	}
}

func TestCallMathEval(t *testing.T) {
	exec := &fakeExecutor{res: &execution.Result{Success: true, Result: float64(42), Logs: []string{}}}
	c := connect(t, newTestGateway(t, exec))

	req := mcp.CallToolRequest{}
	req.Params.Name = "math_eval"
	req.Params.Arguments = map[string]any{"expression": "6 * 7"}
	res, err := c.CallTool(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || exec.code != "return 6 * 7;" {
		t.Errorf("isError = %v, code = %q", res.IsError, exec.code)
	}
}

func TestCallToolErrors(t *testing.T) {
	exec := &fakeExecutor{res: &execution.Result{Success: false, Error: "SyntaxError: Unexpected token", Logs: []string{}}}
	c := connect(t, newTestGateway(t, exec))

	req := mcp.CallToolRequest{}
	req.Params.Name = "code_exec"
	req.Params.Arguments = map[string]any{}
	res, err := c.CallTool(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(textOf(t, res), "invalid parameters") {
		t.Errorf("missing code: isError = %v, text = %q", res.IsError, textOf(t, res))
	}

	req.Params.Arguments = map[string]any{"code": "return ("}
	res, err = c.CallTool(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(textOf(t, res), "SyntaxError") {
		t.Errorf("code failure: isError = %v, text = %q", res.IsError, textOf(t, res))
	}
}

func TestStopBeforeStart(t *testing.T) {
	g := newTestGateway(t, &fakeExecutor{})
	if err := g.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}
