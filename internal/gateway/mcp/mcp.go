// Package mcp exposes the tool registry as an MCP (Model Context Protocol)
// server over stdio, so assistants can call code_exec and math_eval directly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/cometx/internal/history"
	"github.com/jkaninda/cometx/internal/tools"
)

// mcpUserID attributes MCP calls in history; stdio has a single client.
const mcpUserID = "mcp-client"

// Options configures the stdio transport. Zero values use os.Stdin/os.Stdout.
type Options struct {
	Name    string
	Version string
	In      io.Reader
	Out     io.Writer
}

// Gateway serves registered tools to one MCP client.
type Gateway struct {
	server *server.MCPServer
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewGateway builds an MCP server with one MCP tool per registry entry.
func NewGateway(registry *tools.Registry, opts Options, logger *slog.Logger) (*Gateway, error) {
	if opts.Name == "" {
		opts.Name = "cometx"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	g := &Gateway{
		server: server.NewMCPServer(opts.Name, opts.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		opts:   opts,
		logger: logger,
	}

	for _, t := range registry.All() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("encoding schema for %s: %w", t.Name(), err)
		}
		g.server.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), g.handler(t))
	}
	return g, nil
}

// Server returns the underlying MCP server.
func (g *Gateway) Server() *server.MCPServer {
	return g.server
}

// handler adapts a tools.Tool to an MCP tool handler. Validation and
// execution failures are returned as tool errors so the client sees them.
func (g *Gateway) handler(t tools.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := req.GetArguments()
		if params == nil {
			params = map[string]any{}
		}
		if err := t.Validate(params); err != nil {
			return mcp.NewToolResultError("invalid parameters: " + err.Error()), nil
		}

		ctx = history.WithSource(ctx, "mcp")
		ctx = tools.ContextWithUserID(ctx, mcpUserID)

		res, err := t.Execute(ctx, params)
		if err != nil {
			g.logger.ErrorContext(ctx, "mcp tool failed",
				slog.String("tool", t.Name()),
				slog.String("error", err.Error()),
			)
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !res.Success {
			return mcp.NewToolResultError(res.Output), nil
		}
		return mcp.NewToolResultText(res.Output), nil
	}
}

// Start serves MCP over stdio until ctx is canceled or the input closes.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	stdio := server.NewStdioServer(g.server)
	stdio.SetErrorLogger(slog.NewLogLogger(g.logger.Handler(), slog.LevelError))

	g.logger.Info("mcp gateway starting", slog.String("name", g.opts.Name))
	err := stdio.Listen(ctx, g.opts.In, g.opts.Out)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop ends the stdio session.
func (g *Gateway) Stop(_ context.Context) error {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	g.logger.Info("mcp gateway stopped")
	return nil
}
