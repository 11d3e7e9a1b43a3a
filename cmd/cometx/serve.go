package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/cometx/internal/config"
	"github.com/jkaninda/cometx/internal/gateway"
	"github.com/jkaninda/cometx/internal/gateway/cli"
	"github.com/jkaninda/cometx/internal/gateway/httpapi"
	mcpgw "github.com/jkaninda/cometx/internal/gateway/mcp"
	"github.com/jkaninda/cometx/internal/ratelimit"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the configured gateways (HTTP API, MCP stdio, CLI)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080); enables the HTTP gateway")
}

// runServe starts every enabled gateway and blocks until a signal arrives
// or one of them fails.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.Enabled = true
		cfg.Gateways.HTTP.ListenAddr = servePort
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting in serve mode", slog.String("config", configPath))

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	gateways, err := buildGateways(cfg, sc)
	if err != nil {
		return err
	}
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway exit.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

// buildGateways creates all enabled gateways from config.
func buildGateways(cfg *config.Config, sc *SharedComponents) ([]gateway.Gateway, error) {
	var gws []gateway.Gateway
	gwCfg := cfg.Gateways

	// HTTP API gateway.
	if h := gwCfg.HTTP; h != nil && h.Enabled {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: h.RateLimit.RequestsPerMinute,
			BurstSize:         h.RateLimit.BurstSize,
		})

		apiKeys := h.APIKeyUserMapping
		if apiKeys == nil {
			apiKeys = make(map[string]string)
		}
		// COMETX_API_KEYS: comma-separated "key:user" pairs.
		if envKeys := os.Getenv("COMETX_API_KEYS"); envKeys != "" {
			for _, pair := range strings.Split(envKeys, ",") {
				key, user, ok := strings.Cut(strings.TrimSpace(pair), ":")
				if !ok || key == "" || user == "" {
					return nil, fmt.Errorf("COMETX_API_KEYS: invalid entry %q (want key:user)", pair)
				}
				apiKeys[key] = user
			}
		}

		httpCfg := httpapi.Config{
			ListenAddr:     h.Addr(),
			EnableDocs:     h.EnableDocs,
			APIKeys:        apiKeys,
			MaxRequestSize: h.MaxRequestSize(),
			WebSocket:      h.WebSocket,
			HealthChecker:  sc.Obs.HealthOrNil(),
			Metrics:        sc.Obs.MetricsOrNil(),
			Tracer:         httpTracer(sc),
		}
		if m := sc.Obs.MetricsOrNil(); m != nil {
			httpCfg.MetricsRegistry = m.Registry
			if o := cfg.Observability; o != nil && o.Metrics != nil {
				httpCfg.MetricsPath = o.Metrics.Path
			}
		}

		gws = append(gws, httpapi.NewGateway(httpCfg, sc.Executor, sc.Store, limiter, sc.Logger))
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "http"),
			slog.String("addr", h.Addr()),
			slog.Bool("auth", len(apiKeys) > 0),
			slog.Bool("websocket", h.WebSocket),
		)
	}

	// MCP stdio gateway.
	if m := gwCfg.MCP; m != nil && m.Enabled {
		mcpGW, err := mcpgw.NewGateway(sc.ToolReg, mcpgw.Options{
			Name:    m.ServerName(),
			Version: version,
		}, sc.Logger)
		if err != nil {
			return nil, fmt.Errorf("building mcp gateway: %w", err)
		}
		gws = append(gws, mcpGW)
		sc.Logger.Debug("gateway enabled", slog.String("type", "mcp"), slog.String("name", m.ServerName()))
	}

	// CLI gateway. Shares stdin with MCP, so only one of them may run.
	if c := gwCfg.CLI; c != nil && c.Enabled {
		if gwCfg.MCP != nil && gwCfg.MCP.Enabled {
			sc.Logger.Warn("cli gateway disabled: stdin is used by the mcp gateway")
		} else {
			gws = append(gws, cli.NewGateway(sc.Executor, cli.Options{
				Prompt: c.PromptText(),
				In:     os.Stdin,
				Out:    os.Stdout,
			}, sc.Logger))
			sc.Logger.Debug("gateway enabled", slog.String("type", "cli"))
		}
	}

	return gws, nil
}

// httpTracer returns the OTel tracer for the HTTP middleware, or nil when tracing is off.
func httpTracer(sc *SharedComponents) trace.Tracer {
	ts := sc.Obs.TracerOrNil()
	if ts == nil {
		return nil
	}
	return ts.Tracer()
}
