// Package httpapi implements the HTTP API gateway for cometx.
//
// Security:
//   - Optional API key authentication (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/cometx/internal/execution"
	"github.com/jkaninda/cometx/internal/history"
	"github.com/jkaninda/cometx/internal/observability"
	"github.com/jkaninda/cometx/internal/ratelimit"
	"github.com/jkaninda/cometx/internal/storage"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	anonymousUserID       = "anonymous"
	userIDKey             = "userID"

	// CorrelationHeader carries the request correlation ID in both directions.
	CorrelationHeader = "X-Correlation-ID"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key to user ID. Empty = authentication disabled.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	WebSocket      bool              // Mount the /v1/ws streaming endpoint.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	executor execution.Executor
	store    storage.ExecutionStore // nil = history endpoints disabled.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	okapi    *okapi.Okapi
	group    *okapi.Group

	mu     sync.Mutex
	server *http.Server
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, executor execution.Executor, store storage.ExecutionStore, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		executor: executor,
		store:    store,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.maxRequestSize())),
	}
}

// WithOpenAPIDocs serves generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "cometx",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.okapi.UseMiddleware(g.requestContext)

	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.routes()

	server := &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	g.mu.Lock()
	g.server = server
	g.mu.Unlock()

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	if err := g.okapi.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	g.mu.Lock()
	server := g.server
	g.mu.Unlock()
	if server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(server)
}

func (g *Gateway) routes() {
	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Execute a JavaScript snippet"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Post("/math", g.handleMath,
		okapi.DocSummary("Evaluate a JavaScript expression"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(MathRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/detect", g.handleDetect,
		okapi.DocSummary("Detect code in a message and run it"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(DetectRequest{}),
		okapi.DocResponse(DetectResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	if g.store != nil {
		// Registered before /executions/{id} so "stats" is not taken as an ID.
		g.group.Get("/executions/stats", g.handleExecutionStats,
			okapi.DocSummary("Aggregate execution history"),
			okapi.DocTags("History"),
			okapi.DocResponse(storage.ExecutionStats{}),
		)
		g.group.Get("/executions", g.handleExecutionList,
			okapi.DocSummary("List recent executions"),
			okapi.DocTags("History"),
			okapi.DocResponse([]storage.ExecutionRecord{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Get("/executions/{id}", g.handleExecutionGet,
			okapi.DocSummary("Get an execution by ID"),
			okapi.DocTags("History"),
			okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
			okapi.DocResponse(storage.ExecutionRecord{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	if g.config.WebSocket {
		g.okapi.HandleStd("GET", "/v1/ws", g.handleWebSocket)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// --- Middleware ---

// requestContext caps the body size and attaches a correlation ID, taken
// from the request header when present, to both ctx and the response.
func (g *Gateway) requestContext(next http.Handler) http.Handler {
	limit := g.config.maxRequestSize()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(CorrelationHeader)
		if correlationID == "" || len(correlationID) > 128 {
			correlationID = uuid.NewString()
		}
		w.Header().Set(CorrelationHeader, correlationID)

		ctx := history.WithCorrelationID(r.Context(), correlationID)
		ctx = history.WithSource(ctx, "http")
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate validates the API key and stores the mapped user ID.
// When no keys are configured every caller is "anonymous".
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set(userIDKey, anonymousUserID)
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		userID := g.lookupKey(strings.TrimPrefix(authHeader, "Bearer "))
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set(userIDKey, userID)
		return next(c)
	}
}

// lookupKey returns the user mapped to apiKey, or "". Every key is compared
// so the loop takes the same time whether or not a match is found.
func (g *Gateway) lookupKey(apiKey string) string {
	userID := ""
	for key, user := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = user
		}
	}
	return userID
}

// allow applies the per-user rate limit.
func (g *Gateway) allow(userID, gateway string) bool {
	if g.limiter == nil {
		return true
	}
	if err := g.limiter.Allow(userID); err != nil {
		g.config.Metrics.RecordRateLimited(gateway)
		return false
	}
	return true
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
