package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/cometx/internal/execution"
	"github.com/jkaninda/cometx/internal/history"
	"github.com/jkaninda/cometx/internal/storage"
	"github.com/jkaninda/cometx/internal/tools"
	"github.com/jkaninda/cometx/internal/tools/code"
)

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Code    string         `json:"code"`
	Context map[string]any `json:"context,omitempty"`
}

// MathRequest is the JSON body for POST /v1/math.
type MathRequest struct {
	Expression string `json:"expression"`
}

// DetectRequest is the JSON body for POST /v1/detect.
type DetectRequest struct {
	Message string `json:"message"`
}

// ExecuteResponse wraps an execution result with its history and correlation IDs.
type ExecuteResponse struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlation_id"`
	*execution.Result
}

// DetectResponse reports whether the message contained code and, if so,
// the outcome of running it.
type DetectResponse struct {
	Detected  bool             `json:"detected"`
	Code      string           `json:"code,omitempty"`
	Prompt    string           `json:"prompt,omitempty"` // Result block for a conversation layer.
	Execution *ExecuteResponse `json:"execution,omitempty"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	userID := c.GetString(userIDKey)
	if !g.allow(userID, "http") {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Code == "" {
		return c.AbortBadRequest("code is required")
	}

	resp, err := g.run(c.Context(), userID, func(ctx context.Context) (*execution.Result, error) {
		return g.executor.Execute(ctx, req.Code, req.Context)
	})
	if err != nil {
		return g.executionError(c, err)
	}
	return c.OK(resp)
}

func (g *Gateway) handleMath(c *okapi.Context) error {
	userID := c.GetString(userIDKey)
	if !g.allow(userID, "http") {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req MathRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Expression == "" {
		return c.AbortBadRequest("expression is required")
	}

	resp, err := g.run(c.Context(), userID, func(ctx context.Context) (*execution.Result, error) {
		return g.executor.ExecuteMath(ctx, req.Expression)
	})
	if err != nil {
		return g.executionError(c, err)
	}
	return c.OK(resp)
}

func (g *Gateway) handleDetect(c *okapi.Context) error {
	userID := c.GetString(userIDKey)
	if !g.allow(userID, "http") {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req DetectRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Message == "" {
		return c.AbortBadRequest("message is required")
	}

	snippet, ok := code.Detect(req.Message)
	if !ok {
		return c.OK(DetectResponse{Detected: false})
	}

	resp, err := g.run(c.Context(), userID, func(ctx context.Context) (*execution.Result, error) {
		return g.executor.Execute(ctx, snippet, nil)
	})
	if err != nil {
		return g.executionError(c, err)
	}
	return c.OK(DetectResponse{
		Detected:  true,
		Code:      snippet,
		Prompt:    code.FormatForPrompt(resp.Result),
		Execution: resp,
	})
}

// run tags ctx with the caller and a fresh execution ID, then executes.
func (g *Gateway) run(ctx context.Context, userID string, exec func(context.Context) (*execution.Result, error)) (*ExecuteResponse, error) {
	id := uuid.NewString()
	correlationID := history.CorrelationIDFromContext(ctx)
	ctx = history.WithExecutionID(ctx, id)
	ctx = tools.ContextWithUserID(ctx, userID)

	res, err := exec(ctx)
	if err != nil {
		g.logger.ErrorContext(ctx, "execution failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	g.logger.InfoContext(ctx, "http execution",
		slog.String("user_id", userID),
		slog.String("execution_id", id),
		slog.String("correlation_id", correlationID),
		slog.Bool("success", res.Success),
		slog.Float64("execution_time_ms", res.ExecutionTimeMs),
	)
	return &ExecuteResponse{ID: id, CorrelationID: correlationID, Result: res}, nil
}

func (g *Gateway) executionError(c *okapi.Context, err error) error {
	var initErr *execution.InitializationError
	switch {
	case errors.Is(err, execution.ErrNotInitialized), errors.As(err, &initErr):
		return c.AbortServiceUnavailable("execution environment unavailable")
	default:
		return c.AbortInternalServerError("execution failed")
	}
}

// --- History Handlers ---

// ExecutionListResponse is the JSON response for GET /v1/executions.
type ExecutionListResponse struct {
	Executions []*storage.ExecutionRecord `json:"executions"`
	Limit      int                        `json:"limit"`
	Offset     int                        `json:"offset"`
}

func (g *Gateway) handleExecutionList(c *okapi.Context) error {
	filter, err := g.listFilter(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	records, err := g.store.List(c.Context(), filter)
	if err != nil {
		g.logger.Error("listing executions failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing executions failed")
	}
	return c.OK(ExecutionListResponse{
		Executions: records,
		Limit:      filter.PageSize(),
		Offset:     filter.Offset,
	})
}

func (g *Gateway) handleExecutionStats(c *okapi.Context) error {
	filter, err := g.listFilter(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	stats, err := g.store.Stats(c.Context(), filter)
	if err != nil {
		g.logger.Error("aggregating executions failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("aggregating executions failed")
	}
	return c.OK(stats)
}

func (g *Gateway) handleExecutionGet(c *okapi.Context) error {
	userID := c.GetString(userIDKey)

	rec, err := g.store.Get(c.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "execution not found"})
	}
	if err != nil {
		g.logger.Error("getting execution failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("getting execution failed")
	}
	// Authenticated callers only see their own records.
	if g.authEnabled() && rec.UserID != userID {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "execution not found"})
	}
	return c.OK(rec)
}

func (g *Gateway) authEnabled() bool {
	return len(g.config.APIKeys) > 0
}

// listFilter parses source, success, timed_out, since, limit and offset
// query parameters. With authentication on, results are scoped to the caller.
func (g *Gateway) listFilter(c *okapi.Context) (storage.ListFilter, error) {
	q := c.Request().URL.Query()
	filter := storage.ListFilter{Source: q.Get("source")}
	if g.authEnabled() {
		filter.UserID = c.GetString(userIDKey)
	}

	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("success must be true or false")
		}
		filter.Success = &b
	}
	if v := q.Get("timed_out"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("timed_out must be true or false")
		}
		filter.TimedOut = &b
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("since must be an RFC 3339 timestamp")
		}
		filter.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	return filter, nil
}
