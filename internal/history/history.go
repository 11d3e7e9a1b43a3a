// Package history records every completed execution to an ExecutionStore.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/cometx/internal/execution"
	"github.com/jkaninda/cometx/internal/storage"
	"github.com/jkaninda/cometx/internal/tools"
)

type contextKey int

const (
	sourceKey contextKey = iota
	correlationKey
	executionIDKey
)

// WithSource tags ctx with the gateway that issued the execution ("http", "mcp", ...).
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey, source)
}

// SourceFromContext returns the source tag, or "" if not set.
func SourceFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey).(string)
	return s
}

// WithCorrelationID attaches a request correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationIDFromContext returns the correlation ID, or "" if not set.
func CorrelationIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(correlationKey).(string)
	return s
}

// WithExecutionID fixes the ID the next record is saved under, so a gateway
// can return it to the caller before the record exists.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// ExecutionIDFromContext returns the preassigned record ID, or "".
func ExecutionIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(executionIDKey).(string)
	return s
}

// Recorder wraps an Executor and saves a record after each completed execution.
// Store failures are logged and never change the execution result.
type Recorder struct {
	inner       execution.Executor
	store       storage.ExecutionStore
	environment string
	logger      *slog.Logger
}

// NewRecorder creates a Recorder. environment labels every record.
func NewRecorder(inner execution.Executor, store storage.ExecutionStore, environment string, logger *slog.Logger) *Recorder {
	return &Recorder{inner: inner, store: store, environment: environment, logger: logger}
}

func (r *Recorder) Execute(ctx context.Context, code string, vars map[string]any) (*execution.Result, error) {
	res, err := r.inner.Execute(ctx, code, vars)
	if err == nil && res != nil {
		r.record(ctx, storage.ModeCode, code, vars, res)
	}
	return res, err
}

func (r *Recorder) ExecuteMath(ctx context.Context, expression string) (*execution.Result, error) {
	res, err := r.inner.ExecuteMath(ctx, expression)
	if err == nil && res != nil {
		r.record(ctx, storage.ModeMath, expression, nil, res)
	}
	return res, err
}

func (r *Recorder) record(ctx context.Context, mode, code string, vars map[string]any, res *execution.Result) {
	id := ExecutionIDFromContext(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	source := SourceFromContext(ctx)
	if source == "" {
		source = "unknown"
	}

	rec := &storage.ExecutionRecord{
		ID:              id,
		CorrelationID:   CorrelationIDFromContext(ctx),
		UserID:          tools.UserIDFromContext(ctx),
		Source:          source,
		Environment:     r.environment,
		Mode:            mode,
		Code:            code,
		Context:         vars,
		Success:         res.Success,
		Result:          res.Result,
		Error:           res.Error,
		Logs:            res.Logs,
		ExecutionTimeMs: res.ExecutionTimeMs,
		TimedOut:        res.TimedOut,
		CreatedAt:       time.Now().UTC(),
	}

	// A cancelled request context must not lose the record.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := r.store.Save(saveCtx, rec); err != nil {
		r.logger.Error("saving execution record failed",
			slog.String("execution_id", id),
			slog.String("correlation_id", rec.CorrelationID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Debug("execution recorded",
		slog.String("execution_id", id),
		slog.String("source", source),
		slog.Bool("success", res.Success),
	)
}

var _ execution.Executor = (*Recorder)(nil)
