package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/cometx/internal/execution"
	"github.com/jkaninda/cometx/internal/tools"
)

// Execution outcome labels.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusTimeout  = "timeout"
	StatusInternal = "internal"
)

// ExecutionStatus classifies an execution outcome for metric labels.
func ExecutionStatus(res *execution.Result, err error) string {
	switch {
	case err != nil || res == nil:
		return StatusInternal
	case res.TimedOut:
		return StatusTimeout
	case !res.Success:
		return StatusError
	default:
		return StatusSuccess
	}
}

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps an execution.Executor with metrics, tracing, and anomaly detection.
type InstrumentedExecutor struct {
	inner       execution.Executor
	environment string // "inprocess" or "process"
	metrics     *MetricsCollector
	tracer      trace.Tracer
	anomaly     *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner execution.Executor, environment string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:       inner,
		environment: environment,
		metrics:     metrics,
		tracer:      tracer,
		anomaly:     anomaly,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, code string, vars map[string]any) (*execution.Result, error) {
	return e.observe(ctx, "execution.execute", func(ctx context.Context) (*execution.Result, error) {
		return e.inner.Execute(ctx, code, vars)
	}, attribute.Int("execution.code_size", len(code)), attribute.Int("execution.context_keys", len(vars)))
}

func (e *InstrumentedExecutor) ExecuteMath(ctx context.Context, expression string) (*execution.Result, error) {
	return e.observe(ctx, "execution.execute_math", func(ctx context.Context) (*execution.Result, error) {
		return e.inner.ExecuteMath(ctx, expression)
	}, attribute.Int("execution.code_size", len(expression)))
}

func (e *InstrumentedExecutor) observe(ctx context.Context, name string, run func(context.Context) (*execution.Result, error), attrs ...attribute.KeyValue) (*execution.Result, error) {
	if e.tracer != nil {
		var span trace.Span
		attrs = append(attrs, attribute.String("execution.environment", e.environment))
		ctx, span = e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
		defer span.End()
	}

	start := time.Now()
	res, err := run(ctx)
	duration := time.Since(start).Seconds()

	status := ExecutionStatus(res, err)
	if e.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("execution.status", status))
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case status != StatusSuccess:
			span.SetStatus(codes.Error, res.Error)
		}
	}

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(e.environment, status).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(e.environment).Observe(duration)
	}

	if e.anomaly != nil {
		op := "execution_" + e.environment
		switch status {
		case StatusSuccess:
			e.anomaly.RecordSuccess(op)
		case StatusTimeout:
			e.anomaly.RecordTimeout(op)
		default:
			e.anomaly.RecordError(op)
		}
	}

	return res, err
}

// --- InstrumentedTool ---

// InstrumentedTool wraps a tools.Tool with metrics and tracing.
type InstrumentedTool struct {
	tools.Tool
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedTool wraps a tool with observability.
func NewInstrumentedTool(inner tools.Tool, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedTool {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedTool{Tool: inner, metrics: metrics, tracer: tracer}
}

func (t *InstrumentedTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	name := t.Name()
	if t.tracer != nil {
		var span trace.Span
		ctx, span = t.tracer.Start(ctx, "tool.execute",
			trace.WithAttributes(attribute.String("tool.name", name)))
		defer span.End()
	}

	start := time.Now()
	res, err := t.Tool.Execute(ctx, params)
	duration := time.Since(start).Seconds()

	status := StatusSuccess
	switch {
	case err != nil:
		status = StatusInternal
		if t.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case res != nil && !res.Success:
		status = StatusError
	}

	if t.metrics != nil {
		t.metrics.ToolExecutionsTotal.WithLabelValues(name, status).Inc()
		t.metrics.ToolExecutionDuration.WithLabelValues(name).Observe(duration)
	}
	return res, err
}

// Compile-time interface checks.
var (
	_ execution.Executor = (*InstrumentedExecutor)(nil)
	_ tools.Tool         = (*InstrumentedTool)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
