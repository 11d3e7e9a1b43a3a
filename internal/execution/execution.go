// Package execution implements the host-side execution controller.
// The controller owns one sandbox environment, sends it one request at a time,
// races each response against a timeout, and turns the outcome into a Result.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// DefaultTimeout bounds every execution unless configured otherwise.
const DefaultTimeout = 5 * time.Second

// ErrNotInitialized is returned when Execute is called before a successful Initialize.
var ErrNotInitialized = errors.New("execution controller not initialized: call Initialize first")

// InitializationError reports that the isolation primitive could not be created.
type InitializationError struct {
	Kind string
	Err  error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initializing %s environment: %v", e.Kind, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// Result is the public outcome of one execution.
// Code failures are reported here with Success false, never as Go errors.
type Result struct {
	Success         bool     `json:"success"`
	Result          any      `json:"result,omitempty"`
	Error           string   `json:"error,omitempty"`
	Logs            []string `json:"logs"`
	ExecutionTimeMs float64  `json:"executionTimeMs"`
	TimedOut        bool     `json:"timedOut,omitempty"`
}

// Executor runs code snippets. The controller and every wrapper around it
// (metrics, history) implement it.
type Executor interface {
	Execute(ctx context.Context, code string, vars map[string]any) (*Result, error)
	ExecuteMath(ctx context.Context, expression string) (*Result, error)
}

// MathCode turns an expression into the snippet ExecuteMath runs.
func MathCode(expression string) string {
	return "return " + expression + ";"
}

func timeoutMessage(d time.Duration) string {
	return "Execution timeout (" + strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + " seconds)"
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
