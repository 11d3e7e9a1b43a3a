// Package storage defines the execution history store.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (shared deployments).
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("execution record not found")

// Execution modes.
const (
	ModeCode = "code"
	ModeMath = "math"
)

// ExecutionRecord is one completed execution as persisted in history.
type ExecutionRecord struct {
	ID              string         `json:"id"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	Source          string         `json:"source"`      // "http", "ws", "mcp", "cli", "run"
	Environment     string         `json:"environment"` // "inprocess" or "process"
	Mode            string         `json:"mode"`        // "code" or "math"
	Code            string         `json:"code"`
	Context         map[string]any `json:"context,omitempty"`
	Success         bool           `json:"success"`
	Result          any            `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	Logs            []string       `json:"logs"`
	ExecutionTimeMs float64        `json:"execution_time_ms"`
	TimedOut        bool           `json:"timed_out,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ListFilter narrows List and Stats queries. Zero values match everything.
type ListFilter struct {
	UserID   string
	Source   string
	Success  *bool
	TimedOut *bool
	Since    time.Time
	Limit    int // Default: 50, max 500.
	Offset   int
}

// Default and maximum page sizes for List.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// PageSize clamps Limit into [1, MaxListLimit].
func (f ListFilter) PageSize() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// ExecutionStats aggregates history over a filter.
type ExecutionStats struct {
	Total              int64   `json:"total"`
	Succeeded          int64   `json:"succeeded"`
	Failed             int64   `json:"failed"`
	TimedOut           int64   `json:"timed_out"`
	AvgExecutionTimeMs float64 `json:"avg_execution_time_ms"`
}

// ExecutionStore persists execution history. Both SQLite and PostgreSQL
// backends implement it.
type ExecutionStore interface {
	Save(ctx context.Context, rec *ExecutionRecord) error
	Get(ctx context.Context, id string) (*ExecutionRecord, error)
	List(ctx context.Context, filter ListFilter) ([]*ExecutionRecord, error)
	Stats(ctx context.Context, filter ListFilter) (ExecutionStats, error)

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
