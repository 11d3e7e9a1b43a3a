// Package sandbox provides isolated execution environments for untrusted code.
// Snippets are evaluated inside a restricted scope built fresh for every request.
// An environment is either a worker goroutine in this process or a child worker process.
package sandbox

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jkaninda/cometx/internal/protocol"
)

var (
	// ErrEnvironmentClosed is returned by Send after the environment has shut down.
	ErrEnvironmentClosed = errors.New("sandbox: environment closed")

	// ErrEnvironmentBusy is returned by Send when the request queue is full.
	ErrEnvironmentBusy = errors.New("sandbox: environment busy")
)

// Environment is one live isolation context. Requests go in through Send and
// responses come back on Responses, tagged with the request's correlation ID.
type Environment interface {
	// Send queues a request for evaluation. It does not wait for the result.
	Send(req *protocol.Request) error

	// Responses delivers one response per evaluated request.
	Responses() <-chan *protocol.Response

	// Done is closed when the environment stops, either through Close or a crash.
	Done() <-chan struct{}

	// Err reports why the environment stopped. Nil after a clean Close.
	Err() error

	// Close stops the environment and any code still running inside it.
	Close() error
}

// Factory creates environments for the execution controller.
type Factory interface {
	// Kind names the isolation primitive ("inprocess" or "process").
	Kind() string
	New(ctx context.Context) (Environment, error)
}

// Config tunes the evaluator used inside every environment.
type Config struct {
	// MaxCallStackSize bounds script recursion. Zero = defaultMaxCallStackSize.
	MaxCallStackSize int

	// MaxLogBytes caps captured console output per execution. Zero = defaultMaxLogBytes.
	MaxLogBytes int

	// Collision decides what happens when a context key shadows a reserved name.
	Collision CollisionPolicy
}

const (
	defaultMaxCallStackSize = 1024
	defaultMaxLogBytes      = 1 << 20 // 1 MB
	queueSize               = 16
)

func (c Config) maxCallStackSize() int {
	if c.MaxCallStackSize > 0 {
		return c.MaxCallStackSize
	}
	return defaultMaxCallStackSize
}

func (c Config) maxLogBytes() int {
	if c.MaxLogBytes > 0 {
		return c.MaxLogBytes
	}
	return defaultMaxLogBytes
}

func (c Config) collision() CollisionPolicy {
	if c.Collision == "" {
		return CollisionReject
	}
	return c.Collision
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
