package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/cometx/internal/protocol"
	"github.com/jkaninda/cometx/internal/sandbox"
)

// Config tunes the controller.
type Config struct {
	// Timeout bounds each execution. Zero = DefaultTimeout.
	Timeout time.Duration

	// RetainOnTimeout keeps the environment after a timeout instead of
	// recycling it. The waiter is released but code that never yields keeps
	// the environment occupied, and later requests queue behind it.
	RetainOnTimeout bool

	// OnRecycle is called with the reason every time an environment is discarded.
	OnRecycle func(reason string)
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Recycle reasons passed to Config.OnRecycle.
const (
	RecycleTimeout   = "timeout"
	RecycleCancelled = "cancelled"
	RecycleCrash     = "crash"
)

var _ Executor = (*Controller)(nil)

// Controller owns the lifecycle of one sandbox environment.
// Execute calls are serialized; at most one request is in flight.
type Controller struct {
	factory sandbox.Factory
	cfg     Config
	logger  *slog.Logger

	execMu sync.Mutex // serializes Execute

	mu          sync.Mutex // guards the fields below
	initialized bool
	sess        *session
}

// NewController creates an uninitialized controller.
func NewController(factory sandbox.Factory, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{factory: factory, cfg: cfg, logger: logger}
}

// Kind names the isolation primitive behind this controller.
func (c *Controller) Kind() string {
	return c.factory.Kind()
}

// Timeout returns the effective per-execution bound.
func (c *Controller) Timeout() time.Duration {
	return c.cfg.timeout()
}

// Initialize creates the environment. It is a no-op when already initialized.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}
	env, err := c.factory.New(ctx)
	if err != nil {
		return &InitializationError{Kind: c.factory.Kind(), Err: err}
	}
	c.sess = newSession(env, c.logger)
	c.initialized = true

	c.logger.InfoContext(ctx, "execution controller initialized",
		slog.String("environment", c.factory.Kind()),
		slog.Duration("timeout", c.cfg.timeout()),
	)
	return nil
}

// IsReady reports whether Initialize succeeded and Terminate has not been called.
func (c *Controller) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Terminate destroys the environment and resets the controller. Safe to call repeatedly.
func (c *Controller) Terminate() error {
	c.mu.Lock()
	sess := c.sess
	wasReady := c.initialized
	c.sess = nil
	c.initialized = false
	c.mu.Unlock()

	if wasReady {
		c.logger.Info("execution controller terminated", slog.String("environment", c.factory.Kind()))
	}
	if sess == nil {
		return nil
	}
	return sess.close()
}

// ExecuteMath evaluates expression as "return <expression>;".
func (c *Controller) ExecuteMath(ctx context.Context, expression string) (*Result, error) {
	return c.Execute(ctx, MathCode(expression), nil)
}

// Execute runs code in the environment with vars merged into its scope.
// The only errors returned are ErrNotInitialized and failures to recreate a
// recycled environment; everything else is reported in the Result.
func (c *Controller) Execute(ctx context.Context, code string, vars map[string]any) (*Result, error) {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	start := time.Now()
	sess, err := c.acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrNotInitialized) {
			return nil, err
		}
		return failure(start, err.Error()), nil
	}

	req := protocol.NewRequest(code, vars)
	slot := sess.register(req.ID)
	defer sess.forget(req.ID)

	if err := sess.env.Send(req); err != nil {
		if errors.Is(err, sandbox.ErrEnvironmentClosed) {
			c.discard(sess, RecycleCrash)
		}
		return failure(start, err.Error()), nil
	}

	timeout := c.cfg.timeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-slot:
		return c.complete(ctx, req, start, resp), nil

	case <-timer.C:
		c.logger.WarnContext(ctx, "execution timed out",
			slog.String("request_id", req.ID),
			slog.Duration("timeout", timeout),
		)
		if !c.cfg.RetainOnTimeout {
			c.discard(sess, RecycleTimeout)
		}
		return &Result{
			Success:         false,
			Error:           timeoutMessage(timeout),
			Logs:            []string{},
			ExecutionTimeMs: millis(timeout),
			TimedOut:        true,
		}, nil

	case <-ctx.Done():
		if !c.cfg.RetainOnTimeout {
			c.discard(sess, RecycleCancelled)
		}
		return failure(start, fmt.Sprintf("execution cancelled: %v", ctx.Err())), nil

	case <-sess.done:
		select {
		case resp := <-slot:
			return c.complete(ctx, req, start, resp), nil
		default:
		}
		msg := "execution environment terminated"
		if envErr := sess.env.Err(); envErr != nil {
			msg = envErr.Error()
		}
		c.logger.ErrorContext(ctx, "execution environment failed",
			slog.String("request_id", req.ID),
			slog.String("error", msg),
		)
		c.discard(sess, RecycleCrash)
		return failure(start, msg), nil
	}
}

// acquire returns the live session, lazily replacing one that was recycled or crashed.
func (c *Controller) acquire(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil, ErrNotInitialized
	}
	if c.sess != nil && c.sess.alive() {
		return c.sess, nil
	}
	if c.sess != nil {
		_ = c.sess.close()
		c.sess = nil
	}

	env, err := c.factory.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("recreating %s environment: %w", c.factory.Kind(), err)
	}
	c.sess = newSession(env, c.logger)
	c.logger.InfoContext(ctx, "execution environment recreated", slog.String("environment", c.factory.Kind()))
	return c.sess, nil
}

// discard closes sess and detaches it so the next Execute starts a fresh one.
func (c *Controller) discard(sess *session, reason string) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()

	if err := sess.close(); err != nil {
		c.logger.Warn("closing execution environment failed", slog.String("error", err.Error()))
	}
	c.logger.Info("environment recycled",
		slog.String("environment", c.factory.Kind()),
		slog.String("reason", reason),
	)
	if c.cfg.OnRecycle != nil {
		c.cfg.OnRecycle(reason)
	}
}

func (c *Controller) complete(ctx context.Context, req *protocol.Request, start time.Time, resp *protocol.Response) *Result {
	res := fromResponse(start, resp)
	c.logger.DebugContext(ctx, "execution completed",
		slog.String("request_id", req.ID),
		slog.Bool("success", res.Success),
		slog.Float64("execution_time_ms", res.ExecutionTimeMs),
		slog.Int("logs", len(res.Logs)),
	)
	return res
}

func fromResponse(start time.Time, resp *protocol.Response) *Result {
	res := &Result{
		Logs:            resp.Logs,
		ExecutionTimeMs: millis(time.Since(start)),
	}
	if res.Logs == nil {
		res.Logs = []string{}
	}

	switch resp.Type {
	case protocol.MsgResult:
		var v any
		if err := resp.Decode(&v); err != nil {
			res.Error = fmt.Sprintf("decoding result: %v", err)
			return res
		}
		res.Success = true
		res.Result = v
	case protocol.MsgError:
		res.Error = resp.Error
		if res.Error == "" {
			res.Error = "Unknown worker error"
		}
	default:
		res.Error = fmt.Sprintf("unexpected response type %q", resp.Type)
	}
	return res
}

func failure(start time.Time, msg string) *Result {
	return &Result{
		Success:         false,
		Error:           msg,
		Logs:            []string{},
		ExecutionTimeMs: millis(time.Since(start)),
	}
}
