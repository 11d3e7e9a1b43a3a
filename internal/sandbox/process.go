package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jkaninda/cometx/internal/protocol"
)

const (
	// maxStderrBytes caps captured worker stderr to prevent OOM from chatty workers.
	maxStderrBytes = 64 << 10 // 64 KB

	closeGracePeriod = 2 * time.Second
)

// ResourceLimits constrains the worker process. Zero values disable a limit.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// ProcessConfig configures the child-process environment.
type ProcessConfig struct {
	// Command is the worker program and arguments (e.g. ["/usr/bin/cometx", "worker"]).
	Command []string

	// Env adds extra variables on top of the sanitized base environment.
	Env map[string]string

	Limits ResourceLimits
}

// Process is an environment backed by a child worker process that speaks the
// JSON-lines protocol over stdin and stdout.
//
// Isolation guarantees:
//   - Worker runs in its own process group (Setpgid)
//   - Entire process group killed on Close
//   - No environment inheritance from the parent, only a minimal safe set
//   - Optional resource limits enforced via ulimit
//   - Captured stderr capped
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *protocol.Encoder
	tmpDir string
	logger *slog.Logger

	responses chan *protocol.Response
	done      chan struct{}

	stderrMu sync.Mutex
	stderr   bytes.Buffer

	mu     sync.Mutex
	err    error
	closed bool

	closeOnce sync.Once
}

// StartProcess spawns the worker and begins reading its responses.
// The worker is not bound to ctx; it lives until Close or a crash.
func StartProcess(ctx context.Context, cfg ProcessConfig, logger *slog.Logger) (*Process, error) {
	logger = orDefault(logger)
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("empty worker command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp("", "cometx-worker-*")
	if err != nil {
		return nil, fmt.Errorf("creating worker temp dir: %w", err)
	}

	p := &Process{
		tmpDir:    tmpDir,
		logger:    logger,
		responses: make(chan *protocol.Response, queueSize),
		done:      make(chan struct{}),
	}

	cmd := buildCommand(cfg)
	cmd.Dir = tmpDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = buildEnv(tmpDir, cfg.Env)
	cmd.Stderr = &lockedWriter{mu: &p.stderrMu, w: &limitedWriter{w: &p.stderr, remaining: maxStderrBytes}}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.removeTmp()
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.removeTmp()
		return nil, fmt.Errorf("worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.removeTmp()
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	p.cmd = cmd
	p.stdin = stdin
	p.enc = protocol.NewEncoder(stdin)

	logger.Info("sandbox worker started",
		slog.Any("command", cfg.Command),
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("memory_limit_mb", cfg.Limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", cfg.Limits.MaxCPUSeconds),
	)

	go p.readLoop(stdout)
	return p, nil
}

// buildCommand wraps the worker in ulimit when limits are set.
//
// The command is wrapped: sh -c 'ulimit -v KB; ulimit -t SEC; exec "$@"' _ cmd args...
// so the worker command is never interpolated into the shell string.
func buildCommand(cfg ProcessConfig) *exec.Cmd {
	var limits []string
	if cfg.Limits.MaxMemoryMB > 0 {
		limits = append(limits, fmt.Sprintf("ulimit -v %d 2>/dev/null", cfg.Limits.MaxMemoryMB*1024))
	}
	if cfg.Limits.MaxCPUSeconds > 0 {
		limits = append(limits, fmt.Sprintf("ulimit -t %d 2>/dev/null", cfg.Limits.MaxCPUSeconds))
	}
	if len(limits) == 0 {
		return exec.Command(cfg.Command[0], cfg.Command[1:]...)
	}

	script := strings.Join(limits, "; ") + "; exec \"$@\""
	args := make([]string, 0, 3+len(cfg.Command))
	args = append(args, "-c", script, "_") // "_" is the $0 placeholder
	args = append(args, cfg.Command...)
	return exec.Command("/bin/sh", args...)
}

func (p *Process) readLoop(stdout io.Reader) {
	defer close(p.done)

	dec := protocol.NewDecoder(stdout)
	var readErr error
	for {
		var resp protocol.Response
		if err := dec.Decode(&resp); err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		p.responses <- &resp
	}

	waitErr := p.cmd.Wait()
	p.removeTmp()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}

	err := p.crashError(readErr, waitErr)
	p.setErr(err)
	p.logger.Error("sandbox worker exited", slog.String("error", err.Error()))
}

func (p *Process) crashError(readErr, waitErr error) error {
	p.stderrMu.Lock()
	stderr := strings.TrimSpace(p.stderr.String())
	p.stderrMu.Unlock()

	var cause string
	switch {
	case waitErr != nil:
		cause = waitErr.Error()
	case readErr != nil:
		cause = readErr.Error()
	default:
		cause = "exited unexpectedly"
	}
	if stderr != "" {
		return fmt.Errorf("worker %s: %s", cause, lastLine(stderr))
	}
	return fmt.Errorf("worker %s", cause)
}

// Send writes req to the worker's stdin.
func (p *Process) Send(req *protocol.Request) error {
	select {
	case <-p.done:
		return ErrEnvironmentClosed
	default:
	}
	if err := p.enc.Encode(req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	return nil
}

func (p *Process) Responses() <-chan *protocol.Response { return p.responses }

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Process) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

// Pid returns the worker process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Close kills the worker's process group and waits for it to be reaped.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		_ = p.stdin.Close()
		// Negative PID = kill the entire process group.
		if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			p.logger.Warn("failed to kill worker process group",
				slog.Int("pid", p.cmd.Process.Pid),
				slog.String("error", err.Error()),
			)
		}
	})

	// Drain responses nobody is waiting for so readLoop can finish.
	timer := time.NewTimer(closeGracePeriod)
	defer timer.Stop()
	for {
		select {
		case <-p.done:
			return nil
		case <-p.responses:
		case <-timer.C:
			return fmt.Errorf("worker %d did not exit", p.cmd.Process.Pid)
		}
	}
}

func (p *Process) removeTmp() {
	if err := os.RemoveAll(p.tmpDir); err != nil {
		p.logger.Warn("failed to remove worker temp dir",
			slog.String("dir", p.tmpDir),
			slog.String("error", err.Error()),
		)
	}
}

// buildEnv constructs a minimal, safe environment.
// The parent process's environment is NEVER inherited, so API keys and
// credentials cannot leak into the worker.
func buildEnv(tmpDir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// ProcessFactory creates Process environments.
type ProcessFactory struct {
	Config ProcessConfig
	Logger *slog.Logger
}

func (f *ProcessFactory) Kind() string { return "process" }

func (f *ProcessFactory) New(ctx context.Context) (Environment, error) {
	return StartProcess(ctx, f.Config, f.Logger)
}
