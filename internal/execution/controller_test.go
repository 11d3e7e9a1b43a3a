package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/cometx/internal/protocol"
	"github.com/jkaninda/cometx/internal/sandbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingFactory wraps a factory and counts created environments.
type countingFactory struct {
	inner sandbox.Factory
	count atomic.Int32
	err   error
}

func (f *countingFactory) Kind() string { return "counting" }

func (f *countingFactory) New(ctx context.Context) (sandbox.Environment, error) {
	f.count.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.inner.New(ctx)
}

func newInProcessFactory() *countingFactory {
	return &countingFactory{inner: &sandbox.InProcessFactory{Logger: testLogger()}}
}

func newReadyController(t *testing.T, cfg Config) (*Controller, *countingFactory) {
	t.Helper()
	f := newInProcessFactory()
	c := NewController(f, cfg, testLogger())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate() })
	return c, f
}

func mustExecute(t *testing.T, c *Controller, code string, vars map[string]any) *Result {
	t.Helper()
	res, err := c.Execute(context.Background(), code, vars)
	if err != nil {
		t.Fatalf("Execute(%q) error: %v", code, err)
	}
	if res.Logs == nil {
		t.Errorf("Execute(%q) Logs is nil", code)
	}
	return res
}

func TestExecuteArithmetic(t *testing.T) {
	c, _ := newReadyController(t, Config{})
	res := mustExecute(t, c, "return 2 + 2;", nil)
	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.Result != float64(4) {
		t.Errorf("Result = %#v, want 4", res.Result)
	}
	if res.ExecutionTimeMs <= 0 {
		t.Errorf("ExecutionTimeMs = %v, want > 0", res.ExecutionTimeMs)
	}
}

func TestExecuteCapturesLogs(t *testing.T) {
	c, _ := newReadyController(t, Config{})
	res := mustExecute(t, c, "console.log('hi'); return 1;", nil)
	if !res.Success || res.Result != float64(1) {
		t.Fatalf("result = %+v, want success with 1", res)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "LOG: hi" {
		t.Errorf("Logs = %v, want [LOG: hi]", res.Logs)
	}
}

func TestExecuteSyntaxError(t *testing.T) {
	c, _ := newReadyController(t, Config{})
	res := mustExecute(t, c, "return )(;", nil)
	if res.Success {
		t.Fatal("Success = true, want false")
	}
	if res.Error == "" {
		t.Error("Error should not be empty")
	}
}

func TestExecuteAmbientNameUnreachable(t *testing.T) {
	c, _ := newReadyController(t, Config{})
	res := mustExecute(t, c, "return parseFloat('1.5');", nil)
	if res.Success {
		t.Errorf("Result = %v, want failure resolving a non-allow-listed name", res.Result)
	}
}

func TestExecuteWithContext(t *testing.T) {
	c, _ := newReadyController(t, Config{})
	res := mustExecute(t, c, "return price * qty;", map[string]any{"price": 2.5, "qty": 4})
	if !res.Success || res.Result != float64(10) {
		t.Errorf("result = %+v, want 10", res)
	}

	res = mustExecute(t, c, "return 1;", map[string]any{"console": "shadow"})
	if res.Success || !strings.Contains(res.Error, "collides") {
		t.Errorf("result = %+v, want collision failure", res)
	}
}

func TestExecuteTimeoutRecyclesEnvironment(t *testing.T) {
	var recycled atomic.Int32
	c, f := newReadyController(t, Config{
		Timeout:   200 * time.Millisecond,
		OnRecycle: func(string) { recycled.Add(1) },
	})

	start := time.Now()
	res := mustExecute(t, c, "while (true) {}", nil)
	if time.Since(start) > 3*time.Second {
		t.Fatalf("timeout took %s", time.Since(start))
	}
	if res.Success || !res.TimedOut {
		t.Fatalf("result = %+v, want timed out failure", res)
	}
	if !strings.Contains(strings.ToLower(res.Error), "timeout") {
		t.Errorf("Error = %q, want it to mention timeout", res.Error)
	}
	if res.Error != "Execution timeout (0.2 seconds)" {
		t.Errorf("Error = %q", res.Error)
	}
	if res.ExecutionTimeMs != 200 {
		t.Errorf("ExecutionTimeMs = %v, want 200", res.ExecutionTimeMs)
	}
	if recycled.Load() != 1 {
		t.Errorf("recycles = %d, want 1", recycled.Load())
	}

	res = mustExecute(t, c, "return 'alive';", nil)
	if !res.Success || res.Result != "alive" {
		t.Errorf("after timeout result = %+v, want fresh environment", res)
	}
	if got := f.count.Load(); got != 2 {
		t.Errorf("environments created = %d, want 2", got)
	}
	if !c.IsReady() {
		t.Error("IsReady should stay true across recycles")
	}
}

func TestExecuteTimeoutRetainKeepsEnvironmentBusy(t *testing.T) {
	c, f := newReadyController(t, Config{Timeout: 100 * time.Millisecond, RetainOnTimeout: true})

	res := mustExecute(t, c, "while (true) {}", nil)
	if !res.TimedOut {
		t.Fatalf("result = %+v, want timeout", res)
	}
	res = mustExecute(t, c, "return 1;", nil)
	if !res.TimedOut {
		t.Errorf("result = %+v, want second request stuck behind the runaway script", res)
	}
	if got := f.count.Load(); got != 1 {
		t.Errorf("environments created = %d, want 1", got)
	}
}

func TestTimeoutMessage(t *testing.T) {
	if got := timeoutMessage(DefaultTimeout); got != "Execution timeout (5 seconds)" {
		t.Errorf("timeoutMessage(5s) = %q", got)
	}
	if got := (Config{}).timeout(); got != 5*time.Second {
		t.Errorf("default timeout = %s, want 5s", got)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	c, f := newReadyController(t, Config{})
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.count.Load(); got != 1 {
		t.Errorf("environments created = %d, want 1", got)
	}
	if !c.IsReady() {
		t.Error("IsReady = false after Initialize")
	}
	res := mustExecute(t, c, "return 2 + 2;", nil)
	if !res.Success || res.Result != float64(4) {
		t.Errorf("result = %+v", res)
	}
}

func TestInitializeFailure(t *testing.T) {
	cause := errors.New("isolation unavailable")
	c := NewController(&countingFactory{err: cause}, Config{}, testLogger())

	err := c.Initialize(context.Background())
	var initErr *InitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("Initialize error = %v, want *InitializationError", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("InitializationError should wrap the cause")
	}
	if c.IsReady() {
		t.Error("IsReady = true after failed Initialize")
	}
	if _, err := c.Execute(context.Background(), "return 1;", nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Execute error = %v, want ErrNotInitialized", err)
	}
}

func TestExecuteBeforeInitialize(t *testing.T) {
	c := NewController(newInProcessFactory(), Config{}, testLogger())
	if _, err := c.Execute(context.Background(), "return 1;", nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Execute error = %v, want ErrNotInitialized", err)
	}
	if _, err := c.ExecuteMath(context.Background(), "1"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("ExecuteMath error = %v, want ErrNotInitialized", err)
	}
}

func TestTerminate(t *testing.T) {
	c, _ := newReadyController(t, Config{})
	if err := c.Terminate(); err != nil {
		t.Fatal(err)
	}
	if c.IsReady() {
		t.Error("IsReady = true after Terminate")
	}
	if _, err := c.Execute(context.Background(), "return 1;", nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Execute after Terminate = %v, want ErrNotInitialized", err)
	}
	if err := c.Terminate(); err != nil {
		t.Errorf("second Terminate = %v, want nil", err)
	}
}

func TestLogsDoNotBleed(t *testing.T) {
	c, _ := newReadyController(t, Config{})
	first := mustExecute(t, c, "console.log('first'); return 1;", nil)
	second := mustExecute(t, c, "console.warn('second'); return 2;", nil)
	third := mustExecute(t, c, "return 3;", nil)

	if len(first.Logs) != 1 || first.Logs[0] != "LOG: first" {
		t.Errorf("first logs = %v", first.Logs)
	}
	if len(second.Logs) != 1 || second.Logs[0] != "WARN: second" {
		t.Errorf("second logs = %v", second.Logs)
	}
	if len(third.Logs) != 0 {
		t.Errorf("third logs = %v, want none", third.Logs)
	}
}

func TestExecuteMathEquivalence(t *testing.T) {
	c, _ := newReadyController(t, Config{})
	for _, expr := range []string{"2 + 2", "Math.sqrt(81) * 3", "'a' + 'b'", "[1, 2, 3].length", "10 / 4"} {
		viaMath, err := c.ExecuteMath(context.Background(), expr)
		if err != nil {
			t.Fatal(err)
		}
		direct := mustExecute(t, c, "return "+expr+";", nil)
		if viaMath.Success != direct.Success || viaMath.Result != direct.Result || viaMath.Error != direct.Error {
			t.Errorf("ExecuteMath(%q) = %+v, Execute = %+v", expr, viaMath, direct)
		}
	}
}

func TestExecuteConcurrentCallsStayPaired(t *testing.T) {
	c, _ := newReadyController(t, Config{})
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Execute(context.Background(), "console.log(n); return n;", map[string]any{"n": i})
			if err != nil {
				errs <- err
				return
			}
			if res.Result != float64(i) || len(res.Logs) != 1 || res.Logs[0] != fmt.Sprintf("LOG: %d", i) {
				errs <- fmt.Errorf("call %d got %+v", i, res)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	c, f := newReadyController(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := c.Execute(ctx, "while (true) {}", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.TimedOut || !strings.Contains(res.Error, "cancelled") {
		t.Errorf("result = %+v, want cancellation failure", res)
	}
	mustExecute(t, c, "return 1;", nil)
	if got := f.count.Load(); got != 2 {
		t.Errorf("environments created = %d, want 2", got)
	}
}

// scriptedEnv is a hand-driven Environment for channel failure cases.
type scriptedEnv struct {
	responses chan *protocol.Response
	done      chan struct{}
	once      sync.Once
	err       error
	onSend    func(e *scriptedEnv, req *protocol.Request) error
}

func newScriptedEnv(onSend func(e *scriptedEnv, req *protocol.Request) error) *scriptedEnv {
	return &scriptedEnv{
		responses: make(chan *protocol.Response, 4),
		done:      make(chan struct{}),
		onSend:    onSend,
	}
}

func (e *scriptedEnv) Send(req *protocol.Request) error    { return e.onSend(e, req) }
func (e *scriptedEnv) Responses() <-chan *protocol.Response { return e.responses }
func (e *scriptedEnv) Done() <-chan struct{}                { return e.done }
func (e *scriptedEnv) Err() error                           { return e.err }
func (e *scriptedEnv) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func (e *scriptedEnv) crash(err error) {
	e.err = err
	e.Close()
}

type scriptedFactory struct {
	count  atomic.Int32
	onSend func(e *scriptedEnv, req *protocol.Request) error
}

func (f *scriptedFactory) Kind() string { return "scripted" }

func (f *scriptedFactory) New(context.Context) (sandbox.Environment, error) {
	f.count.Add(1)
	return newScriptedEnv(f.onSend), nil
}

func TestExecuteChannelError(t *testing.T) {
	f := &scriptedFactory{onSend: func(e *scriptedEnv, req *protocol.Request) error {
		if strings.Contains(req.Code, "crash") {
			go e.crash(errors.New("worker crashed: segfault"))
			return nil
		}
		e.responses <- protocol.NewResult(req.ID, []byte("7"), nil)
		return nil
	}}
	c := NewController(f, Config{}, testLogger())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Terminate()

	res, err := c.Execute(context.Background(), "crash", nil)
	if err != nil {
		t.Fatalf("Execute returned error %v, want result", err)
	}
	if res.Success || res.Error != "worker crashed: segfault" {
		t.Errorf("result = %+v, want channel error text", res)
	}

	res = mustExecute(t, c, "return 7;", nil)
	if !res.Success || res.Result != float64(7) {
		t.Errorf("after crash result = %+v", res)
	}
	if got := f.count.Load(); got != 2 {
		t.Errorf("environments created = %d, want 2", got)
	}
}

func TestExecuteDropsMismatchedResponses(t *testing.T) {
	f := &scriptedFactory{onSend: func(e *scriptedEnv, req *protocol.Request) error {
		e.responses <- protocol.NewResult("stale-id", []byte(`"stale"`), []string{"LOG: stale"})
		e.responses <- protocol.NewResult(req.ID, []byte(`"fresh"`), nil)
		return nil
	}}
	c := NewController(f, Config{}, testLogger())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Terminate()

	res := mustExecute(t, c, "return 'fresh';", nil)
	if res.Result != "fresh" || len(res.Logs) != 0 {
		t.Errorf("result = %+v, want only the paired response", res)
	}
}

func TestExecuteUnknownWorkerError(t *testing.T) {
	f := &scriptedFactory{onSend: func(e *scriptedEnv, req *protocol.Request) error {
		e.responses <- &protocol.Response{Type: protocol.MsgError, ID: req.ID}
		return nil
	}}
	c := NewController(f, Config{}, testLogger())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Terminate()

	res := mustExecute(t, c, "x", nil)
	if res.Success || res.Error != "Unknown worker error" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteSendFailure(t *testing.T) {
	f := &scriptedFactory{onSend: func(*scriptedEnv, *protocol.Request) error {
		return sandbox.ErrEnvironmentBusy
	}}
	c := NewController(f, Config{}, testLogger())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Terminate()

	res := mustExecute(t, c, "return 1;", nil)
	if res.Success || !strings.Contains(res.Error, "busy") {
		t.Errorf("result = %+v, want busy failure", res)
	}
}
