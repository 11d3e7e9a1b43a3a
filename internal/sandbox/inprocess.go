package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jkaninda/cometx/internal/protocol"
)

// InProcess runs the evaluator on a dedicated goroutine of the host process.
// Close interrupts whatever script is running, so a runaway loop does not
// outlive its environment.
type InProcess struct {
	eval   *Evaluator
	logger *slog.Logger

	inbox  chan *protocol.Request
	outbox chan *protocol.Response
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// NewInProcess starts an in-process environment.
func NewInProcess(cfg Config, logger *slog.Logger) *InProcess {
	logger = orDefault(logger)
	ctx, cancel := context.WithCancel(context.Background())
	env := &InProcess{
		eval:   NewEvaluator(cfg, logger),
		logger: logger,
		inbox:  make(chan *protocol.Request, queueSize),
		outbox: make(chan *protocol.Response, queueSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go env.loop()
	return env
}

func (p *InProcess) loop() {
	defer close(p.done)
	defer func() {
		if r := recover(); r != nil {
			p.setErr(fmt.Errorf("worker crashed: %v", r))
			p.logger.Error("in-process worker crashed", slog.Any("panic", r))
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case req := <-p.inbox:
			if req.Type != protocol.MsgExecute {
				p.logger.Debug("ignoring unknown request type", slog.String("type", string(req.Type)))
				continue
			}
			resp := p.eval.Evaluate(p.ctx, req)
			select {
			case p.outbox <- resp:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// Send queues req for the worker goroutine.
func (p *InProcess) Send(req *protocol.Request) error {
	select {
	case <-p.done:
		return ErrEnvironmentClosed
	default:
	}
	select {
	case p.inbox <- req:
		return nil
	default:
		return ErrEnvironmentBusy
	}
}

func (p *InProcess) Responses() <-chan *protocol.Response { return p.outbox }

func (p *InProcess) Done() <-chan struct{} { return p.done }

func (p *InProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *InProcess) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

// Close cancels the worker and waits for it to exit.
func (p *InProcess) Close() error {
	p.cancel()
	<-p.done
	return nil
}

// InProcessFactory creates InProcess environments.
type InProcessFactory struct {
	Config Config
	Logger *slog.Logger
}

func (f *InProcessFactory) Kind() string { return "inprocess" }

func (f *InProcessFactory) New(ctx context.Context) (Environment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env := NewInProcess(f.Config, f.Logger)
	orDefault(f.Logger).Info("sandbox environment started", slog.String("kind", f.Kind()))
	return env, nil
}
