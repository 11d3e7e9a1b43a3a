package execution

import (
	"log/slog"
	"sync"

	"github.com/jkaninda/cometx/internal/protocol"
	"github.com/jkaninda/cometx/internal/sandbox"
)

// session pairs one live environment with a dispatcher that routes each
// response to the slot registered for its correlation ID.
type session struct {
	env    sandbox.Environment
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *protocol.Response

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSession(env sandbox.Environment, logger *slog.Logger) *session {
	s := &session{
		env:     env,
		logger:  logger,
		pending: make(map[string]chan *protocol.Response),
		done:    make(chan struct{}),
	}
	go s.dispatch()
	return s
}

func (s *session) dispatch() {
	defer close(s.done)
	for {
		select {
		case resp := <-s.env.Responses():
			s.deliver(resp)
		case <-s.env.Done():
			// Responses sent just before the environment stopped.
			for {
				select {
				case resp := <-s.env.Responses():
					s.deliver(resp)
				default:
					return
				}
			}
		}
	}
}

func (s *session) deliver(resp *protocol.Response) {
	s.mu.Lock()
	slot, ok := s.pending[resp.ID]
	delete(s.pending, resp.ID)
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("late response dropped", slog.String("request_id", resp.ID))
		return
	}
	slot <- resp
}

// register reserves a result slot for id. The slot holds one response.
func (s *session) register(id string) <-chan *protocol.Response {
	slot := make(chan *protocol.Response, 1)
	s.mu.Lock()
	s.pending[id] = slot
	s.mu.Unlock()
	return slot
}

func (s *session) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// alive reports whether the dispatcher is still running.
func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *session) close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.env.Close()
		<-s.done
	})
	return s.closeErr
}
