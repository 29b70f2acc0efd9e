package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/protocol"
	"github.com/wippyai/realm-runner/worker"
)

// State is a session's lifecycle position. It only moves forward.
type State int32

const (
	Connecting State = iota
	Ready
	Terminated
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Handler receives inbound messages, one at a time and in order.
type Handler func(protocol.Message)

// Transport opens the connection to a worker.
type Transport interface {
	Dial(ctx context.Context) (worker.Conn, error)
}

// Session is a message channel to one worker. Sends made before the worker
// is ready are queued and delivered in order; messages received before a
// handler is registered are replayed to the first handler.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
	kick   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	state   State
	conn    worker.Conn
	outbox  []protocol.Message
	inbox   []protocol.Message
	handler Handler
	// sending is set while the writer has a message in flight; retiring
	// makes the writer terminate once the outbox is drained.
	sending  bool
	retiring bool

	// dispatch serializes handler calls so replay and live delivery
	// cannot interleave.
	dispatch sync.Mutex
	lostOnce sync.Once
}

// Open starts connecting over t and returns immediately.
func Open(t Transport) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.log = Logger().With(zap.String("session", s.id))
	go s.connect(t)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session is terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send queues m for delivery. It never blocks and is a no-op after
// Terminate.
func (s *Session) Send(m protocol.Message) {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return
	}
	s.outbox = append(s.outbox, m)
	s.mu.Unlock()
	s.wake()
}

// OnMessage registers the inbound handler. Messages that arrived earlier
// are replayed to h before anything else is delivered.
func (s *Session) OnMessage(h Handler) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	s.mu.Lock()
	s.handler = h
	pending := s.inbox
	s.inbox = nil
	s.mu.Unlock()

	for _, m := range pending {
		h(m)
	}
}

// Terminate ends the session. It does not wait for the transport to close.
func (s *Session) Terminate() {
	if !s.terminate() {
		return
	}
	s.log.Debug("session terminated")
}

// Retire ends the session once everything already queued has been
// written, so a final STOP still reaches the worker. A session that never
// became ready has nothing worth flushing and is terminated at once.
func (s *Session) Retire() {
	s.mu.Lock()
	drain := s.state == Ready && (len(s.outbox) > 0 || s.sending)
	if drain {
		s.retiring = true
	}
	s.mu.Unlock()
	if !drain {
		s.Terminate()
		return
	}
	s.log.Debug("session retiring")
	s.wake()
}

func (s *Session) terminate() bool {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return false
	}
	s.state = Terminated
	s.outbox = nil
	s.inbox = nil
	conn := s.conn
	s.mu.Unlock()

	close(s.done)
	s.cancel()
	if conn != nil {
		go func() {
			if err := conn.Close(); err != nil {
				s.log.Debug("close transport", zap.Error(err))
			}
		}()
	}
	return true
}

func (s *Session) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Session) connect(t Transport) {
	conn, err := t.Dial(s.ctx)
	if err != nil {
		s.lost(errors.Disconnected(err))
		return
	}

	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	go s.write(conn)
	s.read(conn)
}

func (s *Session) read(conn worker.Conn) {
	for {
		m, err := conn.Recv(s.ctx)
		if err != nil {
			if errors.KindOf(err) == errors.KindProtocol {
				s.log.Warn("dropped malformed message", zap.Error(err))
				continue
			}
			s.lost(err)
			return
		}
		if m.Kind == protocol.KindReady {
			s.ready()
			continue
		}
		s.deliver(m)
	}
}

func (s *Session) ready() {
	s.mu.Lock()
	if s.state == Connecting {
		s.state = Ready
	}
	s.mu.Unlock()
	s.log.Debug("session ready")
	s.wake()
}

// write drains the outbox once the worker is ready. Messages go out in the
// order they were queued, each exactly once. A retiring session terminates
// after the last one.
func (s *Session) write(conn worker.Conn) {
	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
		}
		for {
			s.mu.Lock()
			if s.state != Ready || len(s.outbox) == 0 {
				s.sending = false
				retired := s.retiring && s.state == Ready
				s.mu.Unlock()
				if retired {
					s.Terminate()
					return
				}
				break
			}
			m := s.outbox[0]
			s.outbox = s.outbox[1:]
			s.sending = true
			s.mu.Unlock()

			if err := conn.Send(m); err != nil {
				s.lost(err)
				return
			}
		}
	}
}

func (s *Session) deliver(m protocol.Message) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return
	}
	h := s.handler
	if h == nil {
		s.inbox = append(s.inbox, m)
	}
	s.mu.Unlock()

	if h != nil {
		h(m)
	}
}

// lost reports an unexpected end of the transport as DISCONNECTED and
// terminates the session.
func (s *Session) lost(cause error) {
	s.lostOnce.Do(func() {
		select {
		case <-s.done:
			return
		default:
		}
		s.log.Warn("transport lost", zap.Error(cause))
		s.deliver(protocol.Disconnected(0, cause))
		s.terminate()
	})
}
