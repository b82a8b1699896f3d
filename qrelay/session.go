package qrelay

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xquakejs/qrelay/netchan"
)

// Session is one accepted client connection.
type Session struct {
	id        uuid.UUID
	srv       *Server
	transport Transport
	parser    *Parser
	log       zerolog.Logger

	mu          sync.Mutex
	binding     *Binding
	bindingPort int
	removeHook  func()
	bindingDone chan struct{}
	pipe        *Binding
	directKeys  map[string]struct{}
	net         netchan.State
	closed      bool

	done chan struct{}
}

func newSession(srv *Server, t Transport) *Session {
	id := uuid.New()
	return &Session{
		id:         id,
		srv:        srv,
		transport:  t,
		parser:     NewParser(),
		log:        srv.log.With().Str("session", id.String()).Logger(),
		directKeys: make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) Send(p []byte) error {
	return s.transport.Send(p)
}

// Authenticated reports whether method negotiation has completed.
func (s *Session) Authenticated() bool {
	return s.parser.Authed()
}

// Binding returns the binding the session currently relays through.
func (s *Session) Binding() *Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

// boundPort returns the virtual port of the current binding, or 0.
func (s *Session) boundPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding == nil {
		return 0
	}
	return s.bindingPort
}

// beginBinding marks a BIND or UDP setup in flight. endBinding must be
// called with the returned channel.
func (s *Session) beginBinding() chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.bindingDone = ch
	s.mu.Unlock()
	return ch
}

func (s *Session) endBinding(ch chan struct{}) {
	s.mu.Lock()
	if s.bindingDone == ch {
		s.bindingDone = nil
	}
	s.mu.Unlock()
	close(ch)
}

// BindingInProgress reports whether a BIND or UDP setup is in flight.
func (s *Session) BindingInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindingDone != nil
}

// waitBinding blocks until the in-flight setup finishes, the session closes
// or timeout passes. It reports whether the wait timed out.
func (s *Session) waitBinding(timeout time.Duration) bool {
	s.mu.Lock()
	ch := s.bindingDone
	s.mu.Unlock()
	if ch == nil {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return false
	case <-s.done:
		return false
	case <-timer.C:
		return true
	}
}

// attach makes b the session's binding. The session closes with b unless
// it detaches first.
func (s *Session) attach(b *Binding, port int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if b.Kind() == BindingStream {
			b.Close()
		}
		return
	}
	if s.removeHook != nil {
		s.removeHook()
	}
	s.binding = b
	s.bindingPort = port
	s.removeHook = b.OnClose(func() { s.bindingClosed(b) })
	s.mu.Unlock()
}

func (s *Session) bindingClosed(b *Binding) {
	s.mu.Lock()
	if s.binding != b {
		s.mu.Unlock()
		return
	}
	s.binding = nil
	s.removeHook = nil
	s.mu.Unlock()

	s.log.Debug().Int("port", b.Port).Str("kind", b.Kind().String()).Msg("Binding closed, closing session")
	s.Close()
}

func (s *Session) setPipe(b *Binding) {
	s.mu.Lock()
	s.pipe = b
	s.mu.Unlock()
}

func (s *Session) pipeTarget() *Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipe
}

func (s *Session) trackDirect(key string) {
	s.mu.Lock()
	s.directKeys[key] = struct{}{}
	s.mu.Unlock()
}

// decode runs the diagnostic decoder over payload with this session's
// protocol state.
func (s *Session) decode(d *netchan.Decoder, payload []byte, client bool) netchan.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return d.Decode(payload, &s.net, client)
}

func (s *Session) remoteIP() net.IP {
	return addrIP(s.transport.RemoteAddr())
}

func (s *Session) remotePort() int {
	switch a := s.transport.RemoteAddr().(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	}
	return 0
}

func (s *Session) localIP() net.IP {
	return addrIP(s.transport.LocalAddr())
}

// run reads the transport and dispatches parser events in order until the
// transport fails or a handler closes the session.
func (s *Session) run() {
	defer s.Close()
	defer recoverPanic(s.log, "Session handler")

	for {
		chunk, err := s.transport.ReadChunk()
		if err != nil {
			s.log.Debug().Err(err).Msg("Session transport closed")
			return
		}

		if pipe := s.pipeTarget(); pipe != nil {
			if _, err := pipe.Write(chunk); err != nil {
				s.log.Debug().Err(err).Msg("Stream write failed")
				return
			}
			pipe.Touch()
			continue
		}

		if !s.feed(chunk) {
			return
		}
	}
}

// feed parses chunk and handles its events. It returns false when the
// session must close.
func (s *Session) feed(chunk []byte) bool {
	events, err := s.parser.Feed(chunk)
	for _, ev := range events {
		if !s.handleEvent(ev) {
			return false
		}
	}
	if err != nil {
		s.log.Debug().Err(err).Msg("Parse error")
		return false
	}
	return true
}

func (s *Session) handleEvent(ev Event) bool {
	switch ev.Type {
	case EventMethods:
		if !s.srv.negotiate(s, ev.Methods) {
			return false
		}
		// resume with bytes that arrived behind the greeting
		return s.feed(nil)
	case EventPing:
		if b := s.Binding(); b != nil {
			b.Touch()
		}
		return s.Send([]byte{socksVersion, RepSuccess}) == nil
	case EventRequest:
		return s.srv.handleRequest(s, ev.Request)
	}
	return true
}

// Close detaches the session from its binding and closes the transport.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.removeHook != nil {
		s.removeHook()
		s.removeHook = nil
	}
	b := s.binding
	s.binding = nil
	keys := make([]string, 0, len(s.directKeys))
	for k := range s.directKeys {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	close(s.done)

	if b != nil && b.Kind() == BindingStream {
		b.Close()
	}
	for _, k := range keys {
		s.srv.direct.CloseKey(k)
	}
	s.transport.Close()
	s.srv.removeSession(s)
}
