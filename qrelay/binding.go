package qrelay

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultUDPTimeout    = 330 * time.Second
	DefaultSweepInterval = 100 * time.Millisecond

	bindAttempts = 10
)

// BindingKind tells what kind of socket backs a Binding.
type BindingKind int

const (
	BindingUDP BindingKind = iota
	BindingListener
	BindingStream
)

func (k BindingKind) String() string {
	switch k {
	case BindingUDP:
		return "udp"
	case BindingListener:
		return "listener"
	case BindingStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Binding is the real socket serving one virtual destination port.
type Binding struct {
	Port int

	kind     BindingKind
	udp      *net.UDPConn
	listener net.Listener
	stream   net.Conn
	realPort int

	lastActivity atomic.Int64

	mu       sync.Mutex
	closed   bool
	bridge   io.Closer
	hooks    map[int]func()
	nextHook int
	done     chan struct{}
}

func newBinding(port int, kind BindingKind) *Binding {
	b := &Binding{
		Port:  port,
		kind:  kind,
		hooks: make(map[int]func()),
		done:  make(chan struct{}),
	}
	b.Touch()
	return b
}

// newStreamBinding wraps an outbound TCP connection made by CONNECT.
func newStreamBinding(port int, conn net.Conn) *Binding {
	b := newBinding(port, BindingStream)
	b.stream = conn
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		b.realPort = addr.Port
	}
	return b
}

func (b *Binding) Kind() BindingKind {
	return b.kind
}

// RealPort is the port the OS socket is bound to.
func (b *Binding) RealPort() int {
	return b.realPort
}

// Touch refreshes the idle timer.
func (b *Binding) Touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

func (b *Binding) LastActivity() time.Time {
	return time.Unix(0, b.lastActivity.Load())
}

// WriteTo sends p to ip:port. Stream bindings ignore the destination.
func (b *Binding) WriteTo(p []byte, ip net.IP, port int) error {
	switch b.kind {
	case BindingUDP:
		_, err := b.udp.WriteToUDP(p, &net.UDPAddr{IP: ip, Port: port})
		return err
	case BindingStream:
		_, err := b.stream.Write(p)
		return err
	default:
		return fmt.Errorf("cannot send on %s binding", b.kind)
	}
}

// Write implements io.Writer for stream bindings.
func (b *Binding) Write(p []byte) (int, error) {
	if b.kind != BindingStream {
		return 0, fmt.Errorf("cannot write to %s binding", b.kind)
	}
	return b.stream.Write(p)
}

// OnClose registers fn to run once when the binding closes. The returned
// func unregisters it. If the binding is already closed fn is not called.
func (b *Binding) OnClose(fn func()) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.nextHook
	b.nextHook++
	b.hooks[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.hooks, id)
		b.mu.Unlock()
	}
}

func (b *Binding) setBridge(c io.Closer) {
	b.mu.Lock()
	closed := b.closed
	if !closed {
		b.bridge = c
	}
	b.mu.Unlock()
	if closed {
		c.Close()
	}
}

func (b *Binding) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Done is closed when the binding closes.
func (b *Binding) Done() <-chan struct{} {
	return b.done
}

// Close closes the real socket and the bridge, then runs close hooks.
func (b *Binding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	bridge := b.bridge
	hooks := make([]func(), 0, len(b.hooks))
	for i := 0; i < b.nextHook; i++ {
		if fn, ok := b.hooks[i]; ok {
			hooks = append(hooks, fn)
		}
	}
	b.hooks = nil
	b.mu.Unlock()

	var err error
	switch {
	case b.udp != nil:
		err = b.udp.Close()
	case b.listener != nil:
		err = b.listener.Close()
	case b.stream != nil:
		err = b.stream.Close()
	}
	if bridge != nil {
		bridge.Close()
	}
	close(b.done)
	for _, fn := range hooks {
		fn()
	}
	return err
}

// DatagramHandler receives every datagram arriving for virtual port. viaWS
// marks traffic that came over a WebSocket rather than the UDP socket.
type DatagramHandler func(port int, viaWS bool, payload []byte, from *net.UDPAddr)

// BindingManager owns the virtual port to real socket map.
type BindingManager struct {
	log        zerolog.Logger
	host       string
	timeout    time.Duration
	interval   time.Duration
	bufferSize int

	// candidate maps a virtual port to a real port to try.
	candidate  func(port int) int
	onDatagram DatagramHandler
	onAccept   func(b *Binding, conn net.Conn)
	onBind     func(b *Binding)
	onUnbind   func(b *Binding)

	mu       sync.Mutex
	bindings map[int]*Binding
	pending  map[int]chan struct{}
	closed   bool
}

// NewBindingManager creates a manager binding real sockets on host.
func NewBindingManager(logger zerolog.Logger, host string, timeout time.Duration) *BindingManager {
	if host == "" {
		host = "0.0.0.0"
	}
	if timeout <= 0 {
		timeout = DefaultUDPTimeout
	}
	return &BindingManager{
		log:        logger,
		host:       host,
		timeout:    timeout,
		interval:   DefaultSweepInterval,
		bufferSize: 64 * 1024,
		candidate:  candidatePort,
		bindings:   make(map[int]*Binding),
		pending:    make(map[int]chan struct{}),
	}
}

// candidatePort spreads virtual ports over 5000-58095, keeping the low
// 12 bits of the virtual port.
func candidatePort(port int) int {
	return rand.Intn(50)*1000 + (port & 0xfff) + 5000
}

// Acquire returns the live binding for port, binding a new real socket of
// network ("udp" or "tcp") when none exists. created reports whether this
// call made the binding. Concurrent calls for one port share one socket.
func (m *BindingManager) Acquire(port int, network string) (b *Binding, created bool, err error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, false, ErrServerClosed
		}
		if b, ok := m.bindings[port]; ok && !b.Closed() {
			m.mu.Unlock()
			return b, false, nil
		}
		if wait, ok := m.pending[port]; ok {
			m.mu.Unlock()
			<-wait
			continue
		}
		wait := make(chan struct{})
		m.pending[port] = wait
		m.mu.Unlock()

		b, err := m.TryBindPort(port, network)

		m.mu.Lock()
		delete(m.pending, port)
		if err == nil {
			if m.closed {
				err = ErrServerClosed
			} else {
				m.bindings[port] = b
			}
		}
		m.mu.Unlock()
		close(wait)

		if err != nil {
			if b != nil {
				b.Close()
			}
			bindFailures.Inc()
			return nil, false, err
		}
		m.start(b)
		return b, true, nil
	}
}

// TryBindPort binds a real socket for port, retrying other candidate ports
// while the address is in use. Other bind errors are returned at once.
func (m *BindingManager) TryBindPort(port int, network string) (*Binding, error) {
	for i := 0; i < bindAttempts; i++ {
		realPort := m.candidate(port)
		addr := net.JoinHostPort(m.host, strconv.Itoa(realPort))

		var b *Binding
		var err error
		switch network {
		case "udp":
			var conn *net.UDPConn
			conn, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(m.host), Port: realPort})
			if err == nil {
				b = newBinding(port, BindingUDP)
				b.udp = conn
			}
		case "tcp":
			var ln net.Listener
			ln, err = net.Listen("tcp", addr)
			if err == nil {
				b = newBinding(port, BindingListener)
				b.listener = ln
			}
		default:
			return nil, fmt.Errorf("unsupported network %q", network)
		}

		if err != nil {
			if isAddrInUse(err) {
				m.log.Trace().Int("port", port).Str("addr", addr).Msg("Port in use, retrying")
				continue
			}
			return nil, fmt.Errorf("bind %s: %w", addr, err)
		}

		b.realPort = realPort
		m.log.Info().Int("port", port).Int("real_port", realPort).Str("network", network).
			Msg("Starting listener")
		return b, nil
	}
	return nil, fmt.Errorf("%w: port %d after %d attempts", ErrBindExhausted, port, bindAttempts)
}

func (m *BindingManager) start(b *Binding) {
	b.OnClose(func() { m.remove(b) })
	liveBindings.Inc()

	switch b.kind {
	case BindingUDP:
		go m.readLoop(b)
	case BindingListener:
		go m.acceptLoop(b)
	}
	if m.onBind != nil {
		m.onBind(b)
	}
}

func (m *BindingManager) remove(b *Binding) {
	m.mu.Lock()
	if cur, ok := m.bindings[b.Port]; ok && cur == b {
		delete(m.bindings, b.Port)
	}
	m.mu.Unlock()
	liveBindings.Dec()
	if m.onUnbind != nil {
		m.onUnbind(b)
	}
}

func (m *BindingManager) readLoop(b *Binding) {
	defer recoverPanic(m.log, "UDP read", func() { b.Close() })
	buf := make([]byte, m.bufferSize)
	for {
		n, from, err := b.udp.ReadFromUDP(buf)
		if err != nil {
			if !b.Closed() {
				m.log.Debug().Err(err).Int("port", b.Port).Msg("UDP read error, closing binding")
				b.Close()
			}
			return
		}
		b.Touch()
		if m.onDatagram != nil {
			m.onDatagram(b.Port, false, append([]byte(nil), buf[:n]...), from)
		}
	}
}

func (m *BindingManager) acceptLoop(b *Binding) {
	defer recoverPanic(m.log, "Bind accept", func() { b.Close() })
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if !b.Closed() {
				m.log.Debug().Err(err).Int("port", b.Port).Msg("Accept error, closing binding")
				b.Close()
			}
			return
		}
		b.Touch()
		if m.onAccept != nil {
			m.onAccept(b, conn)
			continue
		}
		m.log.Debug().Int("port", b.Port).Str("remote", conn.RemoteAddr().String()).
			Msg("Inbound connection on bind listener, closing")
		conn.Close()
	}
}

// Get returns the live binding for port, or nil.
func (m *BindingManager) Get(port int) *Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bindings[port]
	if b == nil || b.Closed() {
		return nil
	}
	return b
}

// Len returns the number of registered bindings.
func (m *BindingManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bindings)
}

// Sweep closes every binding idle for longer than the timeout at now and
// returns their virtual ports.
func (m *BindingManager) Sweep(now time.Time) []int {
	var expired []*Binding
	m.mu.Lock()
	for port, b := range m.bindings {
		if now.Sub(b.LastActivity()) > m.timeout {
			expired = append(expired, b)
			delete(m.bindings, port)
		}
	}
	m.mu.Unlock()

	ports := make([]int, 0, len(expired))
	for _, b := range expired {
		m.log.Info().
			Int("port", b.Port).
			Int("real_port", b.RealPort()).
			Dur("timeout", m.timeout).
			Msg("Binding timed out, closing")
		b.Close()
		evictions.Inc()
		ports = append(ports, b.Port)
	}
	return ports
}

// Run sweeps on every interval tick until ctx is done.
func (m *BindingManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Close closes every binding and refuses new ones.
func (m *BindingManager) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Binding, 0, len(m.bindings))
	for port, b := range m.bindings {
		all = append(all, b)
		delete(m.bindings, port)
	}
	m.mu.Unlock()

	for _, b := range all {
		b.Close()
	}
}
