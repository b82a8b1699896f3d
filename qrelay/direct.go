package qrelay

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type directState int

const (
	directConnecting directState = iota
	directOpen
	directClosing
	directClosed
)

func (s directState) String() string {
	switch s {
	case directConnecting:
		return "connecting"
	case directOpen:
		return "open"
	case directClosing:
		return "closing"
	default:
		return "closed"
	}
}

// directConn is one WebSocket to a remote endpoint. Its callbacks belong to
// whichever session called Request last.
type directConn struct {
	key     string
	adopted bool

	mu        sync.Mutex
	state     directState
	ws        *WSConn
	pending   [][]byte
	onMessage func([]byte)
	onError   func(error)
}

// DirectManager keeps one outbound WebSocket per remote "ip:port".
type DirectManager struct {
	log     zerolog.Logger
	dialer  *websocket.Dialer
	proxyIP string
	timeout time.Duration

	mu     sync.Mutex
	conns  map[string]*directConn
	closed bool
}

func NewDirectManager(logger zerolog.Logger, dialer *websocket.Dialer, proxyIP string, timeout time.Duration) *DirectManager {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &DirectManager{
		log:     logger,
		dialer:  dialer,
		proxyIP: proxyIP,
		timeout: timeout,
		conns:   make(map[string]*directConn),
	}
}

func directKey(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// Request sends data to dstIP:dstPort over the shared connection for that
// endpoint, dialing it when absent or closing. Writes made before the
// connection opens are queued and flushed in order. onMessage and onError
// replace the callbacks of any earlier caller. realPort, when non-zero, is
// announced to the remote in X-Forwarded-Port. Returns the endpoint key.
func (m *DirectManager) Request(onError func(error), onMessage func([]byte), data []byte, dstIP string, dstPort int, realPort int) string {
	key := directKey(dstIP, dstPort)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			if onError != nil {
				onError(ErrServerClosed)
			}
			return key
		}
		dc := m.conns[key]
		if dc == nil || dc.currentState() >= directClosing {
			dc = &directConn{
				key:       key,
				state:     directConnecting,
				pending:   [][]byte{data},
				onMessage: onMessage,
				onError:   onError,
			}
			m.conns[key] = dc
			m.mu.Unlock()

			directConns.Inc()
			m.log.Debug().Str("remote", key).Int("real_port", realPort).Msg("Websocket request")
			go m.dial(dc, realPort)
			return key
		}
		m.mu.Unlock()

		dc.mu.Lock()
		switch dc.state {
		case directConnecting:
			dc.pending = append(dc.pending, data)
		case directOpen:
			if err := dc.ws.SyncWriteBinary(data); err != nil {
				m.log.Debug().Err(err).Str("remote", key).Msg("Direct write failed")
			}
		default:
			dc.mu.Unlock()
			continue
		}
		dc.onMessage = onMessage
		dc.onError = onError
		dc.mu.Unlock()
		return key
	}
}

func (dc *directConn) currentState() directState {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.state
}

func (m *DirectManager) dial(dc *directConn, realPort int) {
	defer recoverPanic(m.log, "Direct connection", func() { m.closeConn(dc) })

	header := http.Header{}
	if realPort > 0 {
		header.Set("X-Forwarded-Port", strconv.Itoa(realPort))
		if m.proxyIP != "" {
			header.Set("X-Forwarded-For", m.proxyIP)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	conn, _, err := m.dialer.DialContext(ctx, "ws://"+dc.key, header)
	cancel()
	if err != nil {
		dc.mu.Lock()
		dc.state = directClosed
		dc.pending = nil
		onError := dc.onError
		dc.mu.Unlock()
		m.remove(dc)

		m.log.Debug().Err(err).Str("remote", dc.key).Msg("Direct connect failed")
		if onError != nil {
			onError(err)
		}
		return
	}

	ws := NewWSConn(conn, dc.key, m.log)
	dc.mu.Lock()
	if dc.state != directConnecting {
		dc.mu.Unlock()
		ws.Close()
		return
	}
	dc.ws = ws
	for _, p := range dc.pending {
		if err := ws.SyncWriteBinary(p); err != nil {
			m.log.Debug().Err(err).Str("remote", dc.key).Msg("Flushing pending write failed")
			break
		}
	}
	dc.pending = nil
	dc.state = directOpen
	dc.mu.Unlock()

	m.log.Debug().Str("remote", dc.key).Msg("Direct connection open")
	m.readLoop(dc)
}

func (m *DirectManager) readLoop(dc *directConn) {
	defer m.closeConn(dc)
	for {
		data, err := dc.ws.ReadChunk()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.log.Debug().Err(err).Str("remote", dc.key).Msg("Direct connection lost")
			}
			return
		}
		dc.mu.Lock()
		fn := dc.onMessage
		dc.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
}

func (m *DirectManager) closeConn(dc *directConn) {
	dc.mu.Lock()
	if dc.state == directClosed {
		dc.mu.Unlock()
		return
	}
	dc.state = directClosed
	dc.pending = nil
	ws := dc.ws
	dc.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	m.remove(dc)
}

func (m *DirectManager) remove(dc *directConn) {
	m.mu.Lock()
	removed := false
	if cur, ok := m.conns[dc.key]; ok && cur == dc {
		delete(m.conns, dc.key)
		removed = true
	}
	m.mu.Unlock()
	if removed {
		directConns.Dec()
	}
}

// Adopt registers an already open WebSocket, such as a bridge peer, under
// key so WS-tunnel requests to that endpoint write to it.
func (m *DirectManager) Adopt(key string, ws *WSConn) {
	dc := &directConn{key: key, adopted: true, state: directOpen, ws: ws}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	old := m.conns[key]
	m.conns[key] = dc
	m.mu.Unlock()

	if old == nil {
		directConns.Inc()
	}
}

// Release drops key if it still maps to ws. The socket is left to its owner.
func (m *DirectManager) Release(key string, ws *WSConn) {
	m.mu.Lock()
	dc, ok := m.conns[key]
	if !ok || dc.ws != ws {
		m.mu.Unlock()
		return
	}
	delete(m.conns, key)
	m.mu.Unlock()

	dc.mu.Lock()
	dc.state = directClosed
	dc.mu.Unlock()
	directConns.Dec()
}

// CloseKey closes the connection for key if it is open.
func (m *DirectManager) CloseKey(key string) {
	m.mu.Lock()
	dc := m.conns[key]
	m.mu.Unlock()
	if dc == nil || dc.currentState() != directOpen {
		return
	}
	m.log.Debug().Str("remote", key).Msg("Closing direct connection")
	m.closeConn(dc)
}

// State returns the state name of the connection for key.
func (m *DirectManager) State(key string) (string, bool) {
	m.mu.Lock()
	dc, ok := m.conns[key]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return dc.currentState().String(), true
}

func (m *DirectManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close closes every connection, dropping queued writes.
func (m *DirectManager) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*directConn, 0, len(m.conns))
	for _, dc := range m.conns {
		all = append(all, dc)
	}
	m.mu.Unlock()

	for _, dc := range all {
		dc.mu.Lock()
		if dc.state == directConnecting {
			dc.state = directClosing
		}
		dc.mu.Unlock()
		m.closeConn(dc)
	}
}
