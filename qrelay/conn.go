package qrelay

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	MaxWebSocketMessageSize = 1 << 20 // game datagrams are far smaller
)

// Transport is the byte channel a session speaks SOCKS over.
type Transport interface {
	// ReadChunk blocks until the next chunk arrives. Chunk boundaries carry
	// no meaning for stream transports.
	ReadChunk() ([]byte, error)
	// Send writes one frame. Safe for concurrent use.
	Send(p []byte) error
	Close() error
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	Kind() string
}

// WSConn wraps a websocket.Conn with mutex protection
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex

	label   string
	labelMu sync.Mutex
}

// NewWSConn creates a new mutex-protected websocket connection
func NewWSConn(conn *websocket.Conn, label string, logger zerolog.Logger) *WSConn {
	wsConn := &WSConn{
		conn:  conn,
		label: label,
	}

	conn.SetReadLimit(MaxWebSocketMessageSize)

	conn.SetPingHandler(func(data string) error {
		logger.Trace().Str("peer", wsConn.Label()).Msg("Received ping")
		err := wsConn.SyncWriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	return wsConn
}

func (c *WSConn) Label() string {
	c.labelMu.Lock()
	defer c.labelMu.Unlock()
	return c.label
}

func (c *WSConn) setLabel(label string) {
	c.labelMu.Lock()
	c.label = label
	c.labelMu.Unlock()
}

// SyncWriteBinary performs thread-safe binary writes to the websocket connection
func (c *WSConn) SyncWriteBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// SyncWriteControl writes a control frame. WriteControl may run alongside
// data writes, so it does not take the write lock.
func (c *WSConn) SyncWriteControl(messageType int, data []byte, deadline time.Time) error {
	return c.conn.WriteControl(messageType, data, deadline)
}

// ReadChunk returns the payload of the next data message, text or binary.
func (c *WSConn) ReadChunk() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.BinaryMessage || messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *WSConn) Send(p []byte) error {
	return c.SyncWriteBinary(p)
}

func (c *WSConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *WSConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *WSConn) Kind() string {
	return "websocket"
}

// Close sends a normal closure frame and closes the underlying connection
func (c *WSConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.SyncWriteControl(websocket.CloseMessage, msg, time.Now().Add(100*time.Millisecond))
	return c.conn.Close()
}

// streamConn adapts a raw TCP connection to Transport.
type streamConn struct {
	conn net.Conn
	buf  []byte
	mu   sync.Mutex
}

func newStreamConn(conn net.Conn, bufferSize int) *streamConn {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &streamConn{conn: conn, buf: make([]byte, bufferSize)}
}

func (c *streamConn) ReadChunk() ([]byte, error) {
	n, err := c.conn.Read(c.buf)
	if n > 0 {
		return append([]byte(nil), c.buf[:n]...), nil
	}
	return nil, err
}

func (c *streamConn) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(p)
	return err
}

func (c *streamConn) Close() error         { return c.conn.Close() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) Kind() string         { return "stream" }

// peerAddr returns the host and port identifying the peer of r. With trust
// set, X-Forwarded-For and X-Forwarded-Port set by another relay win over the
// socket address.
func peerAddr(r *http.Request, trust bool) (string, string) {
	host, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !trust {
		return host, port
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if idx := strings.Index(ip, ","); idx != -1 {
			ip = ip[:idx]
		}
		host = strings.TrimSpace(ip)
	}
	if p := strings.TrimSpace(r.Header.Get("X-Forwarded-Port")); p != "" {
		port = p
	}
	return host, port
}
