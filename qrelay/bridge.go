package qrelay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Bridge exposes one UDP binding to WebSocket peers on the binding's real
// port. Peer messages enter the same path as UDP datagrams.
type Bridge struct {
	port   int
	log    zerolog.Logger
	dns    *DNSCache
	direct *DirectManager
	handle DatagramHandler
	trust  bool

	server   *http.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	peers  map[*WSConn]struct{}
	closed bool
}

func newBridge(port int, logger zerolog.Logger, dns *DNSCache, direct *DirectManager, handle DatagramHandler, trust bool) *Bridge {
	br := &Bridge{
		port:   port,
		log:    logger,
		dns:    dns,
		direct: direct,
		handle: handle,
		trust:  trust,
		peers:  make(map[*WSConn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	br.server = &http.Server{Handler: http.HandlerFunc(br.serveWS)}
	return br
}

// Start listens on host:realPort and serves in the background.
func (br *Bridge) Start(host string, realPort int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(realPort)))
	if err != nil {
		return err
	}
	go func() {
		if err := br.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			br.log.Debug().Err(err).Int("port", br.port).Msg("Bridge server stopped")
		}
	}()
	br.log.Debug().Int("port", br.port).Str("listen", ln.Addr().String()).Msg("Websockify started")
	return nil
}

func (br *Bridge) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := br.upgrader.Upgrade(w, r, nil)
	if err != nil {
		br.log.Debug().Err(err).Msg("Failed to upgrade bridge connection")
		return
	}

	host, portStr := peerAddr(r, br.trust)
	ws := NewWSConn(conn, r.RemoteAddr, br.log)
	if !br.track(ws) {
		ws.Close()
		return
	}
	defer func() {
		br.untrack(ws)
		ws.Close()
	}()
	defer recoverPanic(br.log, "Bridge peer")

	ip, err := br.dns.Lookup(context.Background(), host)
	if err != nil {
		br.log.Debug().Err(err).Str("host", host).Msg("Bridge peer lookup failed")
		return
	}
	port, _ := strconv.Atoi(portStr)
	key := directKey(ip, port)
	ws.setLabel(key)
	from := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}

	br.log.Debug().Str("peer", key).Int("port", br.port).Msg("Direct connect")
	br.direct.Adopt(key, ws)
	defer br.direct.Release(key, ws)

	for {
		data, err := ws.ReadChunk()
		if err != nil {
			return
		}
		br.handle(br.port, true, data, from)
	}
}

func (br *Bridge) track(ws *WSConn) bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.closed {
		return false
	}
	br.peers[ws] = struct{}{}
	return true
}

func (br *Bridge) untrack(ws *WSConn) {
	br.mu.Lock()
	delete(br.peers, ws)
	br.mu.Unlock()
}

// Close stops the listener and disconnects every peer.
func (br *Bridge) Close() error {
	br.mu.Lock()
	if br.closed {
		br.mu.Unlock()
		return nil
	}
	br.closed = true
	peers := make([]*WSConn, 0, len(br.peers))
	for ws := range br.peers {
		peers = append(peers, ws)
	}
	br.mu.Unlock()

	err := br.server.Close()
	for _, ws := range peers {
		ws.Close()
	}
	return err
}
