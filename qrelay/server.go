package qrelay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xquakejs/qrelay/netchan"
)

const (
	DefaultBufferSize     = 32 * 1024
	DefaultConnectWait    = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second

	maxAuths = 255
)

// Server accepts SOCKS sessions over raw TCP and WebSocket and owns every
// relay registry.
type Server struct {
	opt *ServerOption
	log zerolog.Logger

	mu         sync.RWMutex
	ready      chan struct{}
	readyOnce  sync.Once
	cancelFunc context.CancelFunc
	errors     chan error
	closed     bool

	auths     []Authenticator
	sessions  map[uuid.UUID]*Session
	receivers map[int]*Session

	bindings *BindingManager
	direct   *DirectManager
	dns      *DNSCache
	decoder  *netchan.Decoder
	limiter  *rate.Limiter
	mapper   PortMapper
	dialer   *net.Dialer

	streamListener net.Listener
	wsListener     net.Listener
	wsServer       *http.Server
	metricsServer  *http.Server
}

// ServerOption represents configuration options for Server
type ServerOption struct {
	SocksAddr           string
	WSAddr              string
	BindHost            string
	PublicAddr          string
	ProxyIP             string
	TrustForwardHeaders bool
	DisableBridge       bool
	UDPTimeout          time.Duration
	SweepInterval       time.Duration
	ConnectWait         time.Duration
	ConnectTimeout      time.Duration
	BufferSize          int
	AcceptRate          float64
	AcceptBurst         int
	MetricsAddr         string
	UPnP                bool
	PortMapper          PortMapper
	Logger              zerolog.Logger
	Codec               netchan.Codec
	NetSink             NetSink
	Resolver            Resolver
	WSDialer            *websocket.Dialer
	BindHandler         func(port int, conn net.Conn)
}

// DefaultServerOption returns default server options
func DefaultServerOption() *ServerOption {
	return &ServerOption{
		SocksAddr:      "0.0.0.0:1081",
		WSAddr:         "0.0.0.0:8081",
		BindHost:       "0.0.0.0",
		UDPTimeout:     DefaultUDPTimeout,
		SweepInterval:  DefaultSweepInterval,
		ConnectWait:    DefaultConnectWait,
		ConnectTimeout: DefaultConnectTimeout,
		BufferSize:     DefaultBufferSize,
		Logger:         zerolog.New(os.Stdout).With().Timestamp().Logger(),
	}
}

// WithSocksAddr sets the raw TCP SOCKS listen address; empty disables it
func (o *ServerOption) WithSocksAddr(addr string) *ServerOption {
	o.SocksAddr = addr
	return o
}

// WithWSAddr sets the WebSocket SOCKS listen address; empty disables it
func (o *ServerOption) WithWSAddr(addr string) *ServerOption {
	o.WSAddr = addr
	return o
}

// WithBindHost sets the host relay bindings and bridges listen on
func (o *ServerOption) WithBindHost(host string) *ServerOption {
	o.BindHost = host
	return o
}

// WithPublicAddr sets the address reported in success replies
func (o *ServerOption) WithPublicAddr(addr string) *ServerOption {
	o.PublicAddr = addr
	return o
}

// WithProxyIP sets the X-Forwarded-For value sent on direct connections
func (o *ServerOption) WithProxyIP(ip string) *ServerOption {
	o.ProxyIP = ip
	return o
}

// WithTrustForwardHeaders makes bridges identify peers by X-Forwarded-* headers
func (o *ServerOption) WithTrustForwardHeaders(trust bool) *ServerOption {
	o.TrustForwardHeaders = trust
	return o
}

// WithDisableBridge turns off the WebSocket bridge on UDP bindings
func (o *ServerOption) WithDisableBridge(disable bool) *ServerOption {
	o.DisableBridge = disable
	return o
}

// WithUDPTimeout sets how long an idle binding lives
func (o *ServerOption) WithUDPTimeout(timeout time.Duration) *ServerOption {
	o.UDPTimeout = timeout
	return o
}

// WithSweepInterval sets how often idle bindings are collected
func (o *ServerOption) WithSweepInterval(interval time.Duration) *ServerOption {
	o.SweepInterval = interval
	return o
}

// WithConnectWait sets how long CONNECT waits for an in-flight BIND or UDP setup
func (o *ServerOption) WithConnectWait(wait time.Duration) *ServerOption {
	o.ConnectWait = wait
	return o
}

// WithConnectTimeout sets the connect timeout duration
func (o *ServerOption) WithConnectTimeout(timeout time.Duration) *ServerOption {
	o.ConnectTimeout = timeout
	return o
}

// WithBufferSize sets the buffer size for data transfer
func (o *ServerOption) WithBufferSize(size int) *ServerOption {
	o.BufferSize = size
	return o
}

// WithAcceptRate limits accepted sessions per second; zero disables the limit
func (o *ServerOption) WithAcceptRate(perSecond float64, burst int) *ServerOption {
	o.AcceptRate = perSecond
	o.AcceptBurst = burst
	return o
}

// WithMetricsAddr enables the Prometheus listener
func (o *ServerOption) WithMetricsAddr(addr string) *ServerOption {
	o.MetricsAddr = addr
	return o
}

// WithUPnP enables gateway port mapping of relay bindings
func (o *ServerOption) WithUPnP(enable bool) *ServerOption {
	o.UPnP = enable
	return o
}

// WithPortMapper sets the gateway port mapper, skipping discovery
func (o *ServerOption) WithPortMapper(mapper PortMapper) *ServerOption {
	o.PortMapper = mapper
	return o
}

// WithLogger sets the logger
func (o *ServerOption) WithLogger(logger zerolog.Logger) *ServerOption {
	o.Logger = logger
	return o
}

// WithCodec sets the bit codec used by the diagnostic decoder
func (o *ServerOption) WithCodec(codec netchan.Codec) *ServerOption {
	o.Codec = codec
	return o
}

// WithNetSink sets the receiver of every delivered datagram
func (o *ServerOption) WithNetSink(sink NetSink) *ServerOption {
	o.NetSink = sink
	return o
}

// WithResolver sets the DNS resolver
func (o *ServerOption) WithResolver(resolver Resolver) *ServerOption {
	o.Resolver = resolver
	return o
}

// WithWSDialer sets the dialer for direct WebSocket connections
func (o *ServerOption) WithWSDialer(dialer *websocket.Dialer) *ServerOption {
	o.WSDialer = dialer
	return o
}

// WithBindHandler sets the handler for connections accepted on BIND listeners
func (o *ServerOption) WithBindHandler(handler func(port int, conn net.Conn)) *ServerOption {
	o.BindHandler = handler
	return o
}

// NewServer creates a new Server instance
func NewServer(opt *ServerOption) *Server {
	if opt == nil {
		opt = DefaultServerOption()
	}
	if opt.ConnectWait <= 0 {
		opt.ConnectWait = DefaultConnectWait
	}
	if opt.ConnectTimeout <= 0 {
		opt.ConnectTimeout = DefaultConnectTimeout
	}

	s := &Server{
		opt:       opt,
		log:       opt.Logger,
		ready:     make(chan struct{}),
		errors:    make(chan error, 1),
		sessions:  make(map[uuid.UUID]*Session),
		receivers: make(map[int]*Session),
		dns:       NewDNSCache(opt.Resolver, opt.Logger),
		decoder:   netchan.NewDecoder(opt.Codec),
		mapper:    opt.PortMapper,
		dialer:    &net.Dialer{Timeout: opt.ConnectTimeout, KeepAlive: 30 * time.Second},
	}

	s.bindings = NewBindingManager(opt.Logger, opt.BindHost, opt.UDPTimeout)
	if opt.SweepInterval > 0 {
		s.bindings.interval = opt.SweepInterval
	}
	s.bindings.onDatagram = s.onDatagram
	s.bindings.onBind = s.mapBinding
	s.bindings.onUnbind = s.unmapBinding
	if opt.BindHandler != nil {
		s.bindings.onAccept = func(b *Binding, conn net.Conn) {
			opt.BindHandler(b.Port, conn)
		}
	}

	s.direct = NewDirectManager(opt.Logger, opt.WSDialer, opt.ProxyIP, opt.ConnectTimeout)

	if opt.AcceptRate > 0 {
		burst := opt.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opt.AcceptRate), burst)
	}

	return s
}

// UseAuth appends an authentication handler. With none registered every
// client is accepted without authentication.
func (s *Server) UseAuth(auth Authenticator) error {
	if auth == nil {
		return errors.New("invalid authentication handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.auths) >= maxAuths {
		return fmt.Errorf("%w (limited to %d)", ErrTooManyAuths, maxAuths)
	}
	s.auths = append(s.auths, auth)
	return nil
}

// negotiate answers the method list and reports whether the session may
// continue.
func (s *Server) negotiate(sess *Session, methods []byte) bool {
	s.mu.RLock()
	auths := s.auths
	s.mu.RUnlock()

	if len(auths) == 0 {
		if err := sess.Send(methodReply(MethodNoAuth)); err != nil {
			return false
		}
		sess.parser.MarkAuthed()
		return true
	}

	for _, auth := range auths {
		if bytes.IndexByte(methods, auth.Method()) < 0 {
			continue
		}
		if err := auth.Authorize(sess.transport.RemoteAddr()); err != nil {
			sess.log.Debug().Err(err).Msg("Authentication handler rejected client")
			continue
		}
		if err := sess.Send(methodReply(auth.Method())); err != nil {
			return false
		}
		sess.parser.MarkAuthed()
		return true
	}

	sess.log.Warn().Str("remote", sess.transport.RemoteAddr().String()).Msg("No acceptable authentication method")
	sess.Send(methodReply(MethodNoAcceptable))
	return false
}

// Serve starts the listeners and blocks until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.cancelFunc = cancel
	s.mu.Unlock()

	if s.opt.UPnP && s.opt.PortMapper == nil {
		dctx, dcancel := context.WithTimeout(ctx, 5*time.Second)
		mapper, err := DiscoverPortMapper(dctx)
		dcancel()
		if err != nil {
			s.log.Warn().Err(err).Msg("UPnP unavailable, continuing without port mapping")
		} else {
			s.mu.Lock()
			s.mapper = mapper
			s.mu.Unlock()
			s.log.Info().Msg("UPnP gateway found")
		}
	}

	var streamLn, wsLn, metricsLn net.Listener
	var err error
	closeAll := func() {
		for _, ln := range []net.Listener{streamLn, wsLn, metricsLn} {
			if ln != nil {
				ln.Close()
			}
		}
	}
	if s.opt.SocksAddr != "" {
		if streamLn, err = net.Listen("tcp", s.opt.SocksAddr); err != nil {
			return fmt.Errorf("listen socks: %w", err)
		}
	}
	if s.opt.WSAddr != "" {
		if wsLn, err = net.Listen("tcp", s.opt.WSAddr); err != nil {
			closeAll()
			return fmt.Errorf("listen websocket: %w", err)
		}
	}
	if s.opt.MetricsAddr != "" {
		if metricsLn, err = net.Listen("tcp", s.opt.MetricsAddr); err != nil {
			closeAll()
			return fmt.Errorf("listen metrics: %w", err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		closeAll()
		return ErrServerClosed
	}
	s.streamListener = streamLn
	s.wsListener = wsLn
	if wsLn != nil {
		s.wsServer = &http.Server{Handler: s.wsHandler()}
	}
	if metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsServer = &http.Server{Handler: mux}
	}
	wsServer, metricsServer := s.wsServer, s.metricsServer
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if streamLn != nil {
		g.Go(func() error { return s.acceptLoop(gctx, streamLn) })
	}
	if wsServer != nil {
		g.Go(func() error { return serveHTTP(wsServer, wsLn) })
	}
	if metricsServer != nil {
		g.Go(func() error { return serveHTTP(metricsServer, metricsLn) })
	}
	g.Go(func() error { return s.bindings.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.closeListeners()
		return nil
	})

	event := s.log.Info()
	if streamLn != nil {
		event = event.Str("socks", streamLn.Addr().String())
	}
	if wsLn != nil {
		event = event.Str("websocket", wsLn.Addr().String())
	}
	if metricsLn != nil {
		event = event.Str("metrics", metricsLn.Addr().String())
	}
	event.Msg("Relay server started")
	s.readyOnce.Do(func() { close(s.ready) })

	return g.Wait()
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WaitReady starts Serve in the background and waits for the server to be
// ready with optional timeout
func (s *Server) WaitReady(ctx context.Context, timeout time.Duration) error {
	go func() {
		if err := s.Serve(ctx); err != nil && !errors.Is(err, ErrServerClosed) {
			s.errors <- err
		}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-s.ready:
		return nil
	case err := <-s.errors:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return fmt.Errorf("timeout waiting for server to be ready")
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("Failed to accept SOCKS connection")
			continue
		}
		s.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Net socket connection")
		go s.startSession(newStreamConn(conn, s.opt.BufferSize))
	}
}

func (s *Server) wsHandler() http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			if r.URL.Path == "/" {
				fmt.Fprintf(w, "qrelay %s is running.\n", Version)
				return
			}
			http.NotFound(w, r)
			return
		}
		if s.limiter != nil && !s.limiter.Allow() {
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to upgrade connection")
			return
		}
		s.log.Debug().Str("remote", r.RemoteAddr).Msg("Websocket connection")
		s.startSession(NewWSConn(conn, r.RemoteAddr, s.log))
	})
}

func (s *Server) startSession(t Transport) {
	sess := newSession(s, t)
	if !s.addSession(sess) {
		t.Close()
		return
	}
	sess.run()
}

func (s *Server) addSession(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.id] = sess
	activeSessions.Inc()
	return true
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.id]; !ok {
		return
	}
	delete(s.sessions, sess.id)
	for port, r := range s.receivers {
		if r == sess {
			delete(s.receivers, port)
		}
	}
	activeSessions.Dec()
	sess.log.Debug().Msg("Session closed")
}

// setReceiver makes sess the destination of traffic for virtual port.
func (s *Server) setReceiver(port int, sess *Session) {
	s.mu.Lock()
	s.receivers[port] = sess
	s.mu.Unlock()
}

func (s *Server) receiver(port int) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receivers[port]
}

func (s *Server) portMapper() PortMapper {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapper
}

func (s *Server) mapBinding(b *Binding) {
	mapper := s.portMapper()
	if mapper == nil {
		return
	}
	go func() {
		defer recoverPanic(s.log, "UPnP mapping")
		ctx, cancel := context.WithTimeout(context.Background(), s.opt.ConnectTimeout)
		defer cancel()
		mapBinding(ctx, mapper, b, s.log)
	}()
}

func (s *Server) unmapBinding(b *Binding) {
	mapper := s.portMapper()
	if mapper == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opt.ConnectTimeout)
	defer cancel()
	unmapBinding(ctx, mapper, b, s.log)
}

// StreamAddr returns the bound raw TCP SOCKS address, or nil.
func (s *Server) StreamAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.streamListener == nil {
		return nil
	}
	return s.streamListener.Addr()
}

// WSAddr returns the bound WebSocket SOCKS address, or nil.
func (s *Server) WSAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wsListener == nil {
		return nil
	}
	return s.wsListener.Addr()
}

// GetSessionCount returns the number of open sessions
func (s *Server) GetSessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// GetBindingCount returns the number of live relay bindings
func (s *Server) GetBindingCount() int {
	return s.bindings.Len()
}

func (s *Server) closeListeners() {
	s.mu.RLock()
	streamLn, wsServer, metricsServer := s.streamListener, s.wsServer, s.metricsServer
	s.mu.RUnlock()

	if streamLn != nil {
		streamLn.Close()
	}
	if wsServer != nil {
		if err := wsServer.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Error closing WebSocket server")
		}
	}
	if metricsServer != nil {
		metricsServer.Close()
	}
}

// Close gracefully shuts down the Server
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancelFunc
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.closeListeners()
	for _, sess := range sessions {
		sess.Close()
	}
	s.bindings.Close()
	s.direct.Close()
	s.log.Info().Msg("Server stopped")
}
