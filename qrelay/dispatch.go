package qrelay

import (
	"context"
	"net"
	"strconv"

	"github.com/xquakejs/qrelay/netchan"
)

// handleRequest routes one parsed request. It returns false when the
// session must close.
func (s *Server) handleRequest(sess *Session, req Request) bool {
	sess.log.Debug().
		Str("cmd", commandName(req.Cmd)).
		Str("addr", req.DstAddr).
		Int("port", req.DstPort).
		Int("data_len", len(req.Data)).
		Msg("Request")

	ctx, cancel := context.WithTimeout(context.Background(), s.opt.ConnectTimeout)
	dstIP, err := s.dns.Lookup(ctx, req.DstAddr)
	cancel()
	if err != nil {
		// No reply is sent; the client sees the request go unanswered.
		sess.log.Warn().Err(err).Str("addr", req.DstAddr).Msg("DNS error")
		return true
	}

	switch req.Cmd {
	case CmdUDPAssociate:
		s.associate(sess, req, "udp")
	case CmdBind:
		s.associate(sess, req, "tcp")
	case CmdConnect:
		s.connect(sess, req, dstIP)
	case CmdWSTunnel:
		s.tunnel(sess, req, dstIP)
	default:
		sess.log.Warn().Uint8("cmd", req.Cmd).Msg("Command unsupported")
		s.reply(sess, errorReply(RepCommandNotSupported))
		return false
	}
	return true
}

// associate serves UDP-ASSOCIATE ("udp") and BIND ("tcp"). Setup runs in
// the background; CONNECT requests on the same session wait for it.
func (s *Server) associate(sess *Session, req Request, network string) {
	done := sess.beginBinding()
	s.setReceiver(req.DstPort, sess)

	go func() {
		defer sess.endBinding(done)
		defer recoverPanic(sess.log, "Binding setup")

		b, created, err := s.bindings.Acquire(req.DstPort, network)
		if err != nil {
			kind := ClassifyError(err)
			sess.log.Warn().Err(err).Int("port", req.DstPort).Str("network", network).
				Str("kind", kind.String()).Msg("Bind failed")
			s.reply(sess, errorReply(kind.Reply()))
			return
		}
		if created && b.Kind() == BindingUDP && !s.opt.DisableBridge {
			s.startBridge(b)
		}
		sess.attach(b, req.DstPort)
		s.reply(sess, successReply(s.replyIP(sess), b.RealPort()))

		sess.log.Info().
			Str("remote", sess.transport.RemoteAddr().String()).
			Int("port", req.DstPort).
			Int("real_port", b.RealPort()).
			Bool("reused", !created).
			Msg("Switching to relay listener")
	}()
}

func (s *Server) startBridge(b *Binding) {
	br := newBridge(b.Port, s.log, s.dns, s.direct, s.onDatagram, s.opt.TrustForwardHeaders)
	if err := br.Start(s.opt.BindHost, b.RealPort()); err != nil {
		s.log.Warn().Err(err).Int("port", b.Port).Int("real_port", b.RealPort()).Msg("Failed to start websockify")
		return
	}
	b.setBridge(br)
}

// connect serves CONNECT: through the session's binding when it has one,
// otherwise over a fresh TCP connection.
func (s *Server) connect(sess *Session, req Request, dstIP string) {
	if sess.waitBinding(s.opt.ConnectWait) {
		sess.log.Debug().Dur("wait", s.opt.ConnectWait).Msg("Binding still in progress, connecting anyway")
	}

	ip := net.ParseIP(dstIP)
	if b := sess.Binding(); b != nil {
		if b.Kind() == BindingListener {
			sess.log.Debug().Int("port", b.Port).Msg("CONNECT on a BIND listener, dropping payload")
			return
		}
		s.showNet(sess, req.Data, true)
		if err := b.WriteTo(req.Data, ip, req.DstPort); err != nil {
			sess.log.Debug().Err(err).Str("dst", dstIP).Int("port", req.DstPort).Msg("Relay send failed")
			return
		}
		b.Touch()
		datagrams.WithLabelValues("outbound").Inc()
		return
	}

	s.dialStream(sess, req, dstIP)
}

func (s *Server) dialStream(sess *Session, req Request, dstIP string) {
	addr := net.JoinHostPort(dstIP, strconv.Itoa(req.DstPort))
	ctx, cancel := context.WithTimeout(context.Background(), s.opt.ConnectTimeout)
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	cancel()
	if err != nil {
		sess.log.Debug().Err(err).Str("target", addr).Msg("Failed to connect to target")
		s.reply(sess, errorReply(ClassifyError(err).Reply()))
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
	}

	b := newStreamBinding(req.DstPort, conn)
	sess.attach(b, req.DstPort)
	s.reply(sess, successReply(s.replyIP(sess), b.RealPort()))

	if len(req.Data) > 0 {
		if _, err := b.Write(req.Data); err != nil {
			sess.log.Debug().Err(err).Str("target", addr).Msg("Stream write failed")
			b.Close()
			return
		}
	}
	sess.setPipe(b)
	go s.pipeStream(sess, b)
	sess.log.Debug().Str("target", addr).Msg("Starting pipe")
}

func (s *Server) pipeStream(sess *Session, b *Binding) {
	defer b.Close()
	defer recoverPanic(sess.log, "Stream pipe")
	buf := make([]byte, s.opt.BufferSize)
	if len(buf) == 0 {
		buf = make([]byte, DefaultBufferSize)
	}
	for {
		n, err := b.stream.Read(buf)
		if n > 0 {
			b.Touch()
			if werr := sess.Send(append([]byte(nil), buf[:n]...)); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// tunnel serves the WS-tunnel command: the payload and later traffic go to
// dstIP:dstPort over a direct WebSocket, and replies come back to this
// session framed like relayed datagrams.
func (s *Server) tunnel(sess *Session, req Request, dstIP string) {
	port := sess.boundPort()
	if port == 0 {
		port = sess.remotePort()
	}
	s.setReceiver(port, sess)

	realPort := 0
	if b := sess.Binding(); b != nil {
		realPort = b.RealPort()
	}

	s.showNet(sess, req.Data, false)
	from := &net.UDPAddr{IP: net.ParseIP(dstIP), Port: req.DstPort}
	key := s.direct.Request(
		func(err error) { s.proxyError(port, err) },
		func(msg []byte) { s.onDatagram(port, true, msg, from) },
		req.Data, dstIP, req.DstPort, realPort)
	sess.trackDirect(key)
	datagrams.WithLabelValues("outbound").Inc()
}

// onDatagram frames a datagram for the receiver of port and sends it.
func (s *Server) onDatagram(port int, viaWS bool, payload []byte, from *net.UDPAddr) {
	if b := s.bindings.Get(port); b != nil {
		b.Touch()
	}
	recv := s.receiver(port)
	if recv == nil {
		s.log.Trace().Int("port", port).Msg("No receiver for datagram")
		return
	}

	var ip net.IP
	fromPort := 0
	domain := ""
	if from != nil {
		ip = from.IP
		fromPort = from.Port
		domain = s.dns.DomainFor(ip.String())
		if domain != "" && viaWS {
			domain = "ws://" + domain
		}
	}

	s.showNet(recv, payload, true)
	frame := append(udpReplyHeader(ip, domain, fromPort), payload...)
	if err := recv.Send(frame); err != nil {
		recv.log.Trace().Err(err).Msg("Failed to deliver datagram")
		return
	}
	datagrams.WithLabelValues("inbound").Inc()

	if s.opt.NetSink != nil {
		s.opt.NetSink.Deliver(NetMessage{
			Payload: payload,
			Meta: NetMeta{
				Port:      port,
				Address:   ip.String(),
				From:      fromPort,
				WebSocket: viaWS,
			},
		})
	}
}

// proxyError reports err to the receiver of port as a SOCKS error reply.
func (s *Server) proxyError(port int, err error) {
	recv := s.receiver(port)
	if recv == nil {
		s.log.Debug().Err(err).Int("port", port).Msg("Proxy error without receiver")
		return
	}
	kind := ClassifyError(err)
	recv.log.Debug().Err(err).Str("kind", kind.String()).Msg("Proxy error")
	s.reply(recv, errorReply(kind.Reply()))
}

func (s *Server) reply(sess *Session, frame []byte) {
	if len(frame) > 1 {
		countReply(frame[1])
	}
	if err := sess.Send(frame); err != nil {
		sess.log.Debug().Err(err).Msg("Failed to send reply")
	}
}

// replyIP is the address placed in success replies.
func (s *Server) replyIP(sess *Session) net.IP {
	if s.opt.PublicAddr != "" {
		if ip := net.ParseIP(s.opt.PublicAddr); ip != nil {
			return ip
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opt.ConnectTimeout)
		defer cancel()
		if addr, err := s.dns.Lookup(ctx, s.opt.PublicAddr); err == nil {
			return net.ParseIP(addr)
		}
	}
	return sess.localIP()
}

// showNet logs the decoded game header of payload at debug level.
func (s *Server) showNet(sess *Session, payload []byte, client bool) {
	if len(payload) == 0 {
		return
	}
	e := sess.log.Debug()
	if !e.Enabled() {
		return
	}
	pkt := sess.decode(s.decoder, payload, client)
	e = e.Str("direction", pkt.Direction())
	if pkt.OOB {
		e.Str("oob", pkt.Text).Msg("netchan")
		return
	}
	e = e.Uint32("seq", pkt.Sequence).
		Bool("fragment", pkt.Fragment).
		Bool("checksum_valid", pkt.ChecksumValid).
		Int32("dropped", pkt.Dropped).
		Uint32("ack", pkt.Ack).
		Int("cmd", pkt.Command)
	if name := netchan.CommandName(pkt.Command); name != "" {
		e = e.Str("cmd_name", name)
	}
	if pkt.Fragment {
		e = e.Uint16("frag_start", pkt.FragmentStart).Uint16("frag_len", pkt.FragmentLength)
	}
	if pkt.Text != "" {
		e = e.Str("text", pkt.Text)
	}
	e.Msg("netchan")
}
