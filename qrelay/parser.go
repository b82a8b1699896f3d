package qrelay

import (
	"encoding/binary"
	"fmt"
	"net"
)

// EventType identifies what the parser found in the stream.
type EventType int

const (
	EventMethods EventType = iota
	EventRequest
	EventPing
)

func (t EventType) String() string {
	switch t {
	case EventMethods:
		return "methods"
	case EventRequest:
		return "request"
	case EventPing:
		return "ping"
	default:
		return "unknown"
	}
}

// Request is a parsed SOCKS5 request header plus the bytes that followed it.
type Request struct {
	Cmd     byte
	Atyp    byte
	DstAddr string
	DstPort int
	Data    []byte
}

// Event is emitted by Parser.Feed in stream order.
type Event struct {
	Type    EventType
	Methods []byte
	Request Request
}

type parserState int

const (
	stateVersion parserState = iota
	stateNMethods
	stateMethods
	stateAuth
	stateReqVersion
	stateCmd
	stateRsv
	stateAtyp
	stateAddrLen
	stateAddr
	statePort
)

// Parser is a resumable SOCKS5 handshake and request parser. Chunks may be
// split at any byte boundary.
type Parser struct {
	state   parserState
	pending []byte

	methods []byte
	need    int

	cmd  byte
	atyp byte
	addr []byte
	port []byte
}

func NewParser() *Parser {
	return &Parser{}
}

// Authed reports whether method negotiation has completed.
func (p *Parser) Authed() bool {
	return p.state >= stateReqVersion
}

// MarkAuthed switches the parser from the handshake to request framing.
// Bytes received while negotiation was pending are parsed on the next Feed.
func (p *Parser) MarkAuthed() {
	if p.state < stateReqVersion {
		p.state = stateReqVersion
	}
}

// Feed consumes chunk and returns the events it completed. After a non-nil
// error the parser must not be fed again.
func (p *Parser) Feed(chunk []byte) ([]Event, error) {
	if p.state == stateAuth {
		p.pending = append(p.pending, chunk...)
		return nil, nil
	}
	data := chunk
	if len(p.pending) > 0 {
		data = append(p.pending, chunk...)
		p.pending = nil
	}

	var events []Event
	for i := 0; i < len(data); {
		c := data[i]
		i++
		switch p.state {
		case stateVersion:
			if c != socksVersion {
				return events, fmt.Errorf("%w: incorrect socks version %d", ErrParse, c)
			}
			p.state = stateNMethods
		case stateNMethods:
			if c == 0 {
				return events, fmt.Errorf("%w: empty method list", ErrParse)
			}
			p.need = int(c)
			p.methods = make([]byte, 0, p.need)
			p.state = stateMethods
		case stateMethods:
			p.methods = append(p.methods, c)
			if len(p.methods) == p.need {
				events = append(events, Event{Type: EventMethods, Methods: p.methods})
				p.methods = nil
				p.state = stateAuth
				if i < len(data) {
					p.pending = append(p.pending, data[i:]...)
				}
				return events, nil
			}
		case stateReqVersion:
			if c != socksVersion {
				return events, fmt.Errorf("%w: incorrect socks version %d", ErrParse, c)
			}
			p.state = stateCmd
		case stateCmd:
			if c == CmdPing {
				events = append(events, Event{Type: EventPing})
				p.state = stateReqVersion
				continue
			}
			p.cmd = c
			p.state = stateRsv
		case stateRsv:
			p.state = stateAtyp
		case stateAtyp:
			p.atyp = c
			p.addr = p.addr[:0]
			switch c {
			case AtypIPv4:
				p.need = net.IPv4len
				p.state = stateAddr
			case AtypIPv6:
				p.need = net.IPv6len
				p.state = stateAddr
			case AtypDomain:
				p.state = stateAddrLen
			default:
				return events, fmt.Errorf("%w: unknown address type %d", ErrParse, c)
			}
		case stateAddrLen:
			if c == 0 {
				return events, fmt.Errorf("%w: empty domain", ErrParse)
			}
			p.need = int(c)
			p.state = stateAddr
		case stateAddr:
			p.addr = append(p.addr, c)
			if len(p.addr) == p.need {
				p.port = p.port[:0]
				p.state = statePort
			}
		case statePort:
			p.port = append(p.port, c)
			if len(p.port) < 2 {
				continue
			}
			req := Request{
				Cmd:     p.cmd,
				Atyp:    p.atyp,
				DstAddr: p.formatAddr(),
				DstPort: int(binary.BigEndian.Uint16(p.port)),
			}
			if i < len(data) {
				req.Data = append([]byte(nil), data[i:]...)
				i = len(data)
			}
			events = append(events, Event{Type: EventRequest, Request: req})
			p.state = stateReqVersion
		}
	}
	return events, nil
}

func (p *Parser) formatAddr() string {
	switch p.atyp {
	case AtypIPv4, AtypIPv6:
		return net.IP(append([]byte(nil), p.addr...)).String()
	default:
		return string(p.addr)
	}
}
