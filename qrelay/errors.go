package qrelay

import (
	"errors"
	"net"
	"os"

	"github.com/rs/zerolog"
)

var (
	ErrParse               = errors.New("malformed socks stream")
	ErrAuth                = errors.New("no acceptable authentication method")
	ErrBindExhausted       = errors.New("failed to start udp listener")
	ErrCommandNotSupported = errors.New("command not supported")
	ErrTooManyAuths        = errors.New("too many auth handlers")
	ErrServerClosed        = errors.New("server closed")
)

// ErrorKind is the closed set of failure classes a relay error reply can carry.
type ErrorKind int

const (
	KindGeneral ErrorKind = iota
	KindHostUnreachable
	KindNetworkUnreachable
	KindConnectionRefused
	KindAddressInUse
)

func (k ErrorKind) String() string {
	switch k {
	case KindHostUnreachable:
		return "host_unreachable"
	case KindNetworkUnreachable:
		return "network_unreachable"
	case KindConnectionRefused:
		return "connection_refused"
	case KindAddressInUse:
		return "address_in_use"
	default:
		return "general"
	}
}

// Reply returns the SOCKS5 reply code reported for this kind.
func (k ErrorKind) Reply() byte {
	switch k {
	case KindHostUnreachable:
		return RepHostUnreachable
	case KindNetworkUnreachable:
		return RepNetworkUnreachable
	case KindConnectionRefused:
		return RepConnectionRefused
	default:
		return RepGeneralFailure
	}
}

// ClassifyError maps an I/O error onto an ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindGeneral
	}
	if kind, ok := classifyErrno(err); ok {
		return kind
	}
	if errors.Is(err, os.ErrNotExist) {
		return KindHostUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindHostUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindHostUnreachable
	}
	return KindGeneral
}

func isAddrInUse(err error) bool {
	return ClassifyError(err) == KindAddressInUse
}

// recoverPanic logs a panic in a relay goroutine and runs cleanup instead of
// letting it reach the runtime. It must be deferred directly.
func recoverPanic(log zerolog.Logger, what string, cleanup ...func()) {
	r := recover()
	if r == nil {
		return
	}
	log.Error().Interface("panic", r).Str("goroutine", what).Msg("Recovered from panic")
	for _, fn := range cleanup {
		fn()
	}
}
