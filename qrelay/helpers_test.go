package qrelay

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// getFreePort returns a free port number
func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// createPrefixedLogger creates a zerolog.Logger with customized level prefixes
func createPrefixedLogger(prefix string) zerolog.Logger {
	return createPrefixedLoggerWithLevel(prefix, zerolog.InfoLevel)
}

// createPrefixedLoggerWithLevel creates a zerolog.Logger with customized level prefixes and specified log level
func createPrefixedLoggerWithLevel(prefix string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out: os.Stdout,
		FormatLevel: func(i interface{}) string {
			logLevel, _ := i.(string)
			if len(logLevel) > 3 {
				logLevel = logLevel[:3]
			}
			return fmt.Sprintf("%s %s", prefix, logLevel)
		},
	}).Level(level).With().Timestamp().Logger()
}

// encodeRequest builds a SOCKS5 request with a big-endian port.
func encodeRequest(cmd byte, host string, port int, data []byte) []byte {
	b := []byte{socksVersion, cmd, 0x00}
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			b = append(b, AtypIPv4)
			b = append(b, ip4...)
		} else {
			b = append(b, AtypIPv6)
			b = append(b, ip.To16()...)
		}
	} else {
		b = append(b, AtypDomain, byte(len(host)))
		b = append(b, host...)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(port))
	return append(b, data...)
}

// startTestServer runs a relay on loopback and closes it with the test.
func startTestServer(t *testing.T, configure func(*ServerOption)) *Server {
	t.Helper()
	opt := DefaultServerOption().
		WithSocksAddr("127.0.0.1:0").
		WithWSAddr("127.0.0.1:0").
		WithBindHost("127.0.0.1").
		WithConnectWait(2 * time.Second).
		WithConnectTimeout(2 * time.Second).
		WithLogger(createPrefixedLoggerWithLevel("[Relay]", zerolog.DebugLevel))
	if configure != nil {
		configure(opt)
	}
	server := NewServer(opt)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, server.WaitReady(ctx, 5*time.Second))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return server
}

// dialSocks opens a raw TCP session and completes no-auth negotiation.
func dialSocks(t *testing.T, server *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", server.StreamAddr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Write([]byte{socksVersion, 1, MethodNoAuth})
	require.NoError(t, err)
	require.Equal(t, []byte{socksVersion, MethodNoAuth}, readN(t, conn, 2))
	return conn
}

// dialWSSocks opens a WebSocket session and completes no-auth negotiation.
func dialWSSocks(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+server.WSAddr().String()+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{socksVersion, 1, MethodNoAuth}))
	require.Equal(t, []byte{socksVersion, MethodNoAuth}, readWS(t, conn))
	return conn
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func readWS(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

// readSuccessReply reads an IPv4 success reply and returns its port.
func readSuccessReply(t *testing.T, conn net.Conn) (net.IP, int) {
	t.Helper()
	reply := readN(t, conn, 10)
	require.Equal(t, []byte{socksVersion, RepSuccess, 0x00, AtypIPv4}, reply[:4])
	return net.IP(reply[4:8]), int(binary.LittleEndian.Uint16(reply[8:]))
}
