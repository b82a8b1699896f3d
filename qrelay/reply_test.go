package qrelay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuccessReply(t *testing.T) {
	assert.Equal(t,
		[]byte{0x05, 0x00, 0x00, 0x01, 192, 168, 0, 10, 0x38, 0x6d},
		successReply(net.ParseIP("192.168.0.10"), 27960))

	v6 := successReply(net.ParseIP("2001:db8::1"), 1)
	assert.Len(t, v6, 22)
	assert.Equal(t, AtypIPv6, v6[3])
	assert.Equal(t, []byte{0x01, 0x00}, v6[20:])

	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0x10, 0x27}, successReply(nil, 10000))
}

func TestErrorAndMethodReplies(t *testing.T) {
	assert.Equal(t, []byte{0x05, 0x05}, errorReply(RepConnectionRefused))
	assert.Equal(t, []byte{0x05, 0x07}, errorReply(RepCommandNotSupported))
	assert.Equal(t, []byte{0x05, 0xff}, methodReply(MethodNoAcceptable))
}

func TestUDPReplyHeaderIPv4(t *testing.T) {
	assert.Equal(t,
		[]byte{0x00, 0x00, 0x00, 0x01, 10, 0, 0, 7, 0x38, 0x6d},
		udpReplyHeader(net.ParseIP("10.0.0.7"), "", 27960))
}

func TestUDPReplyHeaderDomain(t *testing.T) {
	got := udpReplyHeader(net.ParseIP("10.0.0.7"), "ws://q.io", 27960)
	want := []byte{0x00, 0x00, 0x00, 0x03, 10}
	want = append(want, "ws://q.io"...)
	want = append(want, 0x00, 0x38, 0x6d)
	assert.Equal(t, want, got)
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "ping", commandName(CmdPing))
	assert.Equal(t, "connect", commandName(CmdConnect))
	assert.Equal(t, "bind", commandName(CmdBind))
	assert.Equal(t, "udp", commandName(CmdUDPAssociate))
	assert.Equal(t, "ws", commandName(CmdWSTunnel))
	assert.Equal(t, "unknown", commandName(0x09))
}
