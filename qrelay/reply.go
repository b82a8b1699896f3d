package qrelay

import (
	"encoding/binary"
	"net"
)

const socksVersion = 0x05

// Request commands. CmdPing and CmdWSTunnel are relay extensions.
const (
	CmdPing         byte = 0x00
	CmdConnect      byte = 0x01
	CmdBind         byte = 0x02
	CmdUDPAssociate byte = 0x03
	CmdWSTunnel     byte = 0x04
)

// Address types
const (
	AtypIPv4   byte = 0x01
	AtypDomain byte = 0x03
	AtypIPv6   byte = 0x04
)

// Reply codes
const (
	RepSuccess             byte = 0x00
	RepGeneralFailure      byte = 0x01
	RepNotAllowed          byte = 0x02
	RepNetworkUnreachable  byte = 0x03
	RepHostUnreachable     byte = 0x04
	RepConnectionRefused   byte = 0x05
	RepTTLExpired          byte = 0x06
	RepCommandNotSupported byte = 0x07
	RepAddressNotSupported byte = 0x08
)

// Authentication methods
const (
	MethodNoAuth       byte = 0x00
	MethodNoAcceptable byte = 0xFF
)

func commandName(cmd byte) string {
	switch cmd {
	case CmdPing:
		return "ping"
	case CmdConnect:
		return "connect"
	case CmdBind:
		return "bind"
	case CmdUDPAssociate:
		return "udp"
	case CmdWSTunnel:
		return "ws"
	default:
		return "unknown"
	}
}

// appendAddr appends ATYP and address bytes for ip.
func appendAddr(b []byte, ip net.IP) []byte {
	if ip4 := ip.To4(); ip4 != nil {
		b = append(b, AtypIPv4)
		return append(b, ip4...)
	}
	if ip16 := ip.To16(); ip16 != nil {
		b = append(b, AtypIPv6)
		return append(b, ip16...)
	}
	b = append(b, AtypIPv4)
	return append(b, 0, 0, 0, 0)
}

// successReply builds [VER, REP=0, RSV, ATYP, addr, port]. The port is
// written little-endian, which is what the game client reads.
func successReply(ip net.IP, port int) []byte {
	b := make([]byte, 0, 22)
	b = append(b, socksVersion, RepSuccess, 0x00)
	b = appendAddr(b, ip)
	return binary.LittleEndian.AppendUint16(b, uint16(port))
}

func errorReply(code byte) []byte {
	return []byte{socksVersion, code}
}

func methodReply(method byte) []byte {
	return []byte{socksVersion, method}
}

// udpReplyHeader builds the header that precedes a relayed datagram. A
// non-empty domain selects the domain form, whose length byte counts a
// trailing NUL.
func udpReplyHeader(ip net.IP, domain string, port int) []byte {
	var b []byte
	if domain != "" && len(domain) < 255 {
		b = make([]byte, 0, 4+1+len(domain)+1+2)
		b = append(b, 0x00, 0x00, 0x00, AtypDomain, byte(len(domain)+1))
		b = append(b, domain...)
		b = append(b, 0x00)
	} else {
		b = make([]byte, 0, 22)
		b = append(b, 0x00, 0x00, 0x00)
		b = appendAddr(b, ip)
	}
	return binary.LittleEndian.AppendUint16(b, uint16(port))
}
