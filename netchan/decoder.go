// Package netchan decodes the transport header of tunneled game datagrams
// for logging. Decoding never fails and never modifies the datagram; bytes
// missing from a truncated packet read as zero.
package netchan

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
)

const (
	// MaxPacketLen is the largest datagram the game sends; longer input is
	// truncated before decoding.
	MaxPacketLen = 1400
	// MaxStringChars bounds strings read from server commands.
	MaxStringChars = 8192

	fragmentBit = uint32(1) << 31

	// challengeOffset is where the numeric challenge starts in a
	// "\xff\xff\xff\xffconnectResponse <n>" reply.
	challengeOffset = 20
)

// Game command bytes that carry a reliable sequence.
const (
	CommandGamestate     = 2
	CommandServerCommand = 5
)

var commandNames = []string{
	"svc_bad",
	"svc_nop",
	"svc_gamestate",
	"svc_configstring",
	"svc_baseline",
	"svc_serverCommand",
	"svc_download",
	"svc_snapshot",
	"svc_EOF",
	"svc_voipSpeex",
	"svc_voipOpus",
	"", "", "", "", "",
	"svc_multiview",
	"svc_zcmd",
}

// CommandName returns the symbolic name of a game command byte, or "" when unknown.
func CommandName(cmd int) string {
	if cmd < 0 || cmd >= len(commandNames) {
		return ""
	}
	return commandNames[cmd]
}

// Checksum derives the packet checksum for a sequence under challenge.
func Checksum(challenge, sequence uint32) uint32 {
	return challenge ^ (sequence * challenge)
}

// State is the per-connection protocol state the decoder reads and updates.
type State struct {
	Challenge        uint32
	Compat           bool
	IncomingSequence uint32
	Dropped          int32
}

// Packet is the human-readable interpretation of one datagram.
type Packet struct {
	FromClient bool
	OOB        bool
	Text       string

	Sequence       uint32
	Fragment       bool
	FragmentStart  uint16
	FragmentLength uint16
	Checksum       uint32
	ChecksumValid  bool
	Dropped        int32

	Ack             uint32
	Command         int
	CommandSequence uint32
}

// Direction returns "client" or "server".
func (p Packet) Direction() string {
	if p.FromClient {
		return "client"
	}
	return "server"
}

func (p Packet) String() string {
	if p.OOB {
		return fmt.Sprintf("%s oob %q", p.Direction(), p.Text)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s seq=%d", p.Direction(), p.Sequence)
	if p.Fragment {
		fmt.Fprintf(&b, " frag=%d+%d", p.FragmentStart, p.FragmentLength)
	}
	fmt.Fprintf(&b, " checksum_valid=%t dropped=%d ack=%d cmd=%d", p.ChecksumValid, p.Dropped, p.Ack, p.Command)
	if name := CommandName(p.Command); name != "" {
		fmt.Fprintf(&b, "(%s)", name)
	}
	if p.Command == CommandGamestate || p.Command == CommandServerCommand {
		fmt.Fprintf(&b, " cmd_seq=%d", p.CommandSequence)
	}
	if p.Text != "" {
		fmt.Fprintf(&b, " text=%q", p.Text)
	}
	return b.String()
}

// Decoder decodes datagrams through a Codec. It owns the buffer the codec
// reads from, so decodes are serialized.
type Decoder struct {
	codec Codec
	once  sync.Once

	mu  sync.Mutex
	buf []byte
}

// NewDecoder creates a decoder over codec; a nil codec selects RawCodec.
func NewDecoder(codec Codec) *Decoder {
	if codec == nil {
		codec = RawCodec{}
	}
	return &Decoder{
		codec: codec,
		buf:   make([]byte, MaxPacketLen),
	}
}

// IsOOB reports whether msg starts with the out-of-band marker.
func IsOOB(msg []byte) bool {
	return len(msg) >= 4 && binary.LittleEndian.Uint32(msg) == 0xFFFFFFFF
}

// Decode interprets msg and updates st. client selects the client-side
// header layout, which lacks the 16-bit field servers read after the sequence.
func (d *Decoder) Decode(msg []byte, st *State, client bool) Packet {
	if st == nil {
		st = &State{}
	}
	pkt := Packet{FromClient: client}

	if IsOOB(msg) {
		pkt.OOB = true
		pkt.Text = printable(msg)
		lower := strings.ToLower(pkt.Text)
		if strings.Contains(lower, "connectresponse") {
			st.Challenge = parseChallenge(pkt.Text)
			st.Compat = false
			st.IncomingSequence = 0
		}
		return pkt
	}

	d.once.Do(d.codec.Init)

	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(d.buf, msg)
	for i := n; i < len(d.buf); i++ {
		d.buf[i] = 0
	}
	buf := d.buf[:n]

	read := 0
	sequence := readLong(buf, read)
	read += 32
	if sequence&fragmentBit != 0 {
		pkt.Fragment = true
		sequence &^= fragmentBit
	}
	if !client {
		read += 16
	}
	if !st.Compat {
		pkt.Checksum = readLong(buf, read)
		read += 32
		pkt.ChecksumValid = Checksum(st.Challenge, sequence) == pkt.Checksum
	}
	if pkt.Fragment {
		pkt.FragmentStart = readShort(buf, read)
		read += 16
		pkt.FragmentLength = readShort(buf, read)
		read += 16
	}
	pkt.Sequence = sequence
	st.Dropped = int32(sequence - (st.IncomingSequence + 1))
	st.IncomingSequence = sequence
	pkt.Dropped = st.Dropped

	var v int
	read, v = d.readBits(buf, read, 32)
	pkt.Ack = uint32(v)
	read, v = d.readBits(buf, read, 8)
	pkt.Command = v
	if pkt.Command == CommandGamestate || pkt.Command == CommandServerCommand {
		read, v = d.readBits(buf, read, 32)
		pkt.CommandSequence = uint32(v)
	}
	if pkt.Command == CommandServerCommand {
		_, pkt.Text = d.readString(buf, read)
	}
	return pkt
}

// readBits reads bits through the codec: the odd low bits one at a time,
// then whole bytes as symbols.
func (d *Decoder) readBits(buf []byte, offset int, bits int) (int, int) {
	value := 0
	nbits := bits & 7
	for i := 0; i < nbits; i++ {
		value |= d.codec.Bit(buf, offset) << i
		offset++
	}
	bits -= nbits
	for i := 0; i < bits; i += 8 {
		sym, used := d.codec.Symbol(buf, offset)
		offset += used
		value |= sym << (i + nbits)
	}
	return offset, value
}

func (d *Decoder) readString(buf []byte, offset int) (int, string) {
	var b strings.Builder
	for {
		var c int
		offset, c = d.readBits(buf, offset, 8)
		if c <= 0 || b.Len() >= MaxStringChars-1 {
			break
		}
		if c == '%' || c < 0x20 || c > 0x7e {
			c = '.'
		}
		b.WriteByte(byte(c))
	}
	return offset, b.String()
}

func readLong(buf []byte, bitOffset int) uint32 {
	i := bitOffset >> 3
	return uint32(byteAt(buf, i)) | uint32(byteAt(buf, i+1))<<8 |
		uint32(byteAt(buf, i+2))<<16 | uint32(byteAt(buf, i+3))<<24
}

func readShort(buf []byte, bitOffset int) uint16 {
	i := bitOffset >> 3
	return uint16(byteAt(buf, i)) | uint16(byteAt(buf, i+1))<<8
}

func byteAt(buf []byte, i int) byte {
	if i < 0 || i >= len(buf) {
		return 0
	}
	return buf[i]
}

func printable(msg []byte) string {
	out := make([]byte, len(msg))
	for i, c := range msg {
		if c >= 0x20 && c <= 0x7e {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}

// parseChallenge reads the leading integer after the "connectResponse "
// prefix, skipping leading blanks. Anything unparsable yields 0.
func parseChallenge(text string) uint32 {
	if len(text) <= challengeOffset {
		return 0
	}
	s := strings.TrimLeft(text[challengeOffset:], " \t")
	neg := false
	if s != "" && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}
	var v uint32
	for i := 0; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		v = v*10 + uint32(s[i]-'0')
	}
	if neg {
		v = -v
	}
	return v
}
