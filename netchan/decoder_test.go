package netchan

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type header struct {
	sequence  uint32
	fragment  bool
	qport     bool
	checksum  *uint32
	fragStart uint16
	fragLen   uint16
	ack       uint32
	cmd       byte
	cmdSeq    uint32
	text      string
}

func (h header) bytes() []byte {
	var out []byte
	seq := h.sequence
	if h.fragment {
		seq |= 1 << 31
	}
	out = binary.LittleEndian.AppendUint32(out, seq)
	if h.qport {
		out = binary.LittleEndian.AppendUint16(out, 27960)
	}
	if h.checksum != nil {
		out = binary.LittleEndian.AppendUint32(out, *h.checksum)
	}
	if h.fragment {
		out = binary.LittleEndian.AppendUint16(out, h.fragStart)
		out = binary.LittleEndian.AppendUint16(out, h.fragLen)
	}
	out = binary.LittleEndian.AppendUint32(out, h.ack)
	out = append(out, h.cmd)
	if h.cmd == CommandGamestate || h.cmd == CommandServerCommand {
		out = binary.LittleEndian.AppendUint32(out, h.cmdSeq)
	}
	if h.text != "" {
		out = append(out, h.text...)
		out = append(out, 0)
	}
	return out
}

func sum(challenge, seq uint32) *uint32 {
	v := Checksum(challenge, seq)
	return &v
}

func TestChecksumValidation(t *testing.T) {
	d := NewDecoder(nil)

	tests := []struct {
		name     string
		checksum uint32
		valid    bool
	}{
		{"matching checksum", Checksum(12345, 7), true},
		{"wrong checksum", Checksum(12345, 7) + 1, false},
		{"zero checksum", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &State{Challenge: 12345, IncomingSequence: 6}
			cs := tt.checksum
			pkt := d.Decode(header{sequence: 7, checksum: &cs, ack: 3, cmd: 1}.bytes(), st, true)
			assert.Equal(t, tt.valid, pkt.ChecksumValid)
			assert.Equal(t, uint32(7), pkt.Sequence)
			assert.Equal(t, uint32(3), pkt.Ack)
			assert.Equal(t, 1, pkt.Command)
			assert.Equal(t, int32(0), pkt.Dropped)
		})
	}
}

func TestChecksumWraps(t *testing.T) {
	v := uint32(0x7fffffff)
	assert.Equal(t, v^(v*v), Checksum(0x7fffffff, 0x7fffffff))
}

func TestFragmentBitCleared(t *testing.T) {
	d := NewDecoder(RawCodec{})
	st := &State{Challenge: 99, IncomingSequence: 40}

	seq := uint32(42)
	pkt := d.Decode(header{
		sequence:  seq,
		fragment:  true,
		checksum:  sum(99, seq),
		fragStart: 1200,
		fragLen:   300,
		ack:       5,
		cmd:       7,
	}.bytes(), st, true)

	assert.True(t, pkt.Fragment)
	assert.True(t, pkt.ChecksumValid)
	assert.Equal(t, seq, pkt.Sequence)
	assert.Equal(t, seq, st.IncomingSequence)
	assert.Equal(t, uint16(1200), pkt.FragmentStart)
	assert.Equal(t, uint16(300), pkt.FragmentLength)
	assert.Equal(t, int32(1), st.Dropped)
}

func TestServerLayoutSkipsQport(t *testing.T) {
	d := NewDecoder(nil)
	st := &State{Challenge: 7}

	pkt := d.Decode(header{sequence: 1, qport: true, checksum: sum(7, 1), ack: 11, cmd: 1}.bytes(), st, false)
	assert.False(t, pkt.FromClient)
	assert.True(t, pkt.ChecksumValid)
	assert.Equal(t, uint32(11), pkt.Ack)
	assert.Equal(t, "server", pkt.Direction())
}

func TestCompatModeHasNoChecksum(t *testing.T) {
	d := NewDecoder(nil)
	st := &State{Compat: true}

	pkt := d.Decode(header{sequence: 3, ack: 2, cmd: CommandGamestate, cmdSeq: 77}.bytes(), st, true)
	assert.False(t, pkt.ChecksumValid)
	assert.Equal(t, uint32(2), pkt.Ack)
	assert.Equal(t, CommandGamestate, pkt.Command)
	assert.Equal(t, uint32(77), pkt.CommandSequence)
}

func TestServerCommandString(t *testing.T) {
	d := NewDecoder(nil)
	st := &State{Challenge: 5}

	pkt := d.Decode(header{
		sequence: 10,
		checksum: sum(5, 10),
		cmd:      CommandServerCommand,
		cmdSeq:   4,
		text:     "print \"100%\x01done\xc3\"",
	}.bytes(), st, true)

	assert.Equal(t, "svc_serverCommand", CommandName(pkt.Command))
	assert.Equal(t, uint32(4), pkt.CommandSequence)
	assert.Equal(t, "print \"100..done.\"", pkt.Text)
	assert.Contains(t, pkt.String(), "svc_serverCommand")
}

func TestServerCommandStringCapped(t *testing.T) {
	d := NewDecoder(nil)
	long := strings.Repeat("a", MaxPacketLen)
	pkt := d.Decode(header{sequence: 1, cmd: CommandServerCommand, text: long}.bytes(), &State{Compat: true}, true)
	assert.LessOrEqual(t, len(pkt.Text), MaxStringChars-1)
	assert.NotEmpty(t, pkt.Text)
}

func TestConnectResponseStoresChallenge(t *testing.T) {
	d := NewDecoder(nil)
	st := &State{Compat: true, IncomingSequence: 99}

	msg := append([]byte{0xff, 0xff, 0xff, 0xff}, []byte("connectResponse 4242")...)
	pkt := d.Decode(msg, st, false)

	require.True(t, pkt.OOB)
	assert.Equal(t, "....connectResponse 4242", pkt.Text)
	assert.Equal(t, uint32(4242), st.Challenge)
	assert.False(t, st.Compat)
	assert.Equal(t, uint32(0), st.IncomingSequence)
}

func TestOOBOtherCommandKeepsState(t *testing.T) {
	d := NewDecoder(nil)
	st := &State{Challenge: 1, IncomingSequence: 12}

	msg := append([]byte{0xff, 0xff, 0xff, 0xff}, []byte("getinfo xxx\n")...)
	pkt := d.Decode(msg, st, true)

	assert.True(t, pkt.OOB)
	assert.Equal(t, "....getinfo xxx.", pkt.Text)
	assert.Equal(t, uint32(1), st.Challenge)
	assert.Equal(t, uint32(12), st.IncomingSequence)
}

func TestTruncatedPacketDoesNotPanic(t *testing.T) {
	d := NewDecoder(nil)
	for _, msg := range [][]byte{nil, {0x01}, {0x01, 0x02, 0x03}, {0xff, 0xff, 0xff}} {
		assert.NotPanics(t, func() { d.Decode(msg, &State{}, true) })
	}
	assert.NotPanics(t, func() { d.Decode([]byte{1, 2, 3, 4, 5}, nil, false) })
}

func TestRawCodecReadsLSBFirst(t *testing.T) {
	c := RawCodec{}
	buf := []byte{0x05, 0xA0}
	assert.Equal(t, 1, c.Bit(buf, 0))
	assert.Equal(t, 0, c.Bit(buf, 1))
	assert.Equal(t, 1, c.Bit(buf, 2))
	assert.Equal(t, 0, c.Bit(buf, 64))

	sym, bits := c.Symbol(buf, 8)
	assert.Equal(t, 0xA0, sym)
	assert.Equal(t, 8, bits)

	sym, _ = c.Symbol(buf, 4)
	assert.Equal(t, 0x00, sym)
}

type countingCodec struct {
	RawCodec
	inits int
}

func (c *countingCodec) Init() { c.inits++ }

func TestCodecInitOnce(t *testing.T) {
	c := &countingCodec{}
	d := NewDecoder(c)
	d.Decode(header{sequence: 1, cmd: 1}.bytes(), &State{}, true)
	d.Decode(header{sequence: 2, cmd: 1}.bytes(), &State{}, true)
	assert.Equal(t, 1, c.inits)
}
