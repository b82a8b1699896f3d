package netchan

// Codec exposes the primitive bit and symbol reads of the game's static
// Huffman codec. Offsets are in bits from the start of buf.
type Codec interface {
	// Init prepares the codec tables. It is called once before the first read.
	Init()
	// Bit returns the bit at offset, 0 or 1.
	Bit(buf []byte, offset int) int
	// Symbol decodes one symbol starting at offset and returns it together
	// with the number of bits consumed.
	Symbol(buf []byte, offset int) (symbol int, bits int)
}

// RawCodec reads uncompressed data: every symbol is 8 plain bits, least
// significant bit first. Reads past the end of buf yield zero bits.
type RawCodec struct{}

func (RawCodec) Init() {}

func (RawCodec) Bit(buf []byte, offset int) int {
	idx := offset >> 3
	if offset < 0 || idx >= len(buf) {
		return 0
	}
	return int(buf[idx]>>(uint(offset)&7)) & 1
}

func (c RawCodec) Symbol(buf []byte, offset int) (int, int) {
	value := 0
	for i := 0; i < 8; i++ {
		value |= c.Bit(buf, offset+i) << i
	}
	return value, 8
}
