package codec

import (
	"bytes"
	"math/rand/v2"
)

// Ogg page header flags.
const (
	oggContinued byte = 0x01
	oggBOS       byte = 0x02
	oggEOS       byte = 0x04
)

// oggWriter muxes packets into a single logical Ogg bitstream, one packet per
// page. Opus packets are far below the 65025-byte page limit.
type oggWriter struct {
	buf    bytes.Buffer
	serial uint32
	seq    uint32
}

func newOggWriter() *oggWriter {
	return &oggWriter{serial: rand.Uint32()}
}

func (w *oggWriter) writePacket(packet []byte, granule int64, flags byte) {
	var lacing []byte
	n := len(packet)
	for n >= 255 {
		lacing = append(lacing, 255)
		n -= 255
	}
	lacing = append(lacing, byte(n))

	hdr := make([]byte, 27, 27+len(lacing))
	copy(hdr[0:4], "OggS")
	hdr[4] = 0 // stream structure version
	hdr[5] = flags
	putU64(hdr[6:14], uint64(granule))
	putU32(hdr[14:18], w.serial)
	putU32(hdr[18:22], w.seq)
	// hdr[22:26] CRC, filled below
	hdr[26] = byte(len(lacing))
	hdr = append(hdr, lacing...)

	crc := oggCRC(0, hdr)
	crc = oggCRC(crc, packet)
	putU32(hdr[22:26], crc)

	w.buf.Write(hdr)
	w.buf.Write(packet)
	w.seq++
}

func (w *oggWriter) bytes() []byte { return w.buf.Bytes() }

// oggCRCTable is the lookup table for the Ogg CRC-32: polynomial 0x04c11db7,
// MSB first, zero initial value, no final XOR. hash/crc32 only implements
// the bit-reversed form.
var oggCRCTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

func oggCRC(crc uint32, b []byte) uint32 {
	for _, v := range b {
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^v]
	}
	return crc
}

func putU16(b []byte, v uint16) { b[0], b[1] = byte(v), byte(v>>8) }

func putU32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func putU64(b []byte, v uint64) {
	putU32(b[0:4], uint32(v))
	putU32(b[4:8], uint32(v>>32))
}
