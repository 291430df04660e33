package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/earshot/pkg/audio"
)

// wavHeaderSize is the size of the canonical PCM RIFF header.
const wavHeaderSize = 44

// WAV wraps PCM16 in a canonical 44-byte RIFF header.
type WAV struct{}

// Name implements [Encoder].
func (WAV) Name() string { return NameWAV }

// Encode implements [Encoder].
func (WAV) Encode(pcm []byte, f audio.Format) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, ErrEmpty
	}
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("codec: wav: invalid format %s", f)
	}
	return encodeWAV(pcm, f.SampleRate, f.Channels), nil
}

func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	dataSize := len(pcm)
	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*bps/8))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*bps/8))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)
	return buf
}

// DecodeWAV parses a canonical PCM16 WAV produced by [WAV] and returns the
// samples and format.
func DecodeWAV(b []byte) ([]byte, audio.Format, error) {
	if len(b) < wavHeaderSize || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, audio.Format{}, errors.New("codec: wav: not a RIFF/WAVE payload")
	}
	if binary.LittleEndian.Uint16(b[20:22]) != 1 || binary.LittleEndian.Uint16(b[34:36]) != 16 {
		return nil, audio.Format{}, errors.New("codec: wav: only PCM16 is supported")
	}
	f := audio.Format{
		Channels:   int(binary.LittleEndian.Uint16(b[22:24])),
		SampleRate: int(binary.LittleEndian.Uint32(b[24:28])),
	}
	size := int(binary.LittleEndian.Uint32(b[40:44]))
	if wavHeaderSize+size > len(b) {
		return nil, audio.Format{}, fmt.Errorf("codec: wav: data chunk truncated (%d of %d bytes)", len(b)-wavHeaderSize, size)
	}
	return b[wavHeaderSize : wavHeaderSize+size], f, nil
}

// PCM passes raw little-endian PCM16 through unchanged.
type PCM struct{}

// Name implements [Encoder].
func (PCM) Name() string { return NamePCM }

// Encode implements [Encoder]. The returned slice is a copy.
func (PCM) Encode(pcm []byte, _ audio.Format) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, ErrEmpty
	}
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, nil
}

var (
	_ Encoder = WAV{}
	_ Encoder = PCM{}
)
