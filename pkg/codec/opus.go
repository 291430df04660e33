package codec

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/earshot/pkg/audio"
)

const (
	opusFrameMs    = 20
	opusMaxPacket  = 4000
	opusGranuleHz  = 48000
	opusPreSkip    = 312
	opusFallbackHz = 16000
)

// OggOpus encodes segments as Ogg-encapsulated Opus (RFC 7845), the format
// browsers produce for "audio/ogg;codecs=opus" recordings.
type OggOpus struct{}

// NewOggOpus reports [ErrUnsupported] when libopus cannot create an encoder.
func NewOggOpus() (OggOpus, error) {
	if _, err := gopus.NewEncoder(opusFallbackHz, 1, gopus.Voip); err != nil {
		return OggOpus{}, fmt.Errorf("%w: opus: %v", ErrUnsupported, err)
	}
	return OggOpus{}, nil
}

// Name implements [Encoder].
func (OggOpus) Name() string { return NameOggOpus }

// Encode implements [Encoder]. Input at a rate Opus does not accept, or with
// more than two channels, is converted to 16 kHz mono first. The last frame
// is zero-padded and the padding trimmed through the final granule position.
func (OggOpus) Encode(pcm []byte, f audio.Format) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, ErrEmpty
	}
	if !opusRate(f.SampleRate) || f.Channels < 1 || f.Channels > 2 {
		pcm = audio.ResampleMono16(audio.Downmix16(pcm, max(f.Channels, 1)), f.SampleRate, opusFallbackHz)
		f = audio.Format{SampleRate: opusFallbackHz, Channels: 1}
	}

	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: opus: create encoder: %w", err)
	}

	samples := bytesToInt16s(pcm)
	frameSize := f.SampleRate * opusFrameMs / 1000
	step := frameSize * f.Channels
	perFrame48 := int64(opusGranuleHz * opusFrameMs / 1000)
	total48 := int64(len(samples)/f.Channels) * opusGranuleHz / int64(f.SampleRate)

	w := newOggWriter()
	w.writePacket(opusHead(f), 0, oggBOS)
	w.writePacket(opusTags(), 0, 0)

	var granule int64
	for off := 0; off < len(samples); off += step {
		chunk := samples[off:min(off+step, len(samples))]
		if len(chunk) < step {
			padded := make([]int16, step)
			copy(padded, chunk)
			chunk = padded
		}
		packet, err := enc.Encode(chunk, frameSize, opusMaxPacket)
		if err != nil {
			return nil, fmt.Errorf("codec: opus: encode frame at sample %d: %w", off, err)
		}
		granule += perFrame48
		var flags byte
		if off+step >= len(samples) {
			flags = oggEOS
			granule = min(granule, opusPreSkip+total48)
		}
		w.writePacket(packet, granule, flags)
	}
	return w.bytes(), nil
}

func opusRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

// opusHead builds the RFC 7845 identification header.
func opusHead(f audio.Format) []byte {
	b := make([]byte, 19)
	copy(b[0:8], "OpusHead")
	b[8] = 1 // version
	b[9] = byte(f.Channels)
	putU16(b[10:12], opusPreSkip)
	putU32(b[12:16], uint32(f.SampleRate))
	// output gain 0, channel mapping family 0
	return b
}

// opusTags builds the comment header with an empty comment list.
func opusTags() []byte {
	const vendor = "earshot"
	b := make([]byte, 8+4+len(vendor)+4)
	copy(b[0:8], "OpusTags")
	putU32(b[8:12], uint32(len(vendor)))
	copy(b[12:], vendor)
	return b
}

// bytesToInt16s converts little-endian PCM bytes to int16 samples.
func bytesToInt16s(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return out
}

var _ Encoder = OggOpus{}
