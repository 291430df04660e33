package codec_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/codec"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNew_Aliases(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"wav", codec.NameWAV},
		{"audio/x-wav", codec.NameWAV},
		{"pcm", codec.NamePCM},
		{"audio/L16", codec.NamePCM},
		{"  WAV ", codec.NameWAV},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			enc, err := codec.New(tc.in)
			if err != nil {
				t.Fatalf("New(%q): %v", tc.in, err)
			}
			if enc.Name() != tc.want {
				t.Errorf("Name() = %q, want %q", enc.Name(), tc.want)
			}
		})
	}
}

func TestNew_Unknown(t *testing.T) {
	_, err := codec.New("audio/mp4")
	if !errors.Is(err, codec.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestNegotiate_FallsBackInOrder(t *testing.T) {
	enc, err := codec.Negotiate([]string{"audio/mp4", "audio/webm", codec.NameWAV, codec.NamePCM}, discard())
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if enc.Name() != codec.NameWAV {
		t.Errorf("negotiated %q, want %q", enc.Name(), codec.NameWAV)
	}
}

func TestNegotiate_NothingAvailable(t *testing.T) {
	_, err := codec.Negotiate([]string{"audio/mp4", "audio/aac"}, discard())
	if !errors.Is(err, codec.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestWAV_Header(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 800)
	out, err := codec.WAV{}.Encode(pcm, audio.PipelineFormat)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(out) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(out), 44+len(pcm))
	}
	if got := binary.LittleEndian.Uint32(out[28:32]); got != 32000 {
		t.Errorf("byte rate = %d, want 32000", got)
	}
	if got := binary.LittleEndian.Uint32(out[4:8]); got != uint32(36+len(pcm)) {
		t.Errorf("riff size = %d, want %d", got, 36+len(pcm))
	}

	data, f, err := codec.DecodeWAV(out)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f != audio.PipelineFormat {
		t.Errorf("format = %s, want %s", f, audio.PipelineFormat)
	}
	if !bytes.Equal(data, pcm) {
		t.Error("decoded samples differ from input")
	}
}

func TestDecodeWAV_Truncated(t *testing.T) {
	out, _ := codec.WAV{}.Encode(make([]byte, 100), audio.PipelineFormat)
	if _, _, err := codec.DecodeWAV(out[:80]); err == nil {
		t.Fatal("expected error for truncated data chunk")
	}
}

func TestPCM_CopiesInput(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	out, err := codec.PCM{}.Encode(pcm, audio.PipelineFormat)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	pcm[0] = 9
	if out[0] != 1 {
		t.Error("PCM encoder aliases its input")
	}
}

func TestEncoders_RejectEmpty(t *testing.T) {
	for _, enc := range []codec.Encoder{codec.WAV{}, codec.PCM{}, codec.OggOpus{}} {
		if _, err := enc.Encode(nil, audio.PipelineFormat); !errors.Is(err, codec.ErrEmpty) {
			t.Errorf("%s: err = %v, want ErrEmpty", enc.Name(), err)
		}
	}
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "opus", want: codec.NameOggOpus, ok: true},
		{in: " Audio/Ogg;Codecs=Opus ", want: codec.NameOggOpus, ok: true},
		{in: "audio/x-wav", want: codec.NameWAV, ok: true},
		{in: "L16", want: codec.NamePCM, ok: true},
		{in: "audio/L16", want: codec.NamePCM, ok: true},
		{in: "mp3", ok: false},
	}
	for _, tt := range tests {
		got, ok := codec.Canonical(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Canonical(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
