package device

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/MrWong99/earshot/pkg/audio"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want audio.MediaErrorKind
	}{
		{"miniaudio: no device", audio.MediaNotFound},
		{"No backend", audio.MediaNotFound},
		{"Access denied", audio.MediaPermissionDenied},
		{"Device busy", audio.MediaDeviceBusy},
		{"Format not supported", audio.MediaUnsupported},
	}
	for _, tc := range tests {
		t.Run(tc.msg, func(t *testing.T) {
			me := classify(errors.New(tc.msg))
			if me.Kind != tc.want {
				t.Errorf("kind = %v, want %v", me.Kind, tc.want)
			}
		})
	}
}

func TestCapture_OnDataNonBlocking(t *testing.T) {
	drops := 0
	c := &capture{
		format: audio.PipelineFormat,
		frames: make(chan audio.AudioFrame, 2),
		onDrop: func() { drops++ },
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	in := make([]byte, 640)
	for range 5 {
		c.onData(nil, in, 320)
	}
	if drops != 3 {
		t.Errorf("drops = %d, want 3", drops)
	}

	first := <-c.frames
	second := <-c.frames
	if first.Timestamp != 0 {
		t.Errorf("first timestamp = %v, want 0", first.Timestamp)
	}
	if second.Timestamp != first.Duration() {
		t.Errorf("second timestamp = %v, want %v", second.Timestamp, first.Duration())
	}

	in[0] = 0x7f
	if first.Data[0] != 0 {
		t.Error("callback must copy the device buffer")
	}
}

func TestCapture_CloseIdempotent(t *testing.T) {
	c := &capture{
		format: audio.PipelineFormat,
		frames: make(chan audio.AudioFrame, 1),
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := <-c.frames; ok {
		t.Error("frame channel still open after Close")
	}
	// The audio thread may still fire once after Close.
	c.onData(nil, make([]byte, 640), 320)
}
