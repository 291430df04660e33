// Package wavfile replays a WAV recording as an [audio.Capture]. It is used
// for offline runs and for end-to-end tests that need real speech without a
// microphone.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"

	"github.com/MrWong99/earshot/pkg/audio"
)

const defaultFrameDuration = 20 * time.Millisecond

// Source replays a WAV file.
type Source struct {
	path     string
	frameDur time.Duration
	realtime bool
	buffer   int
	log      *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Source)

// WithFrameDuration sets the length of each delivered frame. Default: 20ms.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.frameDur = d
		}
	}
}

// WithRealtime paces frames at playback speed, like a live microphone.
// Without it frames are delivered as fast as the consumer reads them.
func WithRealtime(on bool) Option {
	return func(s *Source) { s.realtime = on }
}

// WithBuffer sets the frame channel capacity. Default: 16.
func WithBuffer(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a source replaying the WAV file at path.
func New(path string, opts ...Option) *Source {
	s := &Source{
		path:     path,
		frameDur: defaultFrameDuration,
		buffer:   16,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open decodes the whole file and starts delivering frames. Only integer PCM
// files are accepted; samples of other bit depths are rescaled to 16 bits.
func (s *Source) Open(ctx context.Context) (audio.Capture, error) {
	f, err := os.Open(s.path)
	if err != nil {
		kind := audio.MediaUnsupported
		switch {
		case errors.Is(err, fs.ErrNotExist):
			kind = audio.MediaNotFound
		case errors.Is(err, fs.ErrPermission):
			kind = audio.MediaPermissionDenied
		}
		return nil, &audio.MediaError{Kind: kind, Input: s.path, Err: err}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, &audio.MediaError{Kind: audio.MediaUnsupported, Input: s.path, Err: errors.New("not a PCM WAV file")}
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, &audio.MediaError{Kind: audio.MediaUnsupported, Input: s.path, Err: fmt.Errorf("decode: %w", err)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format := audio.Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, &audio.MediaError{Kind: audio.MediaUnsupported, Input: s.path, Err: errors.New("missing format chunk")}
	}
	pcm := toPCM16(buf.Data, int(dec.BitDepth))

	c := &capture{
		format: format,
		frames: make(chan audio.AudioFrame, s.buffer),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.play(pcm, format.BytesFor(s.frameDur), s.realtime)

	s.log.Info("wavfile: replay started",
		"path", s.path,
		"format", format.String(),
		"duration", format.DurationOf(len(pcm)),
		"realtime", s.realtime,
	)
	return c, nil
}

// toPCM16 packs integer samples of the given bit depth as little-endian int16.
func toPCM16(samples []int, bitDepth int) []byte {
	shift := bitDepth - 16
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		switch {
		case bitDepth == 8:
			v = (v - 128) << 8
		case shift > 0:
			v >>= shift
		case shift < 0:
			v <<= -shift
		}
		v = max(-32768, min(32767, v))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

type capture struct {
	format audio.Format
	frames chan audio.AudioFrame

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (c *capture) play(pcm []byte, frameBytes int, realtime bool) {
	defer c.wg.Done()
	defer close(c.frames)

	if frameBytes <= 0 {
		frameBytes = len(pcm)
	}
	var ticker *time.Ticker
	if realtime {
		ticker = time.NewTicker(c.format.DurationOf(frameBytes))
		defer ticker.Stop()
	}

	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		frame := audio.AudioFrame{
			Data:       pcm[off:end],
			SampleRate: c.format.SampleRate,
			Channels:   c.format.Channels,
			Timestamp:  c.format.DurationOf(off),
		}
		if ticker != nil {
			select {
			case <-c.done:
				return
			case <-ticker.C:
			}
		}
		select {
		case <-c.done:
			return
		case c.frames <- frame:
		}
	}
}

func (c *capture) Frames() <-chan audio.AudioFrame { return c.frames }

func (c *capture) Format() audio.Format { return c.format }

func (c *capture) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	return nil
}

var _ audio.Source = (*Source)(nil)
