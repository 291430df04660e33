// Package device captures microphone audio through miniaudio (via malgo).
//
// The device callback runs on a miniaudio thread. It only copies the samples
// and pushes them into a bounded channel without blocking; when the consumer
// falls behind, frames are dropped and counted instead of stalling the audio
// thread.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Defaults for [Config].
const (
	defaultPeriod = 20 * time.Millisecond
	defaultBuffer = 64
)

// Config configures a microphone [Source].
type Config struct {
	// Format requested from the device. Defaults to [audio.PipelineFormat].
	Format audio.Format

	// Period is the length of one device callback. Defaults to 20ms.
	Period time.Duration

	// Buffer is the capacity of the frame channel. Defaults to 64.
	Buffer int

	// OnDrop, if set, is called from the audio thread whenever a frame is
	// dropped because the channel is full. It must not block.
	OnDrop func()

	Logger *slog.Logger
}

// Source opens the default capture device.
type Source struct {
	cfg Config
	log *slog.Logger
}

// New returns a microphone source.
func New(cfg Config) *Source {
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		cfg.Format = audio.PipelineFormat
	}
	if cfg.Period <= 0 {
		cfg.Period = defaultPeriod
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Source{cfg: cfg, log: log}
}

// Open initialises a miniaudio context, configures the default capture
// device for PCM16 at the requested format and starts it.
func (s *Source) Open(ctx context.Context) (audio.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		s.log.Debug("device: miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, &audio.MediaError{Kind: audio.MediaUnsupported, Input: "default", Err: err}
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = uint32(s.cfg.Format.Channels)
	devCfg.SampleRate = uint32(s.cfg.Format.SampleRate)
	devCfg.PeriodSizeInMilliseconds = uint32(s.cfg.Period / time.Millisecond)

	c := &capture{
		format: s.cfg.Format,
		frames: make(chan audio.AudioFrame, s.cfg.Buffer),
		onDrop: s.cfg.OnDrop,
		log:    s.log,
		mctx:   mctx,
	}

	dev, err := malgo.InitDevice(mctx.Context, devCfg, malgo.DeviceCallbacks{Data: c.onData})
	if err != nil {
		c.releaseContext()
		return nil, classify(err)
	}
	c.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		c.releaseContext()
		return nil, classify(err)
	}

	s.log.Info("device: capture started",
		"format", s.cfg.Format.String(),
		"period", s.cfg.Period,
	)
	return c, nil
}

// classify maps a miniaudio failure onto a media error kind. miniaudio only
// exposes result strings, so the match is textual.
func classify(err error) *audio.MediaError {
	msg := strings.ToLower(err.Error())
	kind := audio.MediaUnsupported
	switch {
	case strings.Contains(msg, "no device"), strings.Contains(msg, "does not exist"), strings.Contains(msg, "no backend"):
		kind = audio.MediaNotFound
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		kind = audio.MediaPermissionDenied
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		kind = audio.MediaDeviceBusy
	}
	return &audio.MediaError{Kind: kind, Input: "default", Err: err}
}

// capture is a running miniaudio capture device.
type capture struct {
	format audio.Format
	onDrop func()
	log    *slog.Logger

	mctx *malgo.AllocatedContext
	dev  *malgo.Device

	mu      sync.Mutex
	frames  chan audio.AudioFrame
	closed  bool
	samples int64

	dropped   atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

// onData is the miniaudio data callback. It runs on the audio thread.
func (c *capture) onData(_, in []byte, frameCount uint32) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("device: panic in capture callback", "panic", r)
			go c.Close()
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	data := make([]byte, len(in))
	copy(data, in)
	frame := audio.AudioFrame{
		Data:       data,
		SampleRate: c.format.SampleRate,
		Channels:   c.format.Channels,
		Timestamp:  time.Duration(c.samples * int64(time.Second) / int64(c.format.SampleRate)),
	}
	c.samples += int64(frameCount)

	select {
	case c.frames <- frame:
	default:
		if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
			c.log.Warn("device: frame channel full, dropping frames", "dropped", n)
		}
		if c.onDrop != nil {
			c.onDrop()
		}
	}
}

// Frames implements [audio.Capture].
func (c *capture) Frames() <-chan audio.AudioFrame { return c.frames }

// Format implements [audio.Capture].
func (c *capture) Format() audio.Format { return c.format }

// Close stops and releases the device, then closes the frame channel.
func (c *capture) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if c.dev != nil {
			if err := c.dev.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("device: stop: %w", err))
			}
			c.dev.Uninit()
		}
		c.mu.Lock()
		c.closed = true
		close(c.frames)
		c.mu.Unlock()
		if err := c.releaseContext(); err != nil {
			errs = append(errs, err)
		}
		c.closeErr = errors.Join(errs...)
		c.log.Info("device: capture closed", "dropped_frames", c.dropped.Load())
	})
	return c.closeErr
}

func (c *capture) releaseContext() error {
	if c.mctx == nil {
		return nil
	}
	err := c.mctx.Uninit()
	c.mctx.Free()
	c.mctx = nil
	if err != nil {
		return fmt.Errorf("device: uninit context: %w", err)
	}
	return nil
}

var (
	_ audio.Source  = (*Source)(nil)
	_ audio.Capture = (*capture)(nil)
)
