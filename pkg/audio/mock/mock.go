// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Capture] for use in unit tests.
//
// All mocks are safe for concurrent use. They record method calls so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	capture := mock.NewCapture(audio.PipelineFormat, 16)
//	src := &mock.Source{Capture: capture}
//	capture.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
//	capture.End()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// Capture is returned by Open when OpenErr is nil. When nil, Open returns a
	// fresh pipeline-format capture on every call.
	Capture *Capture

	// OpenErr is returned by Open.
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	opened []*Capture
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context) (audio.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	c := s.Capture
	if c == nil {
		c = NewCapture(audio.PipelineFormat, 64)
	}
	s.opened = append(s.opened, c)
	return c, nil
}

// Opened returns every capture handed out by Open, in order.
func (s *Source) Opened() []*Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Capture, len(s.opened))
	copy(out, s.opened)
	return out
}

// Last returns the most recently opened capture, or nil.
func (s *Source) Last() *Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opened) == 0 {
		return nil
	}
	return s.opened[len(s.opened)-1]
}

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture]. Frames are injected
// with Push; End simulates the input running dry.
type Capture struct {
	mu sync.Mutex

	// CloseErr is returned by the first Close call.
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	format audio.Format
	frames chan audio.AudioFrame
	ended  bool
}

// NewCapture returns a capture delivering frames in format f through a
// channel with the given buffer size.
func NewCapture(f audio.Format, buffer int) *Capture {
	return &Capture{format: f, frames: make(chan audio.AudioFrame, buffer)}
}

// Frames implements [audio.Capture].
func (c *Capture) Frames() <-chan audio.AudioFrame { return c.frames }

// Format implements [audio.Capture].
func (c *Capture) Format() audio.Format { return c.format }

// Push delivers a frame. It reports false if the capture has ended or the
// buffer is full, mirroring a device callback that drops frames.
func (c *Capture) Push(f audio.AudioFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	select {
	case c.frames <- f:
		return true
	default:
		return false
	}
}

// End closes the frame channel as if the input were exhausted.
func (c *Capture) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ended {
		c.ended = true
		close(c.frames)
	}
}

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	first := c.CallCountClose == 1
	c.mu.Unlock()
	c.End()
	if first {
		return c.CloseErr
	}
	return nil
}

// Closed reports whether Close has been called at least once.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose > 0
}

var (
	_ audio.Source  = (*Source)(nil)
	_ audio.Capture = (*Capture)(nil)
)
