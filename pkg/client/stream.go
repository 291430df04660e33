package client

import (
	"sync"

	"github.com/MrWong99/earshot/pkg/transcribe"
)

// Snapshot is the client state at one point in time.
type Snapshot struct {
	Status    transcribe.Status
	ClientID  string
	Recording bool

	// Results are newest first.
	Results []transcribe.Result

	// Err is the last error, if any.
	Err error
}

// Stream delivers a [Snapshot] after every client event. A slow reader only
// ever misses intermediate snapshots: when the buffer is full the oldest
// pending snapshot is replaced.
type Stream struct {
	c      *Client
	ch     chan Snapshot
	cancel func()

	mu     sync.Mutex
	closed bool
}

// NewStream subscribes to c. The current state is delivered first. buffer
// below 1 is treated as 1.
func NewStream(c *Client, buffer int) *Stream {
	s := &Stream{c: c, ch: make(chan Snapshot, max(buffer, 1))}
	s.push()
	s.cancel = c.Subscribe(Callbacks{
		OnStatus:        func(transcribe.Status) { s.push() },
		OnTranscription: func(transcribe.Result) { s.push() },
		OnRecording:     func(bool) { s.push() },
		OnError:         func(error) { s.push() },
	})
	return s
}

// C returns the snapshot channel. It is closed by [Stream.Close].
func (s *Stream) C() <-chan Snapshot { return s.ch }

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Stream) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// push snapshots under s.mu so concurrent pushes enqueue in the order the
// state was read.
func (s *Stream) push() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	snap := s.c.Snapshot()
	select {
	case s.ch <- snap:
		return
	default:
	}
	// Full: replace the oldest pending snapshot. Only push sends, under mu,
	// so a slot is free after one receive.
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}
