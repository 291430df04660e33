package client

import (
	"github.com/MrWong99/earshot/pkg/transcribe"
)

// Callbacks receive client events. Nil fields are skipped. Callbacks run on
// client and channel goroutines and must return quickly. They must not call
// the client's connect, recording or close methods synchronously.
type Callbacks struct {
	// OnStatus is called on every connection status change, in order.
	OnStatus func(transcribe.Status)

	// OnTranscription is called for each non-empty transcription, in the
	// order the server sent them.
	OnTranscription func(transcribe.Result)

	// OnRecording is called when recording starts or stops.
	OnRecording func(recording bool)

	// OnError is called for connection, media and server errors.
	OnError func(error)
}

// Subscribe registers cb and returns a function that removes it.
func (c *Client) Subscribe(cb Callbacks) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = cb
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// subscribers returns the registered callbacks in subscription order.
func (c *Client) subscribers() []Callbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Callbacks, 0, len(c.subs))
	for id := range c.nextSub {
		if cb, ok := c.subs[id]; ok {
			out = append(out, cb)
		}
	}
	return out
}

func (c *Client) notifyRecording(recording bool) {
	for _, cb := range c.subscribers() {
		if cb.OnRecording != nil {
			cb.OnRecording(recording)
		}
	}
}
