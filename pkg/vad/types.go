package vad

import "time"

// State is the detector's classification of the stream.
type State int

const (
	// StateSilent is the initial state and the state after a speech pause.
	StateSilent State = iota

	// StateSpeaking means the last frame was at or above the threshold.
	StateSpeaking
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateSilent:
		return "silent"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// EventType enumerates detector transitions.
type EventType int

const (
	// EventSpeechStarted marks the first speech onset and every resumption
	// after a pause. A resumption cancels any pending silence timer.
	EventSpeechStarted EventType = iota + 1

	// EventSilenceStarted marks the first quiet frame after speech. The
	// silence timer starts at this frame's timestamp.
	EventSilenceStarted

	// EventSilenceConfirmed fires once per pause, when the silence has lasted
	// at least the configured minimum. It is the segment boundary.
	EventSilenceConfirmed
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventSpeechStarted:
		return "SPEECH_STARTED"
	case EventSilenceStarted:
		return "SILENCE_STARTED"
	case EventSilenceConfirmed:
		return "SILENCE_CONFIRMED"
	default:
		return "UNKNOWN"
	}
}

// Event is a detector transition.
type Event struct {
	Type EventType

	// At is the timestamp of the frame that caused the transition.
	At time.Duration

	// Energy of that frame.
	Energy float64

	// Silence is the elapsed silence for [EventSilenceConfirmed], zero otherwise.
	Silence time.Duration
}
