package transcribe

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a [Channel].
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a channel state plus, for [StateError], the failure reason.
type Status struct {
	State  State
	Reason string
}

// String returns e.g. "connected" or "error: handshake timeout".
func (s Status) String() string {
	if s.Reason == "" {
		return s.State.String()
	}
	return s.State.String() + ": " + s.Reason
}

// Connected reports whether the channel is usable.
func (s Status) Connected() bool { return s.State == StateConnected }

var (
	// ErrNotConnected is returned when sending or recording without a
	// connected channel.
	ErrNotConnected = errors.New("transcribe: not connected")

	// ErrHandshakeTimeout is the cause of a [ConnectionError] when the server
	// never sends connection_established.
	ErrHandshakeTimeout = errors.New("transcribe: handshake timeout")

	// ErrClosedBeforeHandshake is the cause of a [ConnectionError] when the
	// connection drops before connection_established arrives.
	ErrClosedBeforeHandshake = errors.New("transcribe: connection closed before handshake")

	// ErrAborted is the cause of a [ConnectionError] when Disconnect wins a
	// race with an ongoing Connect.
	ErrAborted = errors.New("transcribe: connect aborted by disconnect")
)

// ConnectionError reports a failure to open or keep the connection.
type ConnectionError struct {
	// Op is "dial", "handshake" or "read".
	Op  string
	URL string
	Err error
}

// Error implements error.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transcribe: %s %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports an undecodable or unexpected frame. Protocol errors
// are logged and the frame discarded; they never close the connection.
type ProtocolError struct {
	Reason string
	Err    error
}

// Error implements error.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "transcribe: protocol: " + e.Reason + ": " + e.Err.Error()
	}
	return "transcribe: protocol: " + e.Reason
}

// Unwrap returns the underlying cause.
func (e *ProtocolError) Unwrap() error { return e.Err }
