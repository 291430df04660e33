// Package audio defines the capture-side types of earshot: PCM frames, the
// [Source] and [Capture] abstractions over microphones and files, the
// frequency-domain [Analyser] used for voice-activity detection, and stream
// helpers that glue them together.
//
// The two primary abstractions are:
//
//   - [Source]: opens an audio input and returns a [Capture].
//   - [Capture]: a live stream of [AudioFrame] values that ends when the
//     capture is closed or the input is exhausted.
//
// Implementations live in sub-packages (audio/device for microphones via
// miniaudio, audio/wavfile for replaying recordings, audio/mock for tests).
package audio

import (
	"context"
	"errors"
	"fmt"
)

// Source opens audio inputs. Implementations must be safe for concurrent use.
type Source interface {
	// Open acquires the input and starts delivering frames. ctx governs the
	// open attempt only; use [Capture.Close] to end the capture.
	//
	// Failures to acquire the input are reported as *[MediaError].
	Open(ctx context.Context) (Capture, error)
}

// Capture is a running audio input.
//
// A Capture is not restartable: once Frames is closed, open a new one.
type Capture interface {
	// Frames returns the frame stream. The channel is closed when the capture
	// ends, either through Close or because the input was exhausted.
	Frames() <-chan AudioFrame

	// Format reports the format of the frames on Frames.
	Format() Format

	// Close stops the capture and releases the underlying device. It is safe
	// to call more than once; later calls return nil.
	Close() error
}

// MediaErrorKind classifies input acquisition failures.
type MediaErrorKind int

const (
	// MediaNotFound means no matching input device or file exists.
	MediaNotFound MediaErrorKind = iota + 1

	// MediaPermissionDenied means the OS or user refused access.
	MediaPermissionDenied

	// MediaDeviceBusy means the device exists but is held by another process.
	MediaDeviceBusy

	// MediaUnsupported means the input exists but cannot deliver PCM16 in a
	// usable format.
	MediaUnsupported
)

// String returns the human-readable name of the kind.
func (k MediaErrorKind) String() string {
	switch k {
	case MediaNotFound:
		return "not found"
	case MediaPermissionDenied:
		return "permission denied"
	case MediaDeviceBusy:
		return "device busy"
	case MediaUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// MediaError reports a failure to acquire an audio input. Media errors are
// never retried automatically.
type MediaError struct {
	Kind MediaErrorKind

	// Input names the device or file, if known.
	Input string

	Err error
}

// Error implements error.
func (e *MediaError) Error() string {
	msg := "audio: " + e.Kind.String()
	if e.Input != "" {
		msg += fmt.Sprintf(" (%s)", e.Input)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *MediaError) Unwrap() error { return e.Err }

// IsMediaError reports whether err wraps a *[MediaError] of the given kind.
func IsMediaError(err error, kind MediaErrorKind) bool {
	var me *MediaError
	return errors.As(err, &me) && me.Kind == kind
}
