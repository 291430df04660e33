// Package codec turns buffered PCM16 into the byte payloads that are sent to
// the transcription service.
//
// Three encoders are provided, in order of preference: Ogg/Opus (compact,
// what browsers record), WAV (lossless, universally decodable) and raw L16.
// [Negotiate] picks the first one that works on this host.
package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Encoding identifiers.
const (
	NameOggOpus = "audio/ogg;codecs=opus"
	NameWAV     = "audio/wav"
	NamePCM     = "audio/L16"
)

// DefaultPreference is the fallback order used when none is configured.
var DefaultPreference = []string{NameOggOpus, NameWAV, NamePCM}

// ErrUnsupported is returned when an encoder cannot be built on this host or
// the requested name is unknown.
var ErrUnsupported = errors.New("codec: unsupported encoding")

// Encoder encodes one complete segment.
//
// Implementations must be safe for concurrent use; Encode carries no state
// between calls.
type Encoder interface {
	// Name returns the encoding identifier carried on segments.
	Name() string

	// Encode encodes little-endian PCM16 in format f. An empty input is an
	// error: empty segments are never encoded.
	Encode(pcm []byte, f audio.Format) ([]byte, error)
}

// ErrEmpty is returned by Encode for zero-length input.
var ErrEmpty = errors.New("codec: empty input")

// Canonical maps name, or one of its aliases, to the canonical encoding
// identifier. It reports false for unknown names.
func Canonical(name string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameOggOpus, "opus", "ogg", "audio/ogg", "audio/webm;codecs=opus":
		return NameOggOpus, true
	case NameWAV, "wav", "audio/wave", "audio/x-wav":
		return NameWAV, true
	case strings.ToLower(NamePCM), "pcm", "l16":
		return NamePCM, true
	}
	return "", false
}

// New returns the encoder for name. Short aliases "opus", "wav" and "pcm"
// are accepted.
func New(name string) (Encoder, error) {
	canonical, _ := Canonical(name)
	switch canonical {
	case NameOggOpus:
		return NewOggOpus()
	case NameWAV:
		return WAV{}, nil
	case NamePCM:
		return PCM{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
}

// Negotiate returns the first encoder in preferred that can be built,
// logging each fallback. An empty preference uses [DefaultPreference].
func Negotiate(preferred []string, logger *slog.Logger) (Encoder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(preferred) == 0 {
		preferred = DefaultPreference
	}
	var errs []error
	for _, name := range preferred {
		enc, err := New(name)
		if err == nil {
			if len(errs) > 0 {
				logger.Info("codec: using fallback encoding", "encoding", enc.Name())
			}
			return enc, nil
		}
		logger.Warn("codec: encoding unavailable", "encoding", name, "err", err)
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("codec: negotiate: %w", errors.Join(errs...))
}
