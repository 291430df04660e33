package audio

import (
	"fmt"
	"time"
)

// AudioFrame is a single block of captured audio flowing through the pipeline.
// Frames are produced by a [Capture], annotated with spectral energy by an
// [Analyser] and then consumed by the voice-activity detector and the segment
// recorder.
type AudioFrame struct {
	// Data holds little-endian signed 16-bit PCM samples, interleaved when
	// Channels > 1.
	Data []byte

	// SampleRate in Hz (16000 for the capture pipeline).
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the capture time of the first sample, relative to the start
	// of the capture. Timestamps are monotonic within one capture.
	Timestamp time.Duration

	// Energy is the mean spectral magnitude on a 0-255 scale. Zero until an
	// [Analyser] has seen the frame.
	Energy float64
}

// Format returns the frame's sample format.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().DurationOf(len(f.Data))
}

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// PipelineFormat is the format every frame is converted to before analysis:
// 16 kHz mono, the rate speech recognisers expect.
var PipelineFormat = Format{SampleRate: 16000, Channels: 1}

// BytesPerSecond returns the PCM16 byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// DurationOf returns the playback length of n PCM16 bytes in this format.
func (f Format) DurationOf(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// BytesFor returns the number of PCM16 bytes covering d, rounded down to a
// whole sample frame.
func (f Format) BytesFor(d time.Duration) int {
	frame := f.Channels * 2
	if frame <= 0 {
		return 0
	}
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%frame
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// AudioSegment is one encoded utterance, bounded by speech pauses. Segments
// are immutable once emitted.
type AudioSegment struct {
	// ID uniquely identifies the segment in logs and sinks.
	ID string

	// Seq is the capture-order sequence number, starting at 1 per recording
	// session.
	Seq uint64

	// Data is the encoded payload.
	Data []byte

	// Encoding is the MIME-like codec identifier, e.g. "audio/ogg;codecs=opus".
	Encoding string

	// Format is the PCM format the payload was encoded from.
	Format Format

	// Start is the capture timestamp of the first buffered frame.
	Start time.Duration

	// Duration is the playback length of the buffered PCM.
	Duration time.Duration

	// PCMBytes is the size of the PCM before encoding.
	PCMBytes int
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
