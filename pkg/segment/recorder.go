// Package segment buffers captured PCM between speech pauses and emits it as
// encoded [audio.AudioSegment] values.
//
// A [Recorder] is driven by the pipeline goroutine: every frame goes to
// Append, every confirmed pause to OnSilenceConfirmed. Each finalize encodes
// the buffer and hands the segment to the OnSegment callback. After a
// finalize the recorder waits RestartDelay of captured audio before it
// accepts the next pause; frames arriving in the meantime are kept and open
// the next segment, so no audio is lost between segments. The delay is
// measured on the audio itself, not the wall clock, so sources that deliver
// faster than real time segment the same way as a live device.
package segment

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/codec"
)

// Defaults for [Config].
const (
	DefaultRestartDelay       = 100 * time.Millisecond
	DefaultMaxSegmentDuration = 30 * time.Second
)

// ErrNoEncoder is returned by [New] when Config.Encoder is nil.
var ErrNoEncoder = errors.New("segment: encoder is required")

// Config configures a [Recorder].
type Config struct {
	// Encoder encodes finalized buffers. Required.
	Encoder codec.Encoder

	// Format is the PCM format of appended frames. Defaults to
	// [audio.PipelineFormat].
	Format audio.Format

	// RestartDelay is the amount of audio that must be appended after a
	// finalize before the recorder accepts the next boundary. Defaults to
	// 100ms; negative disables the delay.
	RestartDelay time.Duration

	// MaxSegmentDuration forces a finalize during unbroken speech. Defaults to
	// 30s; negative disables the limit.
	MaxSegmentDuration time.Duration

	// OnSegment receives every emitted segment, in Seq order, never
	// concurrently. It must not call back into the recorder.
	OnSegment func(audio.AudioSegment)

	Logger *slog.Logger
}

// Recorder accumulates frames into segments. All methods are safe for
// concurrent use.
type Recorder struct {
	enc        codec.Encoder
	format     audio.Format
	rearmBytes int
	maxBytes   int
	emit       func(audio.AudioSegment)
	log        *slog.Logger

	// emitMu serialises encode+emit so segments leave in Seq order even when
	// Stop races the pipeline goroutine.
	emitMu sync.Mutex

	mu        sync.Mutex
	recording bool
	armed     bool
	buf       []byte
	start     time.Duration
	hasStart  bool
	seq       uint64
}

// New returns an idle recorder.
func New(cfg Config) (*Recorder, error) {
	if cfg.Encoder == nil {
		return nil, ErrNoEncoder
	}
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		cfg.Format = audio.PipelineFormat
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.MaxSegmentDuration == 0 {
		cfg.MaxSegmentDuration = DefaultMaxSegmentDuration
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	emit := cfg.OnSegment
	if emit == nil {
		emit = func(audio.AudioSegment) {}
	}
	r := &Recorder{
		enc:    cfg.Encoder,
		format: cfg.Format,
		emit:   emit,
		log:    log,
	}
	if cfg.RestartDelay > 0 {
		r.rearmBytes = cfg.Format.BytesFor(cfg.RestartDelay)
	}
	if cfg.MaxSegmentDuration > 0 {
		r.maxBytes = cfg.Format.BytesFor(cfg.MaxSegmentDuration)
	}
	return r, nil
}

// Start begins a recording session. Sequence numbers restart at 1. Calling
// Start on a running recorder is a no-op.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return
	}
	r.recording = true
	r.armed = true
	r.buf = nil
	r.hasStart = false
	r.seq = 0
}

// Recording reports whether a session is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Append buffers a frame. Frames appended while idle are discarded.
func (r *Recorder) Append(f audio.AudioFrame) {
	r.mu.Lock()
	if !r.recording || len(f.Data) == 0 {
		r.mu.Unlock()
		return
	}
	if !r.hasStart {
		r.start = f.Timestamp
		r.hasStart = true
	}
	r.buf = append(r.buf, f.Data...)
	if !r.armed && len(r.buf) >= r.rearmBytes {
		r.armed = true
	}
	full := r.maxBytes > 0 && len(r.buf) >= r.maxBytes && r.armed
	r.mu.Unlock()

	if full {
		r.finalize("max duration", true)
	}
}

// OnSilenceConfirmed finalizes the current buffer into one segment. It is a
// no-op while idle, during the restart delay, or when nothing is buffered.
func (r *Recorder) OnSilenceConfirmed() {
	r.finalize("silence", true)
}

// Stop finalizes whatever is buffered and ends the session. Safe to call
// repeatedly.
func (r *Recorder) Stop() {
	r.finalize("stop", false)
}

func (r *Recorder) finalize(reason string, keepRecording bool) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if !r.recording || (keepRecording && !r.armed) {
		r.mu.Unlock()
		return
	}
	pcm, start := r.buf, r.start
	r.buf, r.hasStart = nil, false

	if !keepRecording {
		r.recording = false
		r.armed = false
	}
	if len(pcm) == 0 {
		r.mu.Unlock()
		return
	}
	r.seq++
	seq := r.seq
	if keepRecording {
		r.armed = r.rearmBytes == 0
	}
	r.mu.Unlock()

	data, err := r.enc.Encode(pcm, r.format)
	if err != nil {
		r.log.Error("segment: encode failed, dropping segment",
			"seq", seq,
			"encoding", r.enc.Name(),
			"pcm_bytes", len(pcm),
			"err", err,
		)
		return
	}
	seg := audio.AudioSegment{
		ID:       uuid.NewString(),
		Seq:      seq,
		Data:     data,
		Encoding: r.enc.Name(),
		Format:   r.format,
		Start:    start,
		Duration: r.format.DurationOf(len(pcm)),
		PCMBytes: len(pcm),
	}
	r.log.Debug("segment: finalized",
		"seq", seg.Seq,
		"reason", reason,
		"duration", seg.Duration,
		"bytes", len(seg.Data),
	)
	r.emit(seg)
}

// Buffered returns the number of PCM bytes waiting for the next finalize.
func (r *Recorder) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
