// Package vad implements energy-threshold voice activity detection with a
// minimum-silence timer.
//
// The detector is fed one energy value per frame (see audio.Analyser) together
// with the frame's capture timestamp. It is deterministic: identical inputs
// always yield identical events, independent of wall-clock time.
//
// Leading silence, before any speech has been heard, produces no events. A
// pause is confirmed exactly once, after it has lasted MinSilence; the timer
// is then disarmed until speech resumes.
package vad

import "time"

// Defaults for [Config].
const (
	DefaultThreshold  = 20
	DefaultMinSilence = 1500 * time.Millisecond
)

// Config configures a [Detector].
type Config struct {
	// Threshold is the energy at or above which a frame is speech, on the
	// analyser's 0-255 scale. Defaults to 20.
	Threshold float64

	// MinSilence is how long a pause must last before it is confirmed.
	// Defaults to 1.5s.
	MinSilence time.Duration
}

// Detector classifies frames as speech or silence. It is not safe for
// concurrent use; a recording session owns exactly one detector.
type Detector struct {
	threshold  float64
	minSilence time.Duration

	state        State
	heardSpeech  bool
	armed        bool
	silenceStart time.Duration
}

// New returns a detector in the initial silent state.
func New(cfg Config) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MinSilence <= 0 {
		cfg.MinSilence = DefaultMinSilence
	}
	return &Detector{threshold: cfg.Threshold, minSilence: cfg.MinSilence}
}

// Observe classifies one frame and reports the transition it caused, if any.
func (d *Detector) Observe(energy float64, at time.Duration) (Event, bool) {
	if energy >= d.threshold {
		d.armed = false
		if d.state == StateSpeaking {
			return Event{}, false
		}
		d.state = StateSpeaking
		d.heardSpeech = true
		return Event{Type: EventSpeechStarted, At: at, Energy: energy}, true
	}

	if !d.heardSpeech {
		return Event{}, false
	}

	if d.state == StateSpeaking {
		d.state = StateSilent
		d.armed = true
		d.silenceStart = at
		return Event{Type: EventSilenceStarted, At: at, Energy: energy}, true
	}

	if !d.armed {
		return Event{}, false
	}
	if at < d.silenceStart {
		d.silenceStart = at
	}
	elapsed := at - d.silenceStart
	if elapsed < d.minSilence {
		return Event{}, false
	}
	d.armed = false
	return Event{Type: EventSilenceConfirmed, At: at, Energy: energy, Silence: elapsed}, true
}

// State returns the current classification.
func (d *Detector) State() State { return d.state }

// SilenceStartedAt returns the start of the pending pause and true while the
// silence timer is armed.
func (d *Detector) SilenceStartedAt() (time.Duration, bool) {
	return d.silenceStart, d.armed
}

// Reset returns the detector to its initial state.
func (d *Detector) Reset() {
	*d = Detector{threshold: d.threshold, minSilence: d.minSilence}
}
