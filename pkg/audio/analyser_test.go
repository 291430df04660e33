package audio_test

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/earshot/pkg/audio"
)

// noise returns n samples of uniform noise in [-amp, amp].
func noise(rng *rand.Rand, n int, amp int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(rng.IntN(2*amp+1) - amp)
	}
	return samplesToBytes(samples)
}

func TestAnalyser_SilenceIsZero(t *testing.T) {
	a := audio.NewAnalyser(audio.DefaultFFTSize, audio.DefaultSmoothing)
	for range 5 {
		f := a.Analyse(audio.AudioFrame{Data: make([]byte, 3200), SampleRate: 16000, Channels: 1})
		if f.Energy != 0 {
			t.Fatalf("energy = %v, want 0", f.Energy)
		}
	}
}

func TestAnalyser_Levels(t *testing.T) {
	tests := []struct {
		name    string
		amp     int
		atLeast float64
		below   float64
	}{
		{name: "loud", amp: 16384, atLeast: 150, below: 256},
		{name: "speech", amp: 1600, atLeast: 60, below: 200},
		{name: "room hiss", amp: 30, atLeast: 0, below: 20},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(1, 2))
			a := audio.NewAnalyser(audio.DefaultFFTSize, audio.DefaultSmoothing)
			var e float64
			for range 10 {
				e = a.Analyse(audio.AudioFrame{Data: noise(rng, 1600, tc.amp), SampleRate: 16000, Channels: 1}).Energy
			}
			if e < tc.atLeast || e >= tc.below {
				t.Errorf("energy = %.1f, want in [%v, %v)", e, tc.atLeast, tc.below)
			}
		})
	}
}

func TestAnalyser_SmoothingDecays(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	a := audio.NewAnalyser(audio.DefaultFFTSize, audio.DefaultSmoothing)
	loud := a.Analyse(audio.AudioFrame{Data: noise(rng, 1600, 16384), SampleRate: 16000, Channels: 1}).Energy

	silent := audio.AudioFrame{Data: make([]byte, 3200), SampleRate: 16000, Channels: 1}
	first := a.Analyse(silent).Energy
	if first <= 0 || first >= loud {
		t.Fatalf("first silent energy = %.1f, want in (0, %.1f)", first, loud)
	}
	var last float64
	for range 30 {
		last = a.Analyse(silent).Energy
	}
	if last != 0 {
		t.Errorf("energy after sustained silence = %.1f, want 0", last)
	}
}

func TestAnalyser_ResetClearsWindow(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	a := audio.NewAnalyser(audio.DefaultFFTSize, audio.DefaultSmoothing)
	a.Write(noise(rng, 512, 10000), 1)
	a.Reset()
	if e := a.Energy(); e != 0 {
		t.Errorf("energy after reset = %v, want 0", e)
	}
}

func TestAnalyseStream(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	in := make(chan audio.AudioFrame, 2)
	in <- audio.AudioFrame{Data: noise(rng, 1600, 16384), SampleRate: 16000, Channels: 1}
	in <- audio.AudioFrame{Data: noise(rng, 1600, 16384), SampleRate: 16000, Channels: 1}
	close(in)

	n := 0
	for f := range audio.AnalyseStream(in, audio.NewAnalyser(0, -1)) {
		n++
		if f.Energy <= 20 {
			t.Errorf("frame %d energy = %.1f, want > 20", n, f.Energy)
		}
	}
	if n != 2 {
		t.Errorf("got %d frames, want 2", n)
	}
}

func TestMediaError(t *testing.T) {
	cause := errors.New("no such device")
	err := fmt.Errorf("open: %w", &audio.MediaError{Kind: audio.MediaNotFound, Input: "hw:1", Err: cause})

	if !audio.IsMediaError(err, audio.MediaNotFound) {
		t.Error("IsMediaError(NotFound) = false, want true")
	}
	if audio.IsMediaError(err, audio.MediaDeviceBusy) {
		t.Error("IsMediaError(DeviceBusy) = true, want false")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(cause) = false, want true")
	}
	want := "open: audio: not found (hw:1): no such device"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
