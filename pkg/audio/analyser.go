package audio

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Analyser defaults, matching a browser AnalyserNode configured with
// fftSize 512 and smoothingTimeConstant 0.3.
const (
	DefaultFFTSize   = 512
	DefaultSmoothing = 0.3

	minDecibels = -100.0
	maxDecibels = -30.0
)

// Analyser computes frame energy in the frequency domain. It keeps the most
// recent FFT-size samples in a ring, applies a Blackman window, takes the
// magnitude spectrum, smooths it over time and maps each bin from the
// [-100 dB, -30 dB] range onto 0-255. The energy of a frame is the mean of
// those byte magnitudes, so 0 is digital silence and 255 is full scale.
//
// An Analyser is not safe for concurrent use.
type Analyser struct {
	size      int
	smoothing float64

	fft    *fourier.FFT
	window []float64

	ring []float64
	pos  int

	seq      []float64
	coeffs   []complex128
	smoothed []float64
}

// NewAnalyser returns an analyser with the given FFT size (a power of two,
// DefaultFFTSize if not) and smoothing constant in [0, 1).
func NewAnalyser(fftSize int, smoothing float64) *Analyser {
	if fftSize < 32 || fftSize&(fftSize-1) != 0 {
		fftSize = DefaultFFTSize
	}
	if smoothing < 0 || smoothing >= 1 {
		smoothing = DefaultSmoothing
	}
	w := make([]float64, fftSize)
	for i := range w {
		w[i] = 1
	}
	return &Analyser{
		size:      fftSize,
		smoothing: smoothing,
		fft:       fourier.NewFFT(fftSize),
		window:    window.Blackman(w),
		ring:      make([]float64, fftSize),
		seq:       make([]float64, fftSize),
		coeffs:    make([]complex128, fftSize/2+1),
		smoothed:  make([]float64, fftSize/2),
	}
}

// Write appends PCM16 samples to the analysis window. Multi-channel input is
// averaged to mono.
func (a *Analyser) Write(pcm []byte, channels int) {
	if channels <= 0 {
		channels = 1
	}
	stride := channels * 2
	for off := 0; off+stride <= len(pcm); off += stride {
		var sum float64
		for ch := range channels {
			i := off + ch*2
			sum += float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		}
		a.ring[a.pos] = sum / float64(channels) / 32768
		a.pos = (a.pos + 1) % a.size
	}
}

// Energy evaluates the spectrum of the current window, folds it into the
// smoothed spectrum and returns the mean byte magnitude in [0, 255].
func (a *Analyser) Energy() float64 {
	for i := range a.size {
		a.seq[i] = a.ring[(a.pos+i)%a.size] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.seq)

	var sum float64
	scale := 1 / float64(a.size)
	for k := range a.smoothed {
		mag := cmplx.Abs(a.coeffs[k]) * scale
		v := a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		a.smoothed[k] = v
		sum += byteMagnitude(v)
	}
	return sum / float64(len(a.smoothed))
}

// Analyse feeds frame into the window and returns it with Energy set.
func (a *Analyser) Analyse(frame AudioFrame) AudioFrame {
	a.Write(frame.Data, frame.Channels)
	frame.Energy = a.Energy()
	return frame
}

// Reset clears the sample window and the smoothed spectrum.
func (a *Analyser) Reset() {
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}

// byteMagnitude maps a linear magnitude onto the 0-255 analyser scale.
func byteMagnitude(v float64) float64 {
	if v <= 0 {
		return 0
	}
	db := 20 * math.Log10(v)
	b := math.Floor(255 * (db - minDecibels) / (maxDecibels - minDecibels))
	return max(0, min(255, b))
}

// AnalyseStream annotates every frame from in with its energy. The returned
// channel is closed when in closes.
func AnalyseStream(in <-chan AudioFrame, a *Analyser) <-chan AudioFrame {
	out := make(chan AudioFrame, cap(in))
	go func() {
		defer close(out)
		for frame := range in {
			out <- a.Analyse(frame)
		}
	}()
	return out
}
