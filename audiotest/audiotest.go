// Package audiotest generates deterministic PCM test signals for
// exercising the engine without real audio hardware.
package audiotest

import (
	"math"

	"github.com/btbridge/btbridge/framebuf"
)

// DefaultAmplitude scales generated samples to leave headroom below
// full scale, avoiding clipping artifacts in lossy round trips.
const DefaultAmplitude = 0.8

// Sine is a phase-continuous sine generator producing interleaved
// S16LE PCM. All channels carry the same signal. It implements
// io.Reader and never returns an error, so it can stand in for a
// capture socket.
type Sine struct {
	freq      float64
	rate      int
	channels  int
	amplitude float64
	phase     float64
}

// NewSine creates a generator for the given tone frequency, sample
// rate and channel count.
func NewSine(freq float64, rate, channels int) *Sine {
	if channels < 1 {
		channels = 1
	}
	return &Sine{
		freq:      freq,
		rate:      rate,
		channels:  channels,
		amplitude: DefaultAmplitude,
	}
}

// SetAmplitude overrides the output level, clamped to [0, 1].
func (s *Sine) SetAmplitude(a float64) {
	s.amplitude = math.Max(0, math.Min(1, a))
}

// Fill writes interleaved samples, advancing the phase so consecutive
// calls produce one continuous tone. Partial trailing channel slots
// are left untouched.
func (s *Sine) Fill(samples []int16) {
	step := 2 * math.Pi * s.freq / float64(s.rate)
	scale := s.amplitude * 32767
	for i := 0; i+s.channels <= len(samples); i += s.channels {
		v := int16(math.Round(math.Sin(s.phase) * scale))
		for ch := 0; ch < s.channels; ch++ {
			samples[i+ch] = v
		}
		s.phase += step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
}

// Read fills p with S16LE bytes of the tone. It always fills a whole
// number of samples and never returns an error.
func (s *Sine) Read(p []byte) (int, error) {
	n := len(p) / 2
	if n == 0 {
		return 0, nil
	}
	samples := make([]int16, n)
	s.Fill(samples)
	return framebuf.PutSamples(p, samples), nil
}

// Generate returns count interleaved samples of the tone as a fresh
// slice.
func (s *Sine) Generate(count int) []int16 {
	samples := make([]int16, count)
	s.Fill(samples)
	return samples
}
