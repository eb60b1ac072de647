package audiotest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSineDeterministic(t *testing.T) {
	a := NewSine(441, 44100, 2).Generate(1024)
	b := NewSine(441, 44100, 2).Generate(1024)
	assert.Equal(t, a, b)
}

func TestSineAmplitudeBounds(t *testing.T) {
	samples := NewSine(1000, 16000, 1).Generate(16000)
	amp := float64(DefaultAmplitude)
	limit := int16(amp*32767) + 1
	for _, s := range samples {
		require.LessOrEqual(t, s, limit)
		require.GreaterOrEqual(t, s, -limit)
	}
}

func TestSineChannelsInterleaved(t *testing.T) {
	samples := NewSine(441, 44100, 2).Generate(512)
	for i := 0; i < len(samples); i += 2 {
		require.Equal(t, samples[i], samples[i+1], "channels carry the same signal")
	}
}

func TestSinePhaseContinuity(t *testing.T) {
	// Two half-size fills equal one full-size fill.
	s := NewSine(441, 44100, 1)
	split := make([]int16, 512)
	s.Fill(split[:256])
	s.Fill(split[256:])

	whole := NewSine(441, 44100, 1).Generate(512)
	assert.Equal(t, whole, split)
}

func TestSineReader(t *testing.T) {
	s := NewSine(441, 44100, 1)
	buf := make([]byte, 1001)
	n, err := s.Read(buf)
	require.NoError(t, err)
	// Whole samples only.
	assert.Equal(t, 1000, n)
}
