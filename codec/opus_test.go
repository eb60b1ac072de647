package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpusSinkGeometry(t *testing.T) {
	f, err := NewOpusSink(OpusConfig{SampleRate: 48000, Channels: 2, FrameMs: 20})
	require.NoError(t, err)

	assert.Equal(t, 48000, f.SampleRate())
	assert.Equal(t, 2, f.Channels())
	assert.Equal(t, 48*20*2, f.FrameSamples())
	// Variable-size frames.
	assert.Equal(t, 0, f.FrameBytes())
}

func TestOpusSinkIsDecodeOnly(t *testing.T) {
	f, err := NewOpusSink(OpusConfig{SampleRate: 48000, Channels: 1, FrameMs: 10})
	require.NoError(t, err)

	_, err = f.Encode(make([]int16, f.FrameSamples()))
	assert.ErrorIs(t, err, ErrEncodeUnsupported)
}

func TestOpusSinkEmptyFrameConceals(t *testing.T) {
	f, err := NewOpusSink(OpusConfig{SampleRate: 48000, Channels: 2, FrameMs: 20})
	require.NoError(t, err)

	out, err := f.Decode(nil)
	require.NoError(t, err)
	require.Len(t, out, f.FrameSamples())
	for _, s := range out {
		require.Zero(t, s)
	}
}

func TestOpusSinkConcealIsSilence(t *testing.T) {
	f, err := NewOpusSink(OpusConfig{SampleRate: 48000, Channels: 1, FrameMs: 20})
	require.NoError(t, err)

	out, err := f.Conceal()
	require.NoError(t, err)
	require.Len(t, out, f.FrameSamples())
	for _, s := range out {
		require.Zero(t, s)
	}
}
