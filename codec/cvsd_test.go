package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCVSDRoundTripBitExact(t *testing.T) {
	f := NewCVSD()
	in := []int16{0, 1, -1, 32767, -32768, 100, -100, 5000, -5000,
		12345, -12345, 42, -42, 999, -999, 31000, -31000, 7, -7, 2, -2, 3, -3, 4}
	require.Len(t, in, f.FrameSamples())

	wire, err := f.Encode(in)
	require.NoError(t, err)
	require.Len(t, wire, f.FrameBytes())

	out, err := f.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, in, out, "transparent framing is bit-exact")
}

func TestCVSDEncodePadsShortChunk(t *testing.T) {
	f := NewCVSD()
	wire, err := f.Encode([]int16{1000, -1000})
	require.NoError(t, err)
	require.Len(t, wire, f.FrameBytes())

	out, err := f.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, int16(1000), out[0])
	assert.Equal(t, int16(-1000), out[1])
	for _, s := range out[2:] {
		assert.Zero(t, s)
	}
}

func TestCVSDDecodeRejectsShortFrame(t *testing.T) {
	f := NewCVSD()
	_, err := f.Decode(make([]byte, f.FrameBytes()-1))
	assert.ErrorIs(t, err, ErrDecode)
	_, err = f.Decode(nil)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestCVSDConcealIsSilence(t *testing.T) {
	f := NewCVSD()
	out, err := f.Conceal()
	require.NoError(t, err)
	require.Len(t, out, f.FrameSamples())
	for _, s := range out {
		require.Zero(t, s)
	}
}
