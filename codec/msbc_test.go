package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btbridge/btbridge/audiotest"
)

func TestMSBCFrameGeometry(t *testing.T) {
	f := NewMSBC()
	assert.Equal(t, 16000, f.SampleRate())
	assert.Equal(t, 1, f.Channels())
	assert.Equal(t, 120, f.FrameSamples())
	// H2 header + 57-byte core + pad byte.
	assert.Equal(t, 60, f.FrameBytes())
}

func TestMSBCH2SequenceRotation(t *testing.T) {
	f := NewMSBC()
	pcm := make([]int16, f.FrameSamples())
	want := []byte{0x08, 0x38, 0xC8, 0xF8, 0x08, 0x38}
	for i, seq := range want {
		wire, err := f.Encode(pcm)
		require.NoError(t, err)
		require.Len(t, wire, f.FrameBytes())
		assert.Equal(t, byte(0x01), wire[0], "frame %d", i)
		assert.Equal(t, seq, wire[1], "frame %d", i)
	}
}

func TestMSBCRoundTripSine(t *testing.T) {
	enc, dec := NewMSBC(), NewMSBC()
	sine := audiotest.NewSine(440, 16000, 1)
	for i := 0; i < 6; i++ {
		in := sine.Generate(enc.FrameSamples())
		wire, err := enc.Encode(in)
		require.NoError(t, err)

		out, err := dec.Decode(wire)
		require.NoError(t, err)
		require.Len(t, out, dec.FrameSamples())
		assert.Less(t, rmsError(in, out), 4000.0, "frame %d", i)
	}
}

func TestMSBCBadFrameConceals(t *testing.T) {
	enc, dec := NewMSBC(), NewMSBC()
	in := audiotest.NewSine(440, 16000, 1).Generate(enc.FrameSamples())
	wire, err := enc.Encode(in)
	require.NoError(t, err)
	good, err := dec.Decode(wire)
	require.NoError(t, err)
	reference := append([]int16(nil), good...)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"nil slot", nil},
		{"truncated", wire[:10]},
		{"bad H2 marker", append([]byte{0xFF, 0xFF}, wire[2:]...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewMSBC()
			_, err := d.Decode(wire)
			require.NoError(t, err)

			out, err := d.Decode(tt.frame)
			require.NoError(t, err, "a bad slot conceals, it does not fail")
			require.Len(t, out, d.FrameSamples())

			// First concealment replays the last good frame attenuated.
			for i := range out {
				want := int16(float64(reference[i]) * 0.75)
				require.InDelta(t, want, out[i], 1, "sample %d", i)
			}
		})
	}
}

func TestMSBCConcealmentDecaysToSilence(t *testing.T) {
	enc, dec := NewMSBC(), NewMSBC()
	in := audiotest.NewSine(440, 16000, 1).Generate(enc.FrameSamples())
	wire, err := enc.Encode(in)
	require.NoError(t, err)
	_, err = dec.Decode(wire)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := dec.Conceal()
		require.NoError(t, err)
	}

	// Fourth consecutive loss: silence.
	out, err := dec.Conceal()
	require.NoError(t, err)
	for _, s := range out {
		require.Zero(t, s)
	}

	// A good frame resets the concealment horizon.
	wire2, err := enc.Encode(in)
	require.NoError(t, err)
	_, err = dec.Decode(wire2)
	require.NoError(t, err)
	out, err = dec.Conceal()
	require.NoError(t, err)
	nonzero := false
	for _, s := range out {
		if s != 0 {
			nonzero = true
			break
		}
	}
	assert.True(t, nonzero, "concealment replays audio again after a good frame")
}
