package rtpio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	p := NewPacketizerAt(100, 5000, 0xDEADBEEF)
	d := NewDepacketizer()

	payload := []byte{1, 2, 3, 4, 5}
	wire, err := p.Pack(payload, 128)
	require.NoError(t, err)

	got, lost, err := d.Unpack(wire)
	require.NoError(t, err)
	assert.Zero(t, lost)
	assert.Equal(t, payload, got)
	assert.Equal(t, uint32(5000), d.Timestamp())
}

func TestPackAdvancesCounters(t *testing.T) {
	p := NewPacketizerAt(10, 1000, 1)
	_, err := p.Pack([]byte{1}, 128)
	require.NoError(t, err)
	_, err = p.Pack([]byte{2}, 128)
	require.NoError(t, err)

	seq, ts := p.Counters()
	assert.Equal(t, uint16(12), seq)
	assert.Equal(t, uint32(1256), ts)
	assert.Equal(t, uint32(1), p.SSRC())
}

func TestSequenceStrictlyIncreasesAcrossWrap(t *testing.T) {
	p := NewPacketizerAt(0xFFFE, 0, 7)
	d := NewDepacketizer()

	// Four packets straddling the 16-bit wrap arrive without loss.
	for i := 0; i < 4; i++ {
		wire, err := p.Pack([]byte{byte(i)}, 10)
		require.NoError(t, err)
		_, lost, err := d.Unpack(wire)
		require.NoError(t, err)
		assert.Zero(t, lost, "packet %d", i)
	}
	seq, _ := p.Counters()
	assert.Equal(t, uint16(2), seq)
}

func TestSequenceGapReportsLoss(t *testing.T) {
	p := NewPacketizerAt(50, 0, 7)
	d := NewDepacketizer()

	wire, err := p.Pack([]byte{0}, 10)
	require.NoError(t, err)
	_, _, err = d.Unpack(wire)
	require.NoError(t, err)

	// Drop three packets.
	for i := 0; i < 3; i++ {
		_, err = p.Pack([]byte{1}, 10)
		require.NoError(t, err)
	}
	wire, err = p.Pack([]byte{2}, 10)
	require.NoError(t, err)

	_, lost, err := d.Unpack(wire)
	require.NoError(t, err)
	assert.Equal(t, 3, lost)

	received, totalLost := d.Stats()
	assert.Equal(t, uint64(2), received)
	assert.Equal(t, uint64(3), totalLost)
}

func TestDuplicateAndLatePacketsDropped(t *testing.T) {
	p := NewPacketizerAt(200, 0, 7)
	d := NewDepacketizer()

	first, err := p.Pack([]byte{1}, 10)
	require.NoError(t, err)
	firstCopy := append([]byte(nil), first...)
	_, _, err = d.Unpack(firstCopy)
	require.NoError(t, err)

	second, err := p.Pack([]byte{2}, 10)
	require.NoError(t, err)
	payload, lost, err := d.Unpack(second)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Zero(t, lost)

	// Duplicate of the last packet.
	payload, lost, err = d.Unpack(second)
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.Zero(t, lost)

	// Late replay of the first packet.
	payload, lost, err = d.Unpack(firstCopy)
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.Zero(t, lost)
}

func TestSSRCChangeRejected(t *testing.T) {
	a := NewPacketizerAt(1, 0, 111)
	b := NewPacketizerAt(1, 0, 222)
	d := NewDepacketizer()

	wire, err := a.Pack([]byte{1}, 10)
	require.NoError(t, err)
	_, _, err = d.Unpack(wire)
	require.NoError(t, err)

	wire, err = b.Pack([]byte{2}, 10)
	require.NoError(t, err)
	_, _, err = d.Unpack(wire)
	assert.Error(t, err)
}

func TestUnpackRejectsMalformed(t *testing.T) {
	d := NewDepacketizer()
	_, _, err := d.Unpack([]byte{0x80})
	assert.Error(t, err)
}

func TestNewPacketizerRandomizesCounters(t *testing.T) {
	a, err := NewPacketizer()
	require.NoError(t, err)
	b, err := NewPacketizer()
	require.NoError(t, err)
	// Random 32-bit SSRCs collide with negligible probability.
	assert.NotEqual(t, a.SSRC(), b.SSRC())
}

func TestSBCPayloadHeader(t *testing.T) {
	hdr, err := MarshalSBCPayloadHeader(3)
	require.NoError(t, err)

	parsed, rest, err := ParseSBCPayloadHeader([]byte{hdr, 0xAA, 0xBB})
	require.NoError(t, err)
	assert.Equal(t, 3, parsed.Frames)
	assert.False(t, parsed.Fragmented)
	assert.Equal(t, []byte{0xAA, 0xBB}, rest)
}

func TestSBCPayloadHeaderBounds(t *testing.T) {
	_, err := MarshalSBCPayloadHeader(0)
	assert.Error(t, err)
	_, err = MarshalSBCPayloadHeader(16)
	assert.Error(t, err)

	_, _, err = ParseSBCPayloadHeader(nil)
	assert.Error(t, err)
	_, _, err = ParseSBCPayloadHeader([]byte{0x80 | 1, 0xAA})
	assert.Error(t, err, "fragmented payloads are rejected")
	_, _, err = ParseSBCPayloadHeader([]byte{0x00})
	assert.Error(t, err, "zero frame count is rejected")
}
