package btsock

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketPipePreservesBoundaries(t *testing.T) {
	a, b := PacketPipe(4)
	defer a.Close()
	defer b.Close()

	_, err := a.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	_, err = a.Write([]byte{4, 5})
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf[:n])

	n, err = b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, buf[:n])
}

func TestPacketPipeTruncatesLikeDatagram(t *testing.T) {
	a, b := PacketPipe(1)
	defer a.Close()
	defer b.Close()

	_, err := a.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)

	buf := make([]byte, 3)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, buf)

	// The truncated tail is gone, not carried into the next read.
	_, err = a.Write([]byte{9})
	require.NoError(t, err)
	n, err = b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte(9), buf[0])
}

func TestPacketPipeReadDeadline(t *testing.T) {
	a, b := PacketPipe(1)
	defer a.Close()
	defer b.Close()

	require.NoError(t, b.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	buf := make([]byte, 4)
	start := time.Now()
	_, err := b.Read(buf)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPacketPipeEOFAfterPeerCloseDrain(t *testing.T) {
	a, b := PacketPipe(4)
	defer b.Close()

	_, err := a.Write([]byte{7})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// In-flight data is still delivered before EOF.
	buf := make([]byte, 4)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, byte(7), buf[0])
	assert.Equal(t, 1, n)

	_, err = b.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	_, err = b.Write([]byte{1})
	assert.Error(t, err)
}

func TestStreamPipeIgnoresWriteBoundaries(t *testing.T) {
	a, b := StreamPipe(8)
	defer a.Close()
	defer b.Close()

	_, err := a.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)

	// Reads smaller than the write consume it piecewise.
	buf := make([]byte, 3)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf[:n])

	n, err = b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, buf[:n])
}

func TestStreamPipeBuffersBeforeReader(t *testing.T) {
	a, b := StreamPipe(8)
	defer b.Close()

	// A writer can pre-load data and close before anyone reads,
	// like a kernel socket buffer.
	_, err := a.Write([]byte{1, 2})
	require.NoError(t, err)
	_, err = a.Write([]byte{3})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	got := make([]byte, 0, 3)
	buf := make([]byte, 2)
	for {
		n, err := b.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
	}
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestStreamPipeDeadline(t *testing.T) {
	a, b := StreamPipe(1)
	defer a.Close()
	defer b.Close()

	require.NoError(t, b.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, err := b.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestPacketPipeWriteBlocksWhenFull(t *testing.T) {
	a, b := PacketPipe(1)
	defer a.Close()
	defer b.Close()

	_, err := a.Write([]byte{1})
	require.NoError(t, err)

	require.NoError(t, a.SetWriteDeadline(time.Now().Add(10*time.Millisecond)))
	_, err = a.Write([]byte{2})
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error on full queue, got %v", err)
	}
}
