package ioloop

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btbridge/btbridge/audiotest"
	"github.com/btbridge/btbridge/btsock"
	"github.com/btbridge/btbridge/codec"
	"github.com/btbridge/btbridge/device"
	"github.com/btbridge/btbridge/framebuf"
	"github.com/btbridge/btbridge/rtpio"
	"github.com/btbridge/btbridge/transport"
)

const testMTU = 459

func testDevice() *device.Device {
	return device.NewDevice(device.NewAdapter(0), device.Address{1, 2, 3, 4, 5, 6})
}

func sbcBlob() []byte {
	return codec.MarshalSBCConfig(codec.SBCConfig{
		SampleRate:  44100,
		ChannelMode: codec.SBCChannelModeJointStereo,
		Blocks:      16,
		Subbands:    8,
		MinBitpool:  2,
		MaxBitpool:  53,
	})
}

// recordingConn wraps a link socket and records every write size.
type recordingConn struct {
	net.Conn
	mu     sync.Mutex
	writes []int
}

func (c *recordingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.writes = append(c.writes, len(p))
	c.mu.Unlock()
	return c.Conn.Write(p)
}

func (c *recordingConn) writeSizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.writes...)
}

func newSourceTransport(t *testing.T, link net.Conn, pcm net.Conn, opts ...transport.Option) *transport.Transport {
	t.Helper()
	tr, err := transport.New(testDevice(),
		transport.Type{Profile: transport.ProfileA2DPSource, Codec: codec.SBC},
		"test", "/test/a2dp-source", sbcBlob(), opts...)
	require.NoError(t, err)
	tr.SetMTU(testMTU, testMTU)
	tr.SetBT(link)
	tr.SetPCM(pcm)
	return tr
}

func newSinkTransport(t *testing.T, link net.Conn, pcm net.Conn) *transport.Transport {
	t.Helper()
	tr, err := transport.New(testDevice(),
		transport.Type{Profile: transport.ProfileA2DPSink, Codec: codec.SBC},
		"test", "/test/a2dp-sink", sbcBlob())
	require.NoError(t, err)
	tr.SetMTU(testMTU, testMTU)
	tr.SetBT(link)
	tr.SetPCM(pcm)
	return tr
}

// pumpSine writes frames whole frames of a stereo test tone and closes
// the producer end.
func pumpSine(t *testing.T, producer net.Conn, frames int) int {
	t.Helper()
	sine := audiotest.NewSine(441, 44100, 2)
	samples := sine.Generate(frames * 256)
	buf := make([]byte, framebuf.SampleBytes(len(samples)))
	framebuf.PutSamples(buf, samples)
	go func() {
		defer producer.Close()
		for off := 0; off < len(buf); off += 4096 {
			end := off + 4096
			if end > len(buf) {
				end = len(buf)
			}
			if _, err := producer.Write(buf[off:end]); err != nil {
				return
			}
		}
	}()
	return len(buf)
}

// drain reads one pipe end until EOF and reports the byte count.
func drain(c net.Conn) <-chan int {
	out := make(chan int, 1)
	go func() {
		var total int
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			total += n
			if err != nil {
				out <- total
				return
			}
		}
	}()
	return out
}

func waitDone(t *testing.T, w *Worker, timeout time.Duration) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(timeout):
		t.Fatal("worker did not exit in time")
	}
}

func TestStreamingLoopback(t *testing.T) {
	linkA, linkB := btsock.PacketPipe(64)
	rec := &recordingConn{Conn: linkA}
	srcPCM, producer := btsock.StreamPipe(256)
	sinkPCM, consumer := btsock.StreamPipe(256)

	src := newSourceTransport(t, rec, srcPCM)
	defer src.Unref()
	snk := newSinkTransport(t, linkB, sinkPCM)
	defer snk.Unref()

	sourceWorker, err := StartSource(src, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	sinkWorker, err := StartSink(snk, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	const frames = 120
	sent := pumpSine(t, producer, frames)
	received := drain(consumer)

	waitDone(t, sourceWorker, 5*time.Second)
	require.NoError(t, sourceWorker.Err())
	assert.Equal(t, transport.StateIdle, src.State())

	// Closing the link lets the sink drain in-flight packets and exit.
	_ = rec.Close()
	waitDone(t, sinkWorker, 5*time.Second)
	require.NoError(t, sinkWorker.Err())
	assert.Equal(t, transport.StateIdle, snk.State())

	_ = sinkPCM.Close()
	got := <-received

	// Every frame was decoded; a stalled-consumer drop may trim a
	// little, but the bulk of the audio must arrive.
	assert.Greater(t, got, sent/2)
	assert.LessOrEqual(t, got, sent)

	// No single link write exceeds the negotiated MTU, and every
	// packet leaves room for the RTP plus media headers.
	sizes := rec.writeSizes()
	require.NotEmpty(t, sizes)
	for i, n := range sizes {
		require.LessOrEqual(t, n, testMTU, "write %d", i)
		require.Greater(t, n, rtpio.SBCPayloadHeaderLen, "write %d", i)
	}
}

func TestStreamingPacksMultipleFramesPerPacket(t *testing.T) {
	linkA, linkB := btsock.PacketPipe(64)
	srcPCM, producer := btsock.StreamPipe(256)

	src := newSourceTransport(t, linkA, srcPCM)
	defer src.Unref()

	w, err := StartSource(src, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	pumpSine(t, producer, 30)

	// Inspect raw link packets: the MTU fits several SBC frames, so
	// full packets must coalesce more than one.
	d := rtpio.NewDepacketizer()
	buf := make([]byte, testMTU)
	maxFrames := 0
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = linkB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := linkB.Read(buf)
		if err != nil {
			break
		}
		payload, lost, err := d.Unpack(buf[:n])
		require.NoError(t, err)
		assert.Zero(t, lost, "loopback link loses nothing")
		hdr, _, err := rtpio.ParseSBCPayloadHeader(payload)
		require.NoError(t, err)
		if hdr.Frames > maxFrames {
			maxFrames = hdr.Frames
		}
	}
	waitDone(t, w, 5*time.Second)
	require.NoError(t, w.Err())
	assert.Greater(t, maxFrames, 1)
	_ = linkB.Close()
}

func TestTerminateWithinOneSecond(t *testing.T) {
	linkA, linkB := btsock.PacketPipe(4)
	defer linkB.Close()
	srcPCM, producer := btsock.StreamPipe(4)
	defer producer.Close()

	src := newSourceTransport(t, linkA, srcPCM)
	defer src.Unref()

	// The producer never sends, so the worker sits in its poll loop.
	w, err := StartSource(src)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	w.Stop()
	waitDone(t, w, time.Second)
	assert.Less(t, time.Since(start), time.Second)
	require.NoError(t, w.Err())
	assert.Equal(t, transport.StateIdle, src.State())
}

func TestPauseAndResume(t *testing.T) {
	linkA, linkB := btsock.PacketPipe(4)
	defer linkB.Close()
	srcPCM, producer := btsock.StreamPipe(4)
	defer producer.Close()

	src := newSourceTransport(t, linkA, srcPCM)
	defer src.Unref()

	w, err := StartSource(src, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	src.SendSignal(transport.SignalPause)
	assert.Eventually(t, func() bool {
		return src.State() == transport.StatePaused
	}, time.Second, 10*time.Millisecond)

	src.SendSignal(transport.SignalResume)
	assert.Eventually(t, func() bool {
		return src.State() == transport.StateActive
	}, time.Second, 10*time.Millisecond)

	// A paused worker still honors termination.
	src.SendSignal(transport.SignalPause)
	time.Sleep(50 * time.Millisecond)
	w.Stop()
	waitDone(t, w, time.Second)
	require.NoError(t, w.Err())
}

func TestDirectionSlotEnforced(t *testing.T) {
	linkA, linkB := btsock.PacketPipe(4)
	defer linkB.Close()
	srcPCM, producer := btsock.StreamPipe(4)
	defer producer.Close()

	src := newSourceTransport(t, linkA, srcPCM)
	defer src.Unref()

	w, err := StartSource(src)
	require.NoError(t, err)

	_, err = StartSource(src)
	assert.ErrorIs(t, err, transport.ErrDirectionBusy)

	w.Stop()
	waitDone(t, w, time.Second)
}

func TestStartValidation(t *testing.T) {
	linkA, linkB := btsock.PacketPipe(4)
	defer linkA.Close()
	defer linkB.Close()
	srcPCM, producer := btsock.StreamPipe(4)
	defer producer.Close()

	t.Run("profile mismatch", func(t *testing.T) {
		tr := newSourceTransport(t, linkA, srcPCM)
		defer tr.Unref()
		_, err := StartSink(tr)
		assert.ErrorIs(t, err, ErrProfileMismatch)
		_, err = StartVoice(tr)
		assert.ErrorIs(t, err, ErrProfileMismatch)
	})

	t.Run("missing sockets", func(t *testing.T) {
		tr, err := transport.New(testDevice(),
			transport.Type{Profile: transport.ProfileA2DPSource, Codec: codec.SBC},
			"test", "/test", sbcBlob())
		require.NoError(t, err)
		defer tr.Unref()
		_, err = StartSource(tr)
		assert.ErrorIs(t, err, ErrMissingSockets)
	})

	t.Run("frame does not fit MTU", func(t *testing.T) {
		tr := newSourceTransport(t, linkA, srcPCM)
		defer tr.Unref()
		tr.SetMTU(8, 8)
		w, err := StartSource(tr)
		require.NoError(t, err)
		waitDone(t, w, time.Second)
		assert.ErrorIs(t, w.Err(), ErrFrameTooLarge)
		assert.Equal(t, transport.StateAborted, tr.State())
		assert.ErrorIs(t, tr.LastError(), ErrFrameTooLarge)
	})
}

func TestWorkerReleasesTransportReference(t *testing.T) {
	linkA, linkB := btsock.PacketPipe(4)
	defer linkA.Close()
	defer linkB.Close()
	srcPCM, producer := btsock.StreamPipe(4)

	src := newSourceTransport(t, linkA, srcPCM)
	defer src.Unref()

	w, err := StartSource(src)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.Refs())

	_ = producer.Close()
	waitDone(t, w, time.Second)
	assert.Eventually(t, func() bool {
		return src.Refs() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentTransportsAge(t *testing.T) {
	type session struct {
		src, snk *transport.Transport
		srcW     *Worker
		snkW     *Worker
		link     net.Conn
		sinkPCM  net.Conn
		received <-chan int
	}

	var sessions []*session
	for i := 0; i < 2; i++ {
		linkA, linkB := btsock.PacketPipe(64)
		srcPCM, producer := btsock.StreamPipe(256)
		sinkPCM, consumer := btsock.StreamPipe(256)

		src := newSourceTransport(t, linkA, srcPCM)
		snk := newSinkTransport(t, linkB, sinkPCM)

		srcW, err := StartSource(src, WithPollInterval(10*time.Millisecond))
		require.NoError(t, err)
		snkW, err := StartSink(snk, WithPollInterval(10*time.Millisecond))
		require.NoError(t, err)

		pumpSine(t, producer, 60)
		sessions = append(sessions, &session{
			src: src, snk: snk, srcW: srcW, snkW: snkW,
			link: linkA, sinkPCM: sinkPCM, received: drain(consumer),
		})
	}

	for _, s := range sessions {
		waitDone(t, s.srcW, 5*time.Second)
		require.NoError(t, s.srcW.Err())
		_ = s.link.Close()
		waitDone(t, s.snkW, 5*time.Second)
		require.NoError(t, s.snkW.Err())
		_ = s.sinkPCM.Close()
		assert.Greater(t, <-s.received, 0)

		// Workers dropped their references; only the test's remain.
		assert.Eventually(t, func() bool {
			return s.src.Refs() == 1 && s.snk.Refs() == 1
		}, time.Second, 10*time.Millisecond)
		s.src.Unref()
		s.snk.Unref()
	}
}

func TestSequencePersistAcrossRestart(t *testing.T) {
	linkA, linkB := btsock.PacketPipe(64)
	defer linkB.Close()

	src, err := transport.New(testDevice(),
		transport.Type{Profile: transport.ProfileA2DPSource, Codec: codec.SBC},
		"test", "/test/a2dp-source", sbcBlob(),
		transport.WithSequencePolicy(transport.SequencePersist))
	require.NoError(t, err)
	defer src.Unref()
	src.SetMTU(testMTU, testMTU)
	src.SetBT(linkA)

	d := rtpio.NewDepacketizer()
	runOnce := func() {
		srcPCM, producer := btsock.StreamPipe(256)
		src.SetPCM(srcPCM)
		w, err := StartSource(src, WithPollInterval(10*time.Millisecond))
		require.NoError(t, err)
		pumpSine(t, producer, 12)
		waitDone(t, w, 5*time.Second)
		require.NoError(t, w.Err())

		buf := make([]byte, testMTU)
		for {
			_ = linkB.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, err := linkB.Read(buf)
			if err != nil {
				return
			}
			_, lost, err := d.Unpack(buf[:n])
			require.NoError(t, err, "SSRC persists across restart")
			assert.Zero(t, lost, "sequence continues without a gap")
		}
	}

	runOnce()
	seq1, _, _, ok := src.SavedCounters()
	require.True(t, ok)

	runOnce()
	seq2, _, _, ok := src.SavedCounters()
	require.True(t, ok)
	assert.NotEqual(t, seq1, seq2, "second session advanced the counters")
}

// writeSBCPacket encodes a tone into one RTP packet at an explicit
// sequence number and sends it down the link.
func writeSBCPacket(t *testing.T, link net.Conn, seq uint16, ssrc uint32, frames int) {
	t.Helper()
	framer, err := codec.New(codec.SBC, sbcBlob())
	require.NoError(t, err)

	hdr, err := rtpio.MarshalSBCPayloadHeader(frames)
	require.NoError(t, err)
	payload := []byte{hdr}

	samples := audiotest.NewSine(441, 44100, 2).Generate(frames * framer.FrameSamples())
	for i := 0; i < frames; i++ {
		wire, err := framer.Encode(samples[i*framer.FrameSamples() : (i+1)*framer.FrameSamples()])
		require.NoError(t, err)
		payload = append(payload, wire...)
	}

	pkt := rtpio.NewPacketizerAt(seq, uint32(seq)*1000, ssrc)
	wire, err := pkt.Pack(payload, uint32(frames*framer.FrameSamples()/framer.Channels()))
	require.NoError(t, err)
	_, err = link.Write(wire)
	require.NoError(t, err)
}

func TestSinkConcealsSequenceGaps(t *testing.T) {
	linkA, linkB := btsock.PacketPipe(16)
	sinkPCM, consumer := btsock.StreamPipe(64)

	snk := newSinkTransport(t, linkB, sinkPCM)
	defer snk.Unref()

	w, err := StartSink(snk, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	// Two 2-frame packets with three packets missing between them.
	const ssrc = 0x5BC
	writeSBCPacket(t, linkA, 100, ssrc, 2)
	writeSBCPacket(t, linkA, 104, ssrc, 2)
	_ = linkA.Close()

	waitDone(t, w, 5*time.Second)
	require.NoError(t, w.Err())

	_ = sinkPCM.Close()
	got := <-drain(consumer)

	// 2 decoded, then 3 lost packets concealed at the previous packet's
	// 2 frames each, then 2 more decoded.
	framePCM := framebuf.SampleBytes(256)
	assert.Equal(t, 10*framePCM, got)
}

func TestSinkStopsPromptlyDuringHugeGap(t *testing.T) {
	linkA, linkB := btsock.PacketPipe(16)
	defer linkA.Close()
	// The local consumer never reads, so every concealed frame costs a
	// full drain attempt.
	sinkPCM, consumer := btsock.StreamPipe(1)
	defer consumer.Close()

	snk := newSinkTransport(t, linkB, sinkPCM)
	defer snk.Unref()

	w, err := StartSink(snk, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	// A forged sequence number claims a gap of thirty thousand packets.
	const ssrc = 0x5BC
	writeSBCPacket(t, linkA, 100, ssrc, 3)
	writeSBCPacket(t, linkA, 30100, ssrc, 3)

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	w.Stop()
	waitDone(t, w, time.Second)
	assert.Less(t, time.Since(start), time.Second)
	require.NoError(t, w.Err())
}

// stubFramer scripts concealment behavior for the gap-handling tests.
type stubFramer struct {
	concealErr error
}

func (f *stubFramer) ID() codec.ID                    { return codec.CVSD }
func (f *stubFramer) SampleRate() int                 { return 8000 }
func (f *stubFramer) Channels() int                   { return 1 }
func (f *stubFramer) FrameSamples() int               { return 24 }
func (f *stubFramer) FrameBytes() int                 { return 48 }
func (f *stubFramer) Encode([]int16) ([]byte, error)  { return nil, nil }
func (f *stubFramer) Decode([]byte) ([]int16, error)  { return nil, nil }
func (f *stubFramer) Conceal() ([]int16, error) {
	if f.concealErr != nil {
		return nil, f.concealErr
	}
	return make([]int16, 24), nil
}

func newIdleWorker(t *testing.T) *Worker {
	t.Helper()
	tr, err := transport.New(testDevice(),
		transport.Type{Profile: transport.ProfileHFPAudioGateway, Codec: codec.CVSD},
		"test", "/test/conceal", nil)
	require.NoError(t, err)
	t.Cleanup(tr.Unref)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Worker{
		t:      tr,
		kind:   "sink",
		poll:   10 * time.Millisecond,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func TestConcealGapBounded(t *testing.T) {
	w := newIdleWorker(t)
	delivered := 0
	err := w.concealGap(&stubFramer{}, "CVSD", 500000, func([]int16) error {
		delivered++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, maxConcealRun, delivered, "huge gaps conceal a bounded run only")
}

func TestConcealGapHonorsTerminate(t *testing.T) {
	w := newIdleWorker(t)
	w.t.SendSignal(transport.SignalTerminate)
	err := w.concealGap(&stubFramer{}, "CVSD", 10, func([]int16) error { return nil })
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestConcealGapAbandonsOnConcealFailure(t *testing.T) {
	w := newIdleWorker(t)
	delivered := 0
	err := w.concealGap(&stubFramer{concealErr: errors.New("no reference frame")},
		"CVSD", 5, func([]int16) error { delivered++; return nil })
	require.NoError(t, err)
	assert.Zero(t, delivered, "a failing concealment delivers nothing")
}

func TestVoiceLoopback(t *testing.T) {
	codecs := []struct {
		name string
		id   codec.ID
		mtu  int
		rate int
	}{
		{"msbc", codec.MSBC, 24, 16000},
		{"cvsd", codec.CVSD, 48, 8000},
	}

	for _, tc := range codecs {
		t.Run(tc.name, func(t *testing.T) {
			linkA, linkB := btsock.PacketPipe(512)
			recA := &recordingConn{Conn: linkA}

			newSide := func(profile transport.Profile, link net.Conn, path string) (*transport.Transport, net.Conn, net.Conn) {
				tr, err := transport.New(testDevice(),
					transport.Type{Profile: profile, Codec: tc.id}, "test", path, nil)
				require.NoError(t, err)
				mic, capture := btsock.StreamPipe(128)
				spk, playback := btsock.StreamPipe(128)
				tr.SetMTU(tc.mtu, tc.mtu)
				tr.SetBT(link)
				tr.SetVoicePCM(mic, spk)
				return tr, capture, playback
			}

			ag, agCapture, agPlayback := newSide(transport.ProfileHFPAudioGateway, recA, "/test/hfp-ag")
			defer ag.Unref()
			hf, hfCapture, hfPlayback := newSide(transport.ProfileHFPHandsFree, linkB, "/test/hfp-hf")
			defer hf.Unref()

			agW, err := StartVoice(ag, WithPollInterval(10*time.Millisecond))
			require.NoError(t, err)
			hfW, err := StartVoice(hf, WithPollInterval(10*time.Millisecond))
			require.NoError(t, err)

			// Feed each capture side a fixed amount of tone, then close.
			feed := func(c net.Conn) {
				sine := audiotest.NewSine(440, tc.rate, 1)
				buf := make([]byte, 240)
				go func() {
					defer c.Close()
					for i := 0; i < 50; i++ {
						n, _ := sine.Read(buf)
						if _, err := c.Write(buf[:n]); err != nil {
							return
						}
					}
				}()
			}
			feed(agCapture)
			feed(hfCapture)
			agHeard := drain(agPlayback)
			hfHeard := drain(hfPlayback)

			time.Sleep(500 * time.Millisecond)
			agW.Stop()
			hfW.Stop()
			waitDone(t, agW, time.Second)
			waitDone(t, hfW, time.Second)
			require.NoError(t, agW.Err())
			require.NoError(t, hfW.Err())
			assert.Equal(t, transport.StateIdle, ag.State())
			assert.Equal(t, transport.StateIdle, hf.State())

			// Close the worker-side PCM ends so the drains finish.
			agMic, agSpk := ag.VoicePCM()
			hfMic, hfSpk := hf.VoicePCM()
			_ = agSpk.Close()
			_ = hfSpk.Close()
			_ = agMic.Close()
			_ = hfMic.Close()

			assert.Greater(t, <-agHeard, 0, "gateway heard the hands-free tone")
			assert.Greater(t, <-hfHeard, 0, "hands-free heard the gateway tone")

			// Voice frames never exceed the synchronous link MTU.
			for i, n := range recA.writeSizes() {
				require.LessOrEqual(t, n, tc.mtu, "write %d", i)
			}
			_ = recA.Close()
			_ = linkB.Close()
		})
	}
}
