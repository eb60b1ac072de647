package ioloop

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/btbridge/btbridge/framebuf"
	"github.com/btbridge/btbridge/rtpio"
	"github.com/btbridge/btbridge/transport"
)

// newPacketizer creates the session packetizer, resuming saved counters
// under the persist sequence policy.
func (w *Worker) newPacketizer() (*rtpio.Packetizer, error) {
	if w.t.SequencePolicy() == transport.SequencePersist {
		if seq, ts, ssrc, ok := w.t.SavedCounters(); ok {
			return rtpio.NewPacketizerAt(seq, ts, ssrc), nil
		}
	}
	return rtpio.NewPacketizer()
}

// runSource is the encode loop of a streaming source: read local PCM,
// accumulate whole codec frames, coalesce as many frames per packet as
// the link MTU allows and write each packet in a single send.
//
// PCM end-of-stream drains buffered samples as one final padded frame
// and exits cleanly. Any link socket failure aborts the transport.
func (w *Worker) runSource() error {
	framer, err := w.t.NewFramer()
	if err != nil {
		return err
	}
	pkt, err := w.newPacketizer()
	if err != nil {
		return err
	}
	defer func() {
		seq, ts := pkt.Counters()
		w.t.SaveCounters(seq, ts, pkt.SSRC())
	}()

	bt, pcm := w.t.BT(), w.t.PCM()
	codecLabel := framer.ID().String()

	frameBytes := framer.FrameBytes()
	if frameBytes == 0 {
		return fmt.Errorf("%s cannot encode a source stream", codecLabel)
	}
	framePCM := framebuf.SampleBytes(framer.FrameSamples())
	samplesPerFrame := framer.FrameSamples() / framer.Channels()

	mtu := w.t.MTUWrite()
	budget := mtu - pkt.HeaderSize() - rtpio.SBCPayloadHeaderLen
	framesPerPacket := 0
	if frameBytes > 0 {
		framesPerPacket = budget / frameBytes
	}
	if framesPerPacket < 1 {
		return fmt.Errorf("%w: frame %d B, MTU %d B", ErrFrameTooLarge, frameBytes, mtu)
	}
	if framesPerPacket > rtpio.SBCMaxFramesPerPacket {
		framesPerPacket = rtpio.SBCMaxFramesPerPacket
	}

	logrus.WithFields(logrus.Fields{
		"function":          "Worker.runSource",
		"path":              w.t.Path(),
		"codec":             codecLabel,
		"mtu_write":         mtu,
		"frame_bytes":       frameBytes,
		"frames_per_packet": framesPerPacket,
	}).Info("Source loop started")

	in := framebuf.New(framePCM * framesPerPacket)
	payload := framebuf.New(rtpio.SBCPayloadHeaderLen + framesPerPacket*frameBytes)
	payload.Append([]byte{0})
	frames := 0
	samples := make([]int16, framer.FrameSamples())

	flush := func() error {
		if frames == 0 {
			return nil
		}
		hdr, err := rtpio.MarshalSBCPayloadHeader(frames)
		if err != nil {
			return err
		}
		payload.Data()[0] = hdr
		wire, err := pkt.Pack(payload.Data(), uint32(frames*samplesPerFrame))
		if err != nil {
			return err
		}
		if err := w.write(bt, wire); err != nil {
			return err
		}
		linkBytesWritten.WithLabelValues(codecLabel).Add(float64(len(wire)))
		linkPacketsWritten.WithLabelValues(codecLabel).Inc()
		payload.Reset()
		payload.Append([]byte{0})
		frames = 0
		return nil
	}

	for {
		in.EnsureFree(framePCM)
		n, err := w.read(pcm, in.Tail())
		if n > 0 {
			in.Commit(n)
		}
		eof := false
		switch {
		case err == nil:
		case errors.Is(err, ErrCancelled):
			return err
		case errors.Is(err, io.EOF):
			eof = true
		default:
			return fmt.Errorf("%w: pcm read: %v", ErrSocketIO, err)
		}

		for in.Len() >= framePCM {
			framebuf.Samples(samples, in.Data()[:framePCM])
			wire, err := framer.Encode(samples)
			if err != nil {
				return err
			}
			in.Consume(framePCM)
			payload.Append(wire)
			framesEncoded.WithLabelValues(codecLabel).Inc()
			frames++
			if frames == framesPerPacket {
				if err := flush(); err != nil {
					return err
				}
			}
		}

		if eof {
			if in.Len() > 0 {
				// Final short chunk: the framer pads it with silence.
				ns := framebuf.Samples(samples, in.Data())
				wire, err := framer.Encode(samples[:ns])
				if err != nil {
					return err
				}
				in.Reset()
				payload.Append(wire)
				framesEncoded.WithLabelValues(codecLabel).Inc()
				frames++
			}
			if err := flush(); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"function": "Worker.runSource",
				"path":     w.t.Path(),
			}).Info("PCM end of stream, source loop draining done")
			return nil
		}
	}
}
