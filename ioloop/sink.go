package ioloop

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/btbridge/btbridge/codec"
	"github.com/btbridge/btbridge/framebuf"
	"github.com/btbridge/btbridge/rtpio"
)

// runSink is the decode loop of a streaming sink: read one link packet
// at a time, unwrap the RTP envelope, conceal sequence gaps, decode the
// carried frames and deliver PCM to the local socket.
//
// Malformed packets and undecodable frames are counted and skipped; a
// decode error never terminates the worker. A blocked local consumer
// loses samples instead of stalling the link.
func (w *Worker) runSink() error {
	framer, err := w.t.NewFramer()
	if err != nil {
		return err
	}
	depack := rtpio.NewDepacketizer()

	bt, pcm := w.t.BT(), w.t.PCM()
	codecLabel := framer.ID().String()

	mtu := w.t.MTURead()
	if mtu <= 0 {
		mtu = 1024
	}
	buf := make([]byte, mtu)
	var out []byte

	// deliver converts decoded samples and makes one bounded write
	// attempt; a would-block drop is counted, not retried.
	deliver := func(samples []int16) error {
		need := framebuf.SampleBytes(len(samples))
		if cap(out) < need {
			out = make([]byte, need)
		}
		framebuf.PutSamples(out[:need], samples)
		dropped, err := w.writeOrDrop(pcm, out[:need])
		if dropped > 0 {
			droppedSamples.WithLabelValues(codecLabel).Add(float64(dropped / 2))
			logrus.WithFields(logrus.Fields{
				"function": "Worker.runSink",
				"path":     w.t.Path(),
				"dropped":  dropped / 2,
			}).Debug("Local consumer not ready, dropping samples")
		}
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Worker.runSink",
		"path":     w.t.Path(),
		"codec":    codecLabel,
		"mtu_read": mtu,
	}).Info("Sink loop started")

	// Frames carried by the previous packet, used to size concealment
	// for lost packets.
	lastFrames := 1

	for {
		n, err := w.read(bt, buf)
		switch {
		case err == nil:
		case errors.Is(err, ErrCancelled):
			return err
		case errors.Is(err, io.EOF):
			logrus.WithFields(logrus.Fields{
				"function": "Worker.runSink",
				"path":     w.t.Path(),
			}).Info("Link closed, sink loop done")
			return nil
		default:
			return fmt.Errorf("%w: link read: %v", ErrSocketIO, err)
		}

		payload, lost, err := depack.Unpack(buf[:n])
		if err != nil {
			decodeErrors.WithLabelValues(codecLabel).Inc()
			logrus.WithFields(logrus.Fields{
				"function": "Worker.runSink",
				"path":     w.t.Path(),
				"error":    err.Error(),
			}).Debug("Dropping malformed link packet")
			continue
		}
		if payload == nil {
			// Duplicate or late packet.
			continue
		}

		if lost > 0 {
			if err := w.concealGap(framer, codecLabel, lost*lastFrames, deliver); err != nil {
				if localGone(err) {
					return nil
				}
				return err
			}
		}

		if framer.ID() == codec.Opus {
			if err := w.decodeOne(framer, payload, codecLabel, deliver); err != nil {
				if localGone(err) {
					return nil
				}
				return err
			}
			lastFrames = 1
			continue
		}

		hdr, rest, err := rtpio.ParseSBCPayloadHeader(payload)
		if err != nil {
			decodeErrors.WithLabelValues(codecLabel).Inc()
			logrus.WithFields(logrus.Fields{
				"function": "Worker.runSink",
				"path":     w.t.Path(),
				"error":    err.Error(),
			}).Debug("Dropping packet with bad media header")
			continue
		}
		lastFrames = hdr.Frames

		fb := framer.FrameBytes()
		for i := 0; i < hdr.Frames; i++ {
			var frame []byte
			if len(rest) >= fb {
				frame, rest = rest[:fb], rest[fb:]
			} else {
				// Truncated trailing frame: let the framer reject or
				// conceal it.
				frame, rest = rest, nil
			}
			if err := w.decodeOne(framer, frame, codecLabel, deliver); err != nil {
				if localGone(err) {
					logrus.WithFields(logrus.Fields{
						"function": "Worker.runSink",
						"path":     w.t.Path(),
					}).Info("Local consumer detached, sink loop done")
					return nil
				}
				return err
			}
		}
	}
}

// maxConcealRun caps the loss frames synthesized for one sequence gap.
// A corrupt or forged sequence number can claim a gap of tens of
// thousands of packets; anything past the cap is logged and skipped.
const maxConcealRun = 64

// concealGap synthesizes loss audio for a gap of n frames. The run is
// bounded by maxConcealRun and checks the signal mailbox between
// frames, so a large gap never delays termination.
func (w *Worker) concealGap(framer codec.Framer, codecLabel string, n int, deliver func([]int16) error) error {
	if n > maxConcealRun {
		logrus.WithFields(logrus.Fields{
			"function": "Worker.concealGap",
			"path":     w.t.Path(),
			"frames":   n,
			"limit":    maxConcealRun,
		}).Warn("Sequence gap too large, concealing a bounded run only")
		n = maxConcealRun
	}
	for i := 0; i < n; i++ {
		if err := w.checkSignals(); err != nil {
			return err
		}
		samples, err := framer.Conceal()
		if err != nil {
			decodeErrors.WithLabelValues(codecLabel).Inc()
			logrus.WithFields(logrus.Fields{
				"function": "Worker.concealGap",
				"path":     w.t.Path(),
				"codec":    codecLabel,
				"error":    err.Error(),
			}).Debug("Concealment failed, dropping the rest of the gap")
			return nil
		}
		concealedFrames.WithLabelValues(codecLabel).Inc()
		if err := deliver(samples); err != nil {
			return err
		}
	}
	return nil
}

// decodeOne decodes a single wire frame and delivers its PCM, absorbing
// decode errors so a corrupt frame costs only its own audio.
func (w *Worker) decodeOne(framer codec.Framer, frame []byte, codecLabel string, deliver func([]int16) error) error {
	samples, err := framer.Decode(frame)
	if err != nil {
		decodeErrors.WithLabelValues(codecLabel).Inc()
		logrus.WithFields(logrus.Fields{
			"function": "Worker.decodeOne",
			"path":     w.t.Path(),
			"codec":    codecLabel,
			"error":    err.Error(),
		}).Debug("Dropping undecodable frame")
		return nil
	}
	framesDecoded.WithLabelValues(codecLabel).Inc()
	return deliver(samples)
}

// localGone reports whether an error means the local consumer detached.
func localGone(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
