package ioloop

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/btbridge/btbridge/framebuf"
)

// runVoice is the single duplex worker of a synchronous voice link. One
// goroutine serves both directions, alternating bounded read attempts
// on the link and the capture socket so neither side can starve the
// other.
//
// The link socket delivers fixed-size packets that may be smaller than
// one codec frame; both directions therefore accumulate bytes and
// process whole frames only. Outgoing frames larger than the write MTU
// are split across multiple link writes.
func (w *Worker) runVoice() error {
	framer, err := w.t.NewFramer()
	if err != nil {
		return err
	}

	bt := w.t.BT()
	mic, spk := w.t.VoicePCM()
	codecLabel := framer.ID().String()

	frameBytes := framer.FrameBytes()
	framePCM := framebuf.SampleBytes(framer.FrameSamples())

	mtuWrite := w.t.MTUWrite()
	if mtuWrite <= 0 || mtuWrite > frameBytes {
		mtuWrite = frameBytes
	}
	mtuRead := w.t.MTURead()
	if mtuRead <= 0 {
		mtuRead = frameBytes
	}

	// Alternation slice: the per-attempt deadline while serving the
	// other direction. Short enough that a one-sided stream still
	// flows smoothly.
	slice := w.poll / 4
	if slice < 5*time.Millisecond {
		slice = 5 * time.Millisecond
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Worker.runVoice",
		"path":      w.t.Path(),
		"codec":     codecLabel,
		"mtu_read":  mtuRead,
		"mtu_write": mtuWrite,
	}).Info("Voice loop started")

	rx := framebuf.New(2 * frameBytes)
	tx := framebuf.New(2 * framePCM)
	btBuf := make([]byte, mtuRead)
	samples := make([]int16, framer.FrameSamples())
	var out []byte

	micDone := false
	spkGone := false

	for {
		if err := w.checkSignals(); err != nil {
			return err
		}

		// Link to playback.
		n, got, err := w.readOnce(bt, btBuf, slice)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			logrus.WithFields(logrus.Fields{
				"function": "Worker.runVoice",
				"path":     w.t.Path(),
			}).Info("Link closed, voice loop done")
			return nil
		default:
			return fmt.Errorf("%w: link read: %w", ErrSocketIO, err)
		}
		if got {
			rx.Append(btBuf[:n])
		}
		for rx.Len() >= frameBytes {
			pcm, err := framer.Decode(rx.Data()[:frameBytes])
			rx.Consume(frameBytes)
			if err != nil {
				decodeErrors.WithLabelValues(codecLabel).Inc()
				continue
			}
			framesDecoded.WithLabelValues(codecLabel).Inc()
			if spkGone {
				continue
			}
			need := framebuf.SampleBytes(len(pcm))
			if cap(out) < need {
				out = make([]byte, need)
			}
			framebuf.PutSamples(out[:need], pcm)
			dropped, err := w.writeOrDrop(spk, out[:need])
			if dropped > 0 {
				droppedSamples.WithLabelValues(codecLabel).Add(float64(dropped / 2))
			}
			if err != nil {
				if !localGone(err) {
					return err
				}
				spkGone = true
			}
		}

		// Capture to link.
		if micDone {
			continue
		}
		tx.EnsureFree(framePCM)
		n, got, err = w.readOnce(mic, tx.Tail(), slice)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			micDone = true
			logrus.WithFields(logrus.Fields{
				"function": "Worker.runVoice",
				"path":     w.t.Path(),
			}).Info("Capture end of stream, voice loop continues decode-only")
		default:
			return fmt.Errorf("%w: capture read: %w", ErrSocketIO, err)
		}
		if got {
			tx.Commit(n)
		}
		for tx.Len() >= framePCM {
			framebuf.Samples(samples, tx.Data()[:framePCM])
			wire, err := framer.Encode(samples)
			if err != nil {
				return err
			}
			tx.Consume(framePCM)
			framesEncoded.WithLabelValues(codecLabel).Inc()
			for off := 0; off < len(wire); off += mtuWrite {
				end := off + mtuWrite
				if end > len(wire) {
					end = len(wire)
				}
				if err := w.write(bt, wire[off:end]); err != nil {
					return err
				}
				linkBytesWritten.WithLabelValues(codecLabel).Add(float64(end - off))
				linkPacketsWritten.WithLabelValues(codecLabel).Inc()
			}
		}
	}
}
