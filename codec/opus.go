package codec

import (
	"fmt"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// Opus is carried as a vendor streaming codec. pion/opus is a pure Go
// decoder, so this framer serves the sink direction only; a transport
// negotiated as an Opus source must be encoded by the peer. Encode
// reports ErrEncodeUnsupported so the worker fails fast instead of
// producing silence on the air.

// OpusSinkFramer decodes Opus wire frames for a streaming sink transport.
type OpusSinkFramer struct {
	cfg     OpusConfig
	decoder opus.Decoder
	out     []byte
	pcm     []int16
}

// NewOpusSink creates a decode-only Opus framer from a validated
// configuration.
func NewOpusSink(cfg OpusConfig) (*OpusSinkFramer, error) {
	f := &OpusSinkFramer{
		cfg:     cfg,
		decoder: opus.NewDecoder(),
		// 120 ms at 48 kHz stereo is the largest frame Opus permits.
		out: make([]byte, 2*2*5760),
	}
	f.pcm = make([]int16, f.FrameSamples())
	logrus.WithFields(logrus.Fields{
		"function":    "codec.NewOpusSink",
		"sample_rate": cfg.SampleRate,
		"channels":    cfg.Channels,
		"frame_ms":    cfg.FrameMs,
	}).Info("Opus sink framer created")
	return f, nil
}

// ID implements Framer.
func (f *OpusSinkFramer) ID() ID { return Opus }

// SampleRate implements Framer.
func (f *OpusSinkFramer) SampleRate() int { return f.cfg.SampleRate }

// Channels implements Framer.
func (f *OpusSinkFramer) Channels() int { return f.cfg.Channels }

// FrameSamples implements Framer. Derived from the negotiated frame
// duration.
func (f *OpusSinkFramer) FrameSamples() int {
	return f.cfg.SampleRate / 1000 * f.cfg.FrameMs * f.cfg.Channels
}

// FrameBytes implements Framer. Opus frames are variable-size.
func (f *OpusSinkFramer) FrameBytes() int { return 0 }

// Encode implements Framer. The host has no Opus encoder.
func (f *OpusSinkFramer) Encode(pcm []int16) ([]byte, error) {
	return nil, ErrEncodeUnsupported
}

// Decode implements Framer.
func (f *OpusSinkFramer) Decode(frame []byte) ([]int16, error) {
	if len(frame) == 0 {
		return f.Conceal()
	}

	_, isStereo, err := f.decoder.Decode(frame, f.out)
	if err != nil {
		return nil, fmt.Errorf("%w: opus: %v", ErrDecode, err)
	}

	channels := 1
	if isStereo {
		channels = 2
	}
	if channels != f.cfg.Channels {
		return nil, fmt.Errorf("%w: opus channel mode changed mid-session", ErrDecode)
	}

	n := f.FrameSamples()
	if n > len(f.pcm) {
		n = len(f.pcm)
	}
	for i := 0; i < n; i++ {
		f.pcm[i] = int16(uint16(f.out[2*i]) | uint16(f.out[2*i+1])<<8)
	}
	return f.pcm[:n], nil
}

// Conceal implements Framer. A lost slot becomes one frame of silence.
func (f *OpusSinkFramer) Conceal() ([]int16, error) {
	for i := range f.pcm {
		f.pcm[i] = 0
	}
	return f.pcm, nil
}
