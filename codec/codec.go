// Package codec implements the per-codec framing layer of the engine.
//
// A Framer turns raw S16LE PCM into wire frames and back, one codec per
// negotiated transport. Each framer owns its internal encoder/decoder
// state, so a framer instance belongs to exactly one I/O worker session
// and is discarded when the worker exits.
//
// Supported codecs:
//   - SBC: the mandatory streaming-audio codec, bitpool chosen once at
//     session start from the negotiated configuration blob.
//   - mSBC: the wideband voice codec, H2-framed with explicit bad-frame
//     marking so the decoder can conceal lost 7.5 ms slots.
//   - CVSD: the narrowband voice format, carried transparently because
//     the controller performs the modulation in hardware.
//   - Opus: decode-only streaming sink path backed by pion/opus.
package codec

import (
	"github.com/sirupsen/logrus"
)

// ID identifies a codec variant on a negotiated link.
type ID uint8

const (
	// SBC is the mandatory A2DP streaming codec.
	SBC ID = iota
	// MSBC is the HFP wideband voice codec (16 kHz mono).
	MSBC
	// CVSD is the HFP/HSP narrowband voice format, transparent on the host.
	CVSD
	// Opus is the vendor A2DP streaming codec, decode-only here.
	Opus
)

// String returns the conventional codec name.
func (id ID) String() string {
	switch id {
	case SBC:
		return "SBC"
	case MSBC:
		return "mSBC"
	case CVSD:
		return "CVSD"
	case Opus:
		return "Opus"
	default:
		return "unknown"
	}
}

// Framer is the per-codec encode/decode capability used by the I/O
// workers. Implementations are stateful and not safe for concurrent use;
// every worker creates its own framer for the duration of its run.
type Framer interface {
	// ID reports the codec variant.
	ID() ID

	// SampleRate reports the PCM sample rate in Hz.
	SampleRate() int

	// Channels reports the PCM channel count.
	Channels() int

	// FrameSamples reports the number of interleaved PCM samples
	// consumed by one Encode call (and produced by one Decode call).
	FrameSamples() int

	// FrameBytes reports the wire size of one encoded frame, or 0 when
	// the codec produces variable-size frames.
	FrameBytes() int

	// Encode converts one frame of interleaved PCM into wire bytes.
	// A short final chunk is padded with silence rather than rejected.
	// The returned slice aliases internal scratch and is only valid
	// until the next call on the framer.
	Encode(pcm []int16) ([]byte, error)

	// Decode converts one wire frame into interleaved PCM. A nil or
	// short frame marks a bad slot: codecs with loss concealment
	// substitute concealed audio, others report a decode error.
	Decode(frame []byte) ([]int16, error)

	// Conceal produces one frame of concealment PCM for a slot known to
	// be lost, without consuming wire bytes.
	Conceal() ([]int16, error)
}

// New creates a framer for the codec identified by id, configured from
// its negotiated configuration blob. The blob must have exactly the size
// reported by ConfigSize for the codec, otherwise ErrInvalidConfig is
// returned.
func New(id ID, config []byte) (Framer, error) {
	if len(config) != ConfigSize(id) {
		logrus.WithFields(logrus.Fields{
			"function":      "codec.New",
			"codec":         id.String(),
			"config_size":   len(config),
			"expected_size": ConfigSize(id),
		}).Error("Codec configuration size mismatch")
		return nil, ErrInvalidConfig
	}

	switch id {
	case SBC:
		cfg, err := ParseSBCConfig(config)
		if err != nil {
			return nil, err
		}
		return NewSBC(cfg)
	case MSBC:
		return NewMSBC(), nil
	case CVSD:
		return NewCVSD(), nil
	case Opus:
		cfg, err := ParseOpusConfig(config)
		if err != nil {
			return nil, err
		}
		return NewOpusSink(cfg)
	default:
		return nil, ErrUnknownCodec
	}
}

// ConfigSize reports the exact configuration blob size expected by the
// codec. Voice codecs carry no blob; their parameters are fixed by the
// profile negotiation.
func ConfigSize(id ID) int {
	switch id {
	case SBC:
		return sbcConfigSize
	case Opus:
		return opusConfigSize
	default:
		return 0
	}
}
