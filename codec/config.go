package codec

import (
	"github.com/sirupsen/logrus"
)

// Codec configuration blobs are fixed-layout binary structures exchanged
// during profile negotiation. Their size must exactly match the codec's
// expected layout; anything else is ErrInvalidConfig.

const (
	sbcConfigSize  = 4
	opusConfigSize = 3
)

// SBC configuration blob, byte 0: sampling frequency (high nibble) and
// channel mode (low nibble), one bit per capability.
const (
	SBCFreq16000 = 0x80
	SBCFreq32000 = 0x40
	SBCFreq44100 = 0x20
	SBCFreq48000 = 0x10

	SBCChannelModeMono        = 0x08
	SBCChannelModeDualChannel = 0x04
	SBCChannelModeStereo      = 0x02
	SBCChannelModeJointStereo = 0x01
)

// SBC configuration blob, byte 1: block length, subband count and
// allocation method.
const (
	SBCBlockLength4  = 0x80
	SBCBlockLength8  = 0x40
	SBCBlockLength12 = 0x20
	SBCBlockLength16 = 0x10

	SBCSubbands4 = 0x08
	SBCSubbands8 = 0x04

	SBCAllocationSNR      = 0x02
	SBCAllocationLoudness = 0x01
)

// SBC bitpool bounds defined by the streaming-audio profile.
const (
	SBCMinBitpool = 2
	SBCMaxBitpool = 250
)

// SBCConfig is the decoded form of the 4-byte SBC configuration blob:
// frequency/channel-mode byte, block/subband/allocation byte, and the
// negotiated bitpool range.
type SBCConfig struct {
	SampleRate  int
	ChannelMode uint8 // one of the SBCChannelMode values
	Blocks      int
	Subbands    int
	SNR         bool // SNR allocation instead of loudness
	MinBitpool  int
	MaxBitpool  int
}

// Channels reports the PCM channel count implied by the channel mode.
func (c SBCConfig) Channels() int {
	if c.ChannelMode == SBCChannelModeMono {
		return 1
	}
	return 2
}

// MarshalSBCConfig serializes a configuration into its 4-byte wire blob.
func MarshalSBCConfig(c SBCConfig) []byte {
	var b [sbcConfigSize]byte
	switch c.SampleRate {
	case 16000:
		b[0] |= SBCFreq16000
	case 32000:
		b[0] |= SBCFreq32000
	case 44100:
		b[0] |= SBCFreq44100
	case 48000:
		b[0] |= SBCFreq48000
	}
	b[0] |= c.ChannelMode
	switch c.Blocks {
	case 4:
		b[1] |= SBCBlockLength4
	case 8:
		b[1] |= SBCBlockLength8
	case 12:
		b[1] |= SBCBlockLength12
	case 16:
		b[1] |= SBCBlockLength16
	}
	switch c.Subbands {
	case 4:
		b[1] |= SBCSubbands4
	case 8:
		b[1] |= SBCSubbands8
	}
	if c.SNR {
		b[1] |= SBCAllocationSNR
	} else {
		b[1] |= SBCAllocationLoudness
	}
	b[2] = byte(c.MinBitpool)
	b[3] = byte(c.MaxBitpool)
	return b[:]
}

// ParseSBCConfig decodes and validates the 4-byte SBC configuration blob.
// Exactly one capability bit must be selected in every field.
func ParseSBCConfig(blob []byte) (SBCConfig, error) {
	var c SBCConfig
	if len(blob) != sbcConfigSize {
		return c, ErrInvalidConfig
	}

	switch blob[0] & 0xF0 {
	case SBCFreq16000:
		c.SampleRate = 16000
	case SBCFreq32000:
		c.SampleRate = 32000
	case SBCFreq44100:
		c.SampleRate = 44100
	case SBCFreq48000:
		c.SampleRate = 48000
	default:
		return c, configError("sampling frequency", blob[0]&0xF0)
	}

	switch blob[0] & 0x0F {
	case SBCChannelModeMono, SBCChannelModeDualChannel,
		SBCChannelModeStereo, SBCChannelModeJointStereo:
		c.ChannelMode = blob[0] & 0x0F
	default:
		return c, configError("channel mode", blob[0]&0x0F)
	}

	switch blob[1] & 0xF0 {
	case SBCBlockLength4:
		c.Blocks = 4
	case SBCBlockLength8:
		c.Blocks = 8
	case SBCBlockLength12:
		c.Blocks = 12
	case SBCBlockLength16:
		c.Blocks = 16
	default:
		return c, configError("block length", blob[1]&0xF0)
	}

	switch blob[1] & 0x0C {
	case SBCSubbands4:
		c.Subbands = 4
	case SBCSubbands8:
		c.Subbands = 8
	default:
		return c, configError("subband count", blob[1]&0x0C)
	}

	switch blob[1] & 0x03 {
	case SBCAllocationSNR:
		c.SNR = true
	case SBCAllocationLoudness:
		c.SNR = false
	default:
		return c, configError("allocation method", blob[1]&0x03)
	}

	c.MinBitpool = int(blob[2])
	c.MaxBitpool = int(blob[3])
	if c.MinBitpool < SBCMinBitpool || c.MaxBitpool > SBCMaxBitpool ||
		c.MinBitpool > c.MaxBitpool {
		return c, configError("bitpool range", blob[2])
	}

	return c, nil
}

// Opus configuration blob, byte 0: sampling frequency; byte 1: frame
// duration (high nibble) and channel mode (low nibble); byte 2: reserved.
const (
	OpusFreq48000 = 0x01

	OpusDuration100 = 0x10 // 10 ms
	OpusDuration200 = 0x20 // 20 ms

	OpusChannelModeMono   = 0x01
	OpusChannelModeStereo = 0x02
)

// OpusConfig is the decoded form of the vendor Opus configuration blob.
type OpusConfig struct {
	SampleRate int
	Channels   int
	FrameMs    int
}

// MarshalOpusConfig serializes a configuration into its 3-byte wire blob.
func MarshalOpusConfig(c OpusConfig) []byte {
	var b [opusConfigSize]byte
	if c.SampleRate == 48000 {
		b[0] = OpusFreq48000
	}
	switch c.FrameMs {
	case 10:
		b[1] |= OpusDuration100
	case 20:
		b[1] |= OpusDuration200
	}
	switch c.Channels {
	case 1:
		b[1] |= OpusChannelModeMono
	case 2:
		b[1] |= OpusChannelModeStereo
	}
	return b[:]
}

// ParseOpusConfig decodes and validates the vendor Opus blob.
func ParseOpusConfig(blob []byte) (OpusConfig, error) {
	var c OpusConfig
	if len(blob) != opusConfigSize {
		return c, ErrInvalidConfig
	}
	if blob[0] != OpusFreq48000 {
		return c, configError("sampling frequency", blob[0])
	}
	c.SampleRate = 48000

	switch blob[1] & 0xF0 {
	case OpusDuration100:
		c.FrameMs = 10
	case OpusDuration200:
		c.FrameMs = 20
	default:
		return c, configError("frame duration", blob[1]&0xF0)
	}

	switch blob[1] & 0x0F {
	case OpusChannelModeMono:
		c.Channels = 1
	case OpusChannelModeStereo:
		c.Channels = 2
	default:
		return c, configError("channel mode", blob[1]&0x0F)
	}

	return c, nil
}

func configError(field string, value uint8) error {
	logrus.WithFields(logrus.Fields{
		"function": "codec.configError",
		"field":    field,
		"value":    value,
	}).Error("Rejecting codec configuration field")
	return ErrInvalidConfig
}
