package codec

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// CVSD is the narrowband voice format. The controller performs the
// actual modulation in hardware, so on the host side the "codec" is a
// transparent fixed-rate framer: every wire frame carries exactly one
// slot of raw S16LE PCM. Frame size and wire size are constant and there
// is no bitrate adaptation, which also makes the round trip bit-exact.

const (
	cvsdSampleRate   = 8000
	cvsdFrameSamples = 24
	cvsdFrameBytes   = 2 * cvsdFrameSamples
)

// CVSDFramer is the transparent narrowband voice framer.
type CVSDFramer struct {
	wire []byte
	pcm  []int16
}

// NewCVSD creates a CVSD framer. The format is fixed by the profile and
// takes no configuration blob.
func NewCVSD() *CVSDFramer {
	logrus.WithFields(logrus.Fields{
		"function":    "codec.NewCVSD",
		"frame_bytes": cvsdFrameBytes,
	}).Info("CVSD framer created")
	return &CVSDFramer{
		wire: make([]byte, cvsdFrameBytes),
		pcm:  make([]int16, cvsdFrameSamples),
	}
}

// ID implements Framer.
func (f *CVSDFramer) ID() ID { return CVSD }

// SampleRate implements Framer.
func (f *CVSDFramer) SampleRate() int { return cvsdSampleRate }

// Channels implements Framer.
func (f *CVSDFramer) Channels() int { return 1 }

// FrameSamples implements Framer.
func (f *CVSDFramer) FrameSamples() int { return cvsdFrameSamples }

// FrameBytes implements Framer.
func (f *CVSDFramer) FrameBytes() int { return cvsdFrameBytes }

// Encode implements Framer. PCM is carried through unchanged; a short
// final chunk is padded with silence.
func (f *CVSDFramer) Encode(pcm []int16) ([]byte, error) {
	for i := 0; i < cvsdFrameSamples; i++ {
		var s int16
		if i < len(pcm) {
			s = pcm[i]
		}
		f.wire[2*i] = byte(s)
		f.wire[2*i+1] = byte(uint16(s) >> 8)
	}
	return f.wire, nil
}

// Decode implements Framer.
func (f *CVSDFramer) Decode(frame []byte) ([]int16, error) {
	if len(frame) < cvsdFrameBytes {
		return nil, fmt.Errorf("%w: short CVSD frame: %d bytes", ErrDecode, len(frame))
	}
	for i := 0; i < cvsdFrameSamples; i++ {
		f.pcm[i] = int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8)
	}
	return f.pcm, nil
}

// Conceal implements Framer. The transparent framer has no concealment
// state; a lost slot becomes silence.
func (f *CVSDFramer) Conceal() ([]int16, error) {
	for i := range f.pcm {
		f.pcm[i] = 0
	}
	return f.pcm, nil
}
