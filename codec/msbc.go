package codec

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// mSBC: the HFP wideband voice codec. The core is SBC with a fixed
// parameter set (16 kHz mono, 15 blocks, 8 subbands, loudness allocation,
// bitpool 26), wrapped in the H2 synchronization header used on the
// synchronous link. One wire frame carries 7.5 ms of audio.
//
// The synchronous link is lossy and frames can arrive truncated or
// corrupted. The decoder therefore supports explicit bad-frame marking:
// feeding a nil or malformed frame produces concealment output derived
// from the last good frame instead of failing the session.

const (
	msbcH2Len   = 2
	msbcPadLen  = 1
	msbcPCMLen  = 120 // 15 blocks * 8 subbands, mono
	msbcBitpool = 26

	// Consecutive concealed frames after which the output decays to
	// silence instead of replaying stale audio.
	msbcPLCHorizon = 4

	msbcPLCAttenuation = 0.75
)

// h2Sequence holds the four rotating H2 sequence-number codewords.
var h2Sequence = [4]byte{0x08, 0x38, 0xC8, 0xF8}

func msbcConfig() SBCConfig {
	return SBCConfig{
		SampleRate:  16000,
		ChannelMode: SBCChannelModeMono,
		Blocks:      15,
		Subbands:    8,
		SNR:         false,
		MinBitpool:  msbcBitpool,
		MaxBitpool:  msbcBitpool,
	}
}

// MSBCFramer is the wideband voice framer with packet-loss concealment.
type MSBCFramer struct {
	core *sbcCore
	wire []byte

	encSeq int // next H2 sequence index on the encode side
	decSeq int // expected H2 sequence index on the decode side
	hasSeq bool

	lastGood  []int16
	plcOut    []int16
	concealed int // consecutive concealed frames
}

// NewMSBC creates an mSBC framer. The parameter set is fixed by the
// profile, so there is no configuration blob.
func NewMSBC() *MSBCFramer {
	f := &MSBCFramer{
		core:     newSBCCore(msbcConfig(), true),
		wire:     make([]byte, 0, msbcH2Len+57+msbcPadLen),
		lastGood: make([]int16, msbcPCMLen),
		plcOut:   make([]int16, msbcPCMLen),
	}
	logrus.WithFields(logrus.Fields{
		"function":    "codec.NewMSBC",
		"frame_bytes": f.FrameBytes(),
	}).Info("mSBC framer created")
	return f
}

// ID implements Framer.
func (f *MSBCFramer) ID() ID { return MSBC }

// SampleRate implements Framer.
func (f *MSBCFramer) SampleRate() int { return 16000 }

// Channels implements Framer.
func (f *MSBCFramer) Channels() int { return 1 }

// FrameSamples implements Framer.
func (f *MSBCFramer) FrameSamples() int { return msbcPCMLen }

// FrameBytes implements Framer. H2 header + SBC core + pad byte.
func (f *MSBCFramer) FrameBytes() int { return msbcH2Len + f.core.frameLen + msbcPadLen }

// Encode implements Framer. Produces one H2-framed wire frame; a short
// final chunk is padded with silence.
func (f *MSBCFramer) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) > msbcPCMLen {
		pcm = pcm[:msbcPCMLen]
	}
	sbc := f.core.encodeFrame(pcm)

	f.wire = f.wire[:0]
	f.wire = append(f.wire, 0x01, h2Sequence[f.encSeq])
	f.wire = append(f.wire, sbc...)
	f.wire = append(f.wire, 0x00)
	f.encSeq = (f.encSeq + 1) & 3
	return f.wire, nil
}

// Decode implements Framer. A nil or malformed frame is treated as a
// marked bad slot and yields concealment output rather than an error;
// the error return is reserved for unrecoverable internal faults.
func (f *MSBCFramer) Decode(frame []byte) ([]int16, error) {
	if len(frame) < f.FrameBytes()-msbcPadLen {
		logrus.WithFields(logrus.Fields{
			"function":   "MSBCFramer.Decode",
			"frame_size": len(frame),
		}).Debug("Bad mSBC frame slot, applying concealment")
		return f.Conceal()
	}

	if frame[0] != 0x01 || !validH2(frame[1]) {
		logrus.WithFields(logrus.Fields{
			"function": "MSBCFramer.Decode",
			"h2":       fmt.Sprintf("%#02x %#02x", frame[0], frame[1]),
		}).Debug("Invalid H2 header, applying concealment")
		return f.Conceal()
	}

	seq := h2Index(frame[1])
	if f.hasSeq && seq != f.decSeq {
		logrus.WithFields(logrus.Fields{
			"function":     "MSBCFramer.Decode",
			"expected_seq": f.decSeq,
			"received_seq": seq,
		}).Warn("H2 sequence discontinuity on synchronous link")
	}
	f.decSeq = (seq + 1) & 3
	f.hasSeq = true

	pcm, err := f.core.decodeFrame(frame[msbcH2Len:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "MSBCFramer.Decode",
			"error":    err.Error(),
		}).Debug("mSBC core decode failed, applying concealment")
		return f.Conceal()
	}

	copy(f.lastGood, pcm)
	f.concealed = 0
	return pcm, nil
}

// Conceal implements Framer. Replays the last good frame with progressive
// attenuation; after msbcPLCHorizon consecutive losses the output decays
// to silence.
func (f *MSBCFramer) Conceal() ([]int16, error) {
	f.concealed++
	if f.concealed >= msbcPLCHorizon {
		for i := range f.plcOut {
			f.plcOut[i] = 0
		}
		return f.plcOut, nil
	}

	gain := 1.0
	for i := 0; i < f.concealed; i++ {
		gain *= msbcPLCAttenuation
	}
	for i, s := range f.lastGood {
		f.plcOut[i] = int16(float64(s) * gain)
	}
	return f.plcOut, nil
}

func validH2(b byte) bool {
	return h2Index(b) >= 0
}

func h2Index(b byte) int {
	for i, v := range h2Sequence {
		if v == b {
			return i
		}
	}
	return -1
}
