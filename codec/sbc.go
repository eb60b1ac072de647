package codec

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// SBC frame codec. The same core drives both the streaming SBC framer
// (negotiated parameters, 0x9C syncword) and the wideband-voice mSBC
// framer (fixed parameters, 0xAD syncword, header parameter bytes zero).

const (
	sbcSyncword  = 0x9C
	msbcSyncword = 0xAD

	sbcHeaderLen   = 4
	sbcMaxScale    = 15
	sbcMaxBits     = 16
	sbcMaxSubbands = 8
	sbcMaxChannels = 2
)

// Loudness bit-allocation offsets indexed by sampling frequency
// (16/32/44.1/48 kHz) and subband.
var sbcOffset4 = [4][4]int{
	{-1, 0, 0, 0},
	{-2, 0, 0, 1},
	{-2, 0, 0, 1},
	{-2, 0, 0, 1},
}

var sbcOffset8 = [4][8]int{
	{-2, 0, 0, 0, 0, 0, 0, 1},
	{-3, 0, 0, 0, 0, 0, 1, 2},
	{-4, 0, 0, 0, 0, 0, 1, 2},
	{-4, 0, 0, 0, 0, 0, 1, 2},
}

func sbcFreqIndex(rate int) int {
	switch rate {
	case 16000:
		return 0
	case 32000:
		return 1
	case 44100:
		return 2
	default:
		return 3
	}
}

// sbcCore holds the session state of one SBC encoder/decoder pair.
type sbcCore struct {
	cfg     SBCConfig
	msbc    bool
	bitpool int

	channels int
	blocks   int
	subbands int
	freqIdx  int

	// Cosine modulation table, cosTab[k][i] for subband k, input phase i.
	cosTab [][]float64

	// Scratch reused across frames, one allocation per session.
	sub      [][]float64 // [ch][blocks*subbands] subband samples
	scale    [][]int     // [ch][subbands]
	bits     [][]int     // [ch][subbands]
	wire     []byte
	pcm      []int16
	frameLen int
}

func newSBCCore(cfg SBCConfig, msbc bool) *sbcCore {
	c := &sbcCore{
		cfg:      cfg,
		msbc:     msbc,
		bitpool:  cfg.MaxBitpool,
		channels: cfg.Channels(),
		blocks:   cfg.Blocks,
		subbands: cfg.Subbands,
		freqIdx:  sbcFreqIndex(cfg.SampleRate),
	}

	n := c.subbands
	c.cosTab = make([][]float64, n)
	for k := 0; k < n; k++ {
		c.cosTab[k] = make([]float64, n)
		for i := 0; i < n; i++ {
			c.cosTab[k][i] = math.Cos(math.Pi * float64(2*i+1) * float64(2*k+1) / float64(4*n))
		}
	}

	c.sub = make([][]float64, c.channels)
	c.scale = make([][]int, c.channels)
	c.bits = make([][]int, c.channels)
	for ch := 0; ch < c.channels; ch++ {
		c.sub[ch] = make([]float64, c.blocks*c.subbands)
		c.scale[ch] = make([]int, c.subbands)
		c.bits[ch] = make([]int, c.subbands)
	}
	c.frameLen = c.computeFrameLen()
	c.wire = make([]byte, c.frameLen)
	c.pcm = make([]int16, c.blocks*c.subbands*c.channels)
	return c
}

func (c *sbcCore) computeFrameLen() int {
	bits := 4 * c.subbands * c.channels // scale factors
	switch c.cfg.ChannelMode {
	case SBCChannelModeMono, SBCChannelModeDualChannel:
		bits += c.blocks * c.channels * c.bitpool
	case SBCChannelModeStereo:
		bits += c.blocks * c.bitpool
	case SBCChannelModeJointStereo:
		bits += c.subbands + c.blocks*c.bitpool
	}
	return sbcHeaderLen + (bits+7)/8
}

func (c *sbcCore) frameSamples() int { return c.blocks * c.subbands * c.channels }

// crc8 implements the SBC frame check sequence (polynomial 0x1D,
// initial value 0x0F) over an arbitrary bit sequence.
type sbcCRC struct{ crc byte }

func newSBCCRC() *sbcCRC { return &sbcCRC{crc: 0x0F} }

func (s *sbcCRC) addBit(bit byte) {
	msb := s.crc >> 7
	s.crc <<= 1
	if msb^bit != 0 {
		s.crc ^= 0x1D
	}
}

func (s *sbcCRC) addByte(b byte) {
	for i := 7; i >= 0; i-- {
		s.addBit((b >> uint(i)) & 1)
	}
}

func (s *sbcCRC) addNibble(b byte) {
	for i := 3; i >= 0; i-- {
		s.addBit((b >> uint(i)) & 1)
	}
}

// headerBytes returns frame bytes 1 and 2. For mSBC both are reserved
// zeros; the parameters are implied by the profile.
func (c *sbcCore) headerBytes() (byte, byte) {
	if c.msbc {
		return 0, 0
	}
	var b1 byte
	switch c.cfg.SampleRate {
	case 16000:
		b1 = 0 << 6
	case 32000:
		b1 = 1 << 6
	case 44100:
		b1 = 2 << 6
	default:
		b1 = 3 << 6
	}
	switch c.blocks {
	case 4:
		b1 |= 0 << 4
	case 8:
		b1 |= 1 << 4
	case 12:
		b1 |= 2 << 4
	default:
		b1 |= 3 << 4
	}
	switch c.cfg.ChannelMode {
	case SBCChannelModeMono:
		b1 |= 0 << 2
	case SBCChannelModeDualChannel:
		b1 |= 1 << 2
	case SBCChannelModeStereo:
		b1 |= 2 << 2
	default:
		b1 |= 3 << 2
	}
	if c.cfg.SNR {
		b1 |= 1 << 1
	}
	if c.subbands == 8 {
		b1 |= 1
	}
	return b1, byte(c.bitpool)
}

// analyze runs the cosine-modulated analysis filterbank over one frame of
// interleaved PCM, padding a short final chunk with silence.
func (c *sbcCore) analyze(pcm []int16) {
	n := c.subbands
	for blk := 0; blk < c.blocks; blk++ {
		for ch := 0; ch < c.channels; ch++ {
			for k := 0; k < n; k++ {
				var acc float64
				for i := 0; i < n; i++ {
					idx := (blk*n+i)*c.channels + ch
					if idx < len(pcm) {
						acc += float64(pcm[idx]) * c.cosTab[k][i]
					}
				}
				s := acc / float64(n)
				if s > 32767 {
					s = 32767
				} else if s < -32767 {
					s = -32767
				}
				c.sub[ch][blk*n+k] = s
			}
		}
	}
}

// synthesize runs the inverse filterbank and interleaves the result.
func (c *sbcCore) synthesize() []int16 {
	n := c.subbands
	for blk := 0; blk < c.blocks; blk++ {
		for ch := 0; ch < c.channels; ch++ {
			for i := 0; i < n; i++ {
				var acc float64
				for k := 0; k < n; k++ {
					acc += c.sub[ch][blk*n+k] * c.cosTab[k][i]
				}
				v := 2 * acc
				if v > 32767 {
					v = 32767
				} else if v < -32768 {
					v = -32768
				}
				c.pcm[(blk*n+i)*c.channels+ch] = int16(v)
			}
		}
	}
	return c.pcm
}

func (c *sbcCore) computeScaleFactors() {
	n := c.subbands
	for ch := 0; ch < c.channels; ch++ {
		for sb := 0; sb < n; sb++ {
			var peak float64
			for blk := 0; blk < c.blocks; blk++ {
				if a := math.Abs(c.sub[ch][blk*n+sb]); a > peak {
					peak = a
				}
			}
			sf := 0
			for sf < sbcMaxScale && float64(int32(1)<<uint(sf+1)) <= peak {
				sf++
			}
			c.scale[ch][sb] = sf
		}
	}
}

// allocate distributes the bitpool across subbands. Mono and dual-channel
// modes allocate per channel; stereo and joint modes share one pool.
func (c *sbcCore) allocate() {
	switch c.cfg.ChannelMode {
	case SBCChannelModeMono, SBCChannelModeDualChannel:
		for ch := 0; ch < c.channels; ch++ {
			c.allocateChannels([][]int{c.scale[ch]}, [][]int{c.bits[ch]}, c.bitpool)
		}
	default:
		c.allocateChannels(c.scale, c.bits, c.bitpool)
	}
}

// allocateChannels implements the loudness/SNR bit-allocation procedure
// over the given channel set with a shared bitpool.
func (c *sbcCore) allocateChannels(scale, bits [][]int, bitpool int) {
	nch := len(scale)
	n := c.subbands

	// The pool can never exceed 16 bits per subband sample; clamping
	// keeps the bitslice search finite for degenerate configurations.
	if max := sbcMaxBits * n * nch; bitpool > max {
		bitpool = max
	}

	bitneed := make([][]int, nch)
	for ch := 0; ch < nch; ch++ {
		bitneed[ch] = make([]int, n)
		for sb := 0; sb < n; sb++ {
			if c.cfg.SNR {
				bitneed[ch][sb] = scale[ch][sb]
				continue
			}
			if scale[ch][sb] == 0 {
				bitneed[ch][sb] = -5
				continue
			}
			var offset int
			if n == 4 {
				offset = sbcOffset4[c.freqIdx][sb]
			} else {
				offset = sbcOffset8[c.freqIdx][sb]
			}
			loudness := scale[ch][sb] - offset
			if loudness > 0 {
				loudness /= 2
			}
			bitneed[ch][sb] = loudness
		}
	}

	maxBitneed := 0
	for ch := 0; ch < nch; ch++ {
		for sb := 0; sb < n; sb++ {
			if bitneed[ch][sb] > maxBitneed {
				maxBitneed = bitneed[ch][sb]
			}
		}
	}

	// Find the bitslice level at which the pool is exhausted.
	bitcount := 0
	slicecount := 0
	bitslice := maxBitneed + 1
	for {
		bitslice--
		bitcount += slicecount
		slicecount = 0
		for ch := 0; ch < nch; ch++ {
			for sb := 0; sb < n; sb++ {
				switch {
				case bitneed[ch][sb] > bitslice+1 && bitneed[ch][sb] < bitslice+16:
					slicecount++
				case bitneed[ch][sb] == bitslice+1:
					slicecount += 2
				}
			}
		}
		if bitcount+slicecount >= bitpool {
			break
		}
	}
	if bitcount+slicecount == bitpool {
		bitcount += slicecount
		bitslice--
	}

	for ch := 0; ch < nch; ch++ {
		for sb := 0; sb < n; sb++ {
			if bitneed[ch][sb] < bitslice+2 {
				bits[ch][sb] = 0
			} else {
				b := bitneed[ch][sb] - bitslice
				if b > sbcMaxBits {
					b = sbcMaxBits
				}
				bits[ch][sb] = b
			}
		}
	}

	// Hand out the remaining bits, low subbands first.
	for sb := 0; sb < n && bitcount < bitpool; sb++ {
		for ch := 0; ch < nch && bitcount < bitpool; ch++ {
			switch {
			case bits[ch][sb] >= 2 && bits[ch][sb] < sbcMaxBits:
				bits[ch][sb]++
				bitcount++
			case bitneed[ch][sb] == bitslice+1 && bitpool > bitcount+1:
				bits[ch][sb] = 2
				bitcount += 2
			}
		}
	}
	for sb := 0; sb < n && bitcount < bitpool; sb++ {
		for ch := 0; ch < nch && bitcount < bitpool; ch++ {
			if bits[ch][sb] < sbcMaxBits {
				bits[ch][sb]++
				bitcount++
			}
		}
	}
}

// encodeFrame produces one complete wire frame from interleaved PCM.
func (c *sbcCore) encodeFrame(pcm []int16) []byte {
	c.analyze(pcm)
	c.computeScaleFactors()
	c.allocate()

	b1, b2 := c.headerBytes()
	joint := !c.msbc && c.cfg.ChannelMode == SBCChannelModeJointStereo

	crc := newSBCCRC()
	crc.addByte(b1)
	crc.addByte(b2)
	if joint {
		// Join flags are transmitted but this encoder never activates
		// mid/side coding, so the flag bits are all zero.
		for sb := 0; sb < c.subbands; sb++ {
			crc.addBit(0)
		}
	}
	for ch := 0; ch < c.channels; ch++ {
		for sb := 0; sb < c.subbands; sb++ {
			crc.addNibble(byte(c.scale[ch][sb]))
		}
	}

	w := newBitWriter(c.wire)
	if c.msbc {
		w.write(msbcSyncword, 8)
	} else {
		w.write(sbcSyncword, 8)
	}
	w.write(uint32(b1), 8)
	w.write(uint32(b2), 8)
	w.write(uint32(crc.crc), 8)
	if joint {
		w.write(0, uint(c.subbands))
	}
	for ch := 0; ch < c.channels; ch++ {
		for sb := 0; sb < c.subbands; sb++ {
			w.write(uint32(c.scale[ch][sb]), 4)
		}
	}

	n := c.subbands
	for blk := 0; blk < c.blocks; blk++ {
		for ch := 0; ch < c.channels; ch++ {
			for sb := 0; sb < n; sb++ {
				nbits := c.bits[ch][sb]
				if nbits == 0 {
					continue
				}
				level := float64(int32(1)<<uint(nbits) - 1)
				width := float64(int32(1) << uint(c.scale[ch][sb]+1))
				q := int32((c.sub[ch][blk*n+sb]/width + 1.0) * level / 2.0)
				if q < 0 {
					q = 0
				} else if q > int32(level)-1 {
					q = int32(level) - 1
				}
				w.write(uint32(q), uint(nbits))
			}
		}
	}

	return c.wire[:c.frameLen]
}

// decodeFrame parses and reconstructs one wire frame.
func (c *sbcCore) decodeFrame(frame []byte) ([]int16, error) {
	if len(frame) < c.frameLen {
		return nil, fmt.Errorf("%w: short frame: %d < %d", ErrDecode, len(frame), c.frameLen)
	}

	sync := byte(sbcSyncword)
	if c.msbc {
		sync = msbcSyncword
	}
	if frame[0] != sync {
		return nil, fmt.Errorf("%w: bad syncword %#02x", ErrDecode, frame[0])
	}
	expB1, expB2 := c.headerBytes()
	if frame[1] != expB1 || frame[2] != expB2 {
		return nil, fmt.Errorf("%w: frame parameters do not match session", ErrDecode)
	}

	joint := !c.msbc && c.cfg.ChannelMode == SBCChannelModeJointStereo
	r := newBitReader(frame[sbcHeaderLen:])

	join := make([]bool, c.subbands)
	if joint {
		for sb := 0; sb < c.subbands; sb++ {
			join[sb] = r.read(1) != 0
		}
	}

	crc := newSBCCRC()
	crc.addByte(frame[1])
	crc.addByte(frame[2])
	if joint {
		for sb := 0; sb < c.subbands; sb++ {
			if join[sb] {
				crc.addBit(1)
			} else {
				crc.addBit(0)
			}
		}
	}
	for ch := 0; ch < c.channels; ch++ {
		for sb := 0; sb < c.subbands; sb++ {
			sf := int(r.read(4))
			c.scale[ch][sb] = sf
			crc.addNibble(byte(sf))
		}
	}
	if crc.crc != frame[3] {
		return nil, fmt.Errorf("%w: CRC mismatch: %#02x != %#02x", ErrDecode, crc.crc, frame[3])
	}

	c.allocate()

	n := c.subbands
	for blk := 0; blk < c.blocks; blk++ {
		for ch := 0; ch < c.channels; ch++ {
			for sb := 0; sb < n; sb++ {
				nbits := c.bits[ch][sb]
				if nbits == 0 {
					c.sub[ch][blk*n+sb] = 0
					continue
				}
				q := float64(r.read(uint(nbits)))
				level := float64(int32(1)<<uint(nbits) - 1)
				width := float64(int32(1) << uint(c.scale[ch][sb]+1))
				c.sub[ch][blk*n+sb] = ((2*q+1)/level - 1.0) * width
			}
		}
	}

	if joint {
		for sb := 0; sb < n; sb++ {
			if !join[sb] {
				continue
			}
			for blk := 0; blk < c.blocks; blk++ {
				mid := c.sub[0][blk*n+sb]
				side := c.sub[1][blk*n+sb]
				c.sub[0][blk*n+sb] = mid + side
				c.sub[1][blk*n+sb] = mid - side
			}
		}
	}

	return c.synthesize(), nil
}

// SBCFramer is the streaming-audio SBC codec. The bitpool is fixed at
// session start from the negotiated configuration and never renegotiated
// mid-session.
type SBCFramer struct {
	core *sbcCore
}

// NewSBC creates an SBC framer from a validated configuration. The
// session bitpool is the configuration's maximum bitpool.
func NewSBC(cfg SBCConfig) (*SBCFramer, error) {
	if cfg.MaxBitpool < SBCMinBitpool || cfg.MaxBitpool > SBCMaxBitpool {
		return nil, ErrInvalidConfig
	}
	f := &SBCFramer{core: newSBCCore(cfg, false)}
	logrus.WithFields(logrus.Fields{
		"function":    "codec.NewSBC",
		"sample_rate": cfg.SampleRate,
		"channels":    cfg.Channels(),
		"blocks":      cfg.Blocks,
		"subbands":    cfg.Subbands,
		"bitpool":     f.core.bitpool,
		"frame_bytes": f.core.frameLen,
	}).Info("SBC framer created")
	return f, nil
}

// ID implements Framer.
func (f *SBCFramer) ID() ID { return SBC }

// SampleRate implements Framer.
func (f *SBCFramer) SampleRate() int { return f.core.cfg.SampleRate }

// Channels implements Framer.
func (f *SBCFramer) Channels() int { return f.core.channels }

// FrameSamples implements Framer.
func (f *SBCFramer) FrameSamples() int { return f.core.frameSamples() }

// FrameBytes implements Framer.
func (f *SBCFramer) FrameBytes() int { return f.core.frameLen }

// Encode implements Framer. A short final chunk is padded with silence.
func (f *SBCFramer) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) > f.core.frameSamples() {
		pcm = pcm[:f.core.frameSamples()]
	}
	return f.core.encodeFrame(pcm), nil
}

// Decode implements Framer.
func (f *SBCFramer) Decode(frame []byte) ([]int16, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrDecode)
	}
	return f.core.decodeFrame(frame)
}

// Conceal implements Framer. Plain SBC has no concealment state; a lost
// frame is replaced with silence.
func (f *SBCFramer) Conceal() ([]int16, error) {
	for i := range f.core.pcm {
		f.core.pcm[i] = 0
	}
	return f.core.pcm, nil
}
