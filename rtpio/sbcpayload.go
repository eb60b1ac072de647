package rtpio

import "fmt"

// The streaming-audio SBC payload format prefixes the RTP payload with a
// one-byte media header: fragmentation flags and the number of whole SBC
// frames carried in the packet. This engine never fragments a frame
// across packets, so only the frame count is produced; all four flag
// bits are still honored on parse.

const (
	// SBCPayloadHeaderLen is the size of the SBC media header.
	SBCPayloadHeaderLen = 1

	// SBCMaxFramesPerPacket is the largest frame count the 4-bit field
	// can carry.
	SBCMaxFramesPerPacket = 15

	sbcFragmented = 0x80
	sbcStart      = 0x40
	sbcLast       = 0x20
	sbcRFA        = 0x10
)

// SBCPayloadHeader is the decoded SBC media header.
type SBCPayloadHeader struct {
	Fragmented bool
	Start      bool
	Last       bool
	Frames     int
}

// MarshalSBCPayloadHeader encodes a header carrying frames whole frames.
func MarshalSBCPayloadHeader(frames int) (byte, error) {
	if frames < 1 || frames > SBCMaxFramesPerPacket {
		return 0, fmt.Errorf("invalid SBC frame count: %d", frames)
	}
	return byte(frames), nil
}

// ParseSBCPayloadHeader decodes the media header and returns the frame
// payload that follows it.
func ParseSBCPayloadHeader(payload []byte) (SBCPayloadHeader, []byte, error) {
	if len(payload) < SBCPayloadHeaderLen {
		return SBCPayloadHeader{}, nil, fmt.Errorf("payload shorter than SBC media header")
	}
	h := SBCPayloadHeader{
		Fragmented: payload[0]&sbcFragmented != 0,
		Start:      payload[0]&sbcStart != 0,
		Last:       payload[0]&sbcLast != 0,
		Frames:     int(payload[0] & 0x0F),
	}
	if h.Fragmented {
		return h, nil, fmt.Errorf("fragmented SBC payloads are not supported")
	}
	if h.Frames == 0 {
		return h, nil, fmt.Errorf("SBC media header carries zero frames")
	}
	return h, payload[SBCPayloadHeaderLen:], nil
}
