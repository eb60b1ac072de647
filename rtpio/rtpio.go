// Package rtpio wraps codec payloads in the streaming-audio RTP envelope.
//
// Source transports packetize encoded frames with a monotonically
// advancing sequence number and sample timestamp; sink transports unwrap
// incoming packets and turn sequence gaps into loss-concealment triggers
// rather than failures. It uses pion/rtp for standards-compliant header
// handling.
package rtpio

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// PayloadTypeAudio is the dynamic payload type used for every codec
// payload on a streaming link; the codec itself is negotiated out of
// band, not via the payload type.
const PayloadTypeAudio = 96

// Packetizer builds the RTP envelope for outgoing wire frames.
//
// Sequence number and SSRC start at random session-initial values; the
// timestamp advances by the number of encoded samples per packet. A
// Packetizer belongs to one I/O worker and performs no locking.
type Packetizer struct {
	ssrc        uint32
	sequence    uint16
	timestamp   uint32
	payloadType uint8
	packet      rtp.Packet
	wire        []byte
}

// NewPacketizer creates a packetizer with random initial sequence number,
// timestamp and SSRC.
func NewPacketizer() (*Packetizer, error) {
	var seed [10]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("failed to seed RTP counters: %w", err)
	}
	return NewPacketizerAt(
		binary.BigEndian.Uint16(seed[0:2]),
		binary.BigEndian.Uint32(seed[2:6]),
		binary.BigEndian.Uint32(seed[6:10]),
	), nil
}

// NewPacketizerAt creates a packetizer with explicit initial counters.
// Used when a transport's sequence policy persists counters across I/O
// worker restarts.
func NewPacketizerAt(sequence uint16, timestamp, ssrc uint32) *Packetizer {
	p := &Packetizer{
		ssrc:        ssrc,
		sequence:    sequence,
		timestamp:   timestamp,
		payloadType: PayloadTypeAudio,
	}
	logrus.WithFields(logrus.Fields{
		"function":  "rtpio.NewPacketizerAt",
		"ssrc":      ssrc,
		"sequence":  sequence,
		"timestamp": timestamp,
	}).Debug("RTP packetizer created")
	return p
}

// Pack wraps payload in an RTP header and returns the marshaled packet.
// The sequence number advances by one and the timestamp by samples. The
// returned slice is valid until the next Pack call.
func (p *Packetizer) Pack(payload []byte, samples uint32) ([]byte, error) {
	p.packet = rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    p.payloadType,
			SequenceNumber: p.sequence,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}

	size := p.packet.MarshalSize()
	if cap(p.wire) < size {
		p.wire = make([]byte, size)
	}
	n, err := p.packet.MarshalTo(p.wire[:size])
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RTP packet: %w", err)
	}

	p.sequence++
	p.timestamp += samples
	return p.wire[:n], nil
}

// HeaderSize reports the marshaled size of the envelope header without
// payload, used for MTU budget calculations.
func (p *Packetizer) HeaderSize() int {
	h := rtp.Header{Version: 2}
	return h.MarshalSize()
}

// Counters reports the next sequence number and timestamp, for the
// persist-across-restart sequence policy.
func (p *Packetizer) Counters() (sequence uint16, timestamp uint32) {
	return p.sequence, p.timestamp
}

// SSRC reports the session source identifier, constant for the
// packetizer's lifetime.
func (p *Packetizer) SSRC() uint32 { return p.ssrc }

// Depacketizer unwraps incoming RTP packets for a sink transport.
//
// The first observed SSRC is latched for the session. Sequence tracking
// is wrap-aware: 0xFFFF followed by 0x0000 is normal progression, while
// a genuine gap is reported as the number of lost packets so the caller
// can request loss concealment from the codec.
type Depacketizer struct {
	packet   rtp.Packet
	ssrc     uint32
	hasSSRC  bool
	lastSeq  uint16
	hasSeq   bool
	received uint64
	lost     uint64
}

// NewDepacketizer creates a depacketizer with no latched stream state.
func NewDepacketizer() *Depacketizer {
	return &Depacketizer{}
}

// Unpack parses one RTP packet and returns its payload together with the
// number of packets lost since the previous one. A sequence gap is never
// an error; only a malformed envelope or a mid-session SSRC change is.
func (d *Depacketizer) Unpack(data []byte) (payload []byte, lost int, err error) {
	if err := d.packet.Unmarshal(data); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal RTP packet: %w", err)
	}

	if !d.hasSSRC {
		d.ssrc = d.packet.SSRC
		d.hasSSRC = true
		logrus.WithFields(logrus.Fields{
			"function": "Depacketizer.Unpack",
			"ssrc":     d.ssrc,
		}).Info("Latched stream SSRC")
	} else if d.packet.SSRC != d.ssrc {
		return nil, 0, fmt.Errorf("unexpected SSRC: expected %d, got %d", d.ssrc, d.packet.SSRC)
	}

	if d.hasSeq {
		// uint16 arithmetic makes the 65535->0 wrap a delta of one.
		delta := d.packet.SequenceNumber - d.lastSeq
		switch {
		case delta == 0:
			// Duplicate delivery; drop silently.
			return nil, 0, nil
		case delta > 0x8000:
			// Late reordered packet; the slot was already concealed.
			logrus.WithFields(logrus.Fields{
				"function": "Depacketizer.Unpack",
				"sequence": d.packet.SequenceNumber,
				"last_seq": d.lastSeq,
			}).Debug("Dropping late RTP packet")
			return nil, 0, nil
		default:
			lost = int(delta) - 1
		}
	}
	d.lastSeq = d.packet.SequenceNumber
	d.hasSeq = true
	d.received++
	d.lost += uint64(lost)

	if lost > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Depacketizer.Unpack",
			"sequence": d.packet.SequenceNumber,
			"lost":     lost,
		}).Debug("Sequence gap detected, requesting concealment")
	}

	return d.packet.Payload, lost, nil
}

// Timestamp reports the timestamp of the most recently unpacked packet.
func (d *Depacketizer) Timestamp() uint32 { return d.packet.Timestamp }

// Stats reports packets received and packets lost for the session.
func (d *Depacketizer) Stats() (received, lost uint64) {
	return d.received, d.lost
}
