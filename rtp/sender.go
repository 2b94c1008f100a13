package rtp

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/randutil"
	pionrtp "github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// VideoClockRate is the RTP clock rate of video streams.
const VideoClockRate = 90000

// Sender owns the outbound identity of one RTP stream: SSRC, sequence
// numbers and timestamps, plus the counters an RTCP sender report
// needs.
type Sender struct {
	mu       sync.RWMutex
	ssrc     uint32
	seq      uint16
	csrcs    []uint32
	frozen   bool
	tsOffset uint32

	lastTimestamp uint32
	lastWall      time.Time

	packetsSent uint32
	octetsSent  uint32
	mediaSent   bool
	lastMediaAt time.Time
}

// NewSender creates a sender with random SSRC, sequence number and
// timestamp offset.
func NewSender() (*Sender, error) {
	r, err := randutil.CryptoUint64()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewSender",
			"error":    err.Error(),
		}).Error("Failed to generate stream identity")
		return nil, fmt.Errorf("failed to generate SSRC: %w", err)
	}

	s := &Sender{
		ssrc:     uint32(r),
		seq:      uint16(r>>32) & 0x7fff,
		tsOffset: uint32(r >> 47),
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewSender",
		"ssrc":      s.ssrc,
		"start_seq": s.seq,
	}).Debug("Created RTP sender")

	return s, nil
}

// SSRC returns the local SSRC.
func (s *Sender) SSRC() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ssrc
}

// SetSSRC changes the local SSRC. It fails while frozen.
func (s *Sender) SetSSRC(ssrc uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	s.ssrc = ssrc
	return nil
}

// SetStartSequenceNumber sets the sequence number of the next packet.
// It fails while frozen.
func (s *Sender) SetStartSequenceNumber(seq uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	s.seq = seq
	return nil
}

// SetCSRCs sets the contributing sources added to every packet.
func (s *Sender) SetCSRCs(csrcs []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrcs = append([]uint32(nil), csrcs...)
}

// Freeze locks SSRC and sequence number; called on StartSend.
func (s *Sender) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

// Unfreeze allows SSRC and sequence changes again; called on StopSend.
func (s *Sender) Unfreeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = false
}

// Frozen reports whether the sender is frozen.
func (s *Sender) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// NextSequenceNumber returns the sequence number the next packet gets.
func (s *Sender) NextSequenceNumber() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Timestamp maps a 90 kHz capture timestamp to the stream's timestamp
// space.
func (s *Sender) Timestamp(capture uint32) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return capture + s.tsOffset
}

// Packetize wraps payloads of one frame into packets with consecutive
// sequence numbers. The marker bit is set on the last packet.
func (s *Sender) Packetize(payloadType uint8, timestamp uint32, payloads [][]byte, now time.Time) []*pionrtp.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	packets := make([]*pionrtp.Packet, 0, len(payloads))
	for i, p := range payloads {
		packets = append(packets, s.packetLocked(payloadType, timestamp, p, i == len(payloads)-1))
	}
	s.lastTimestamp = timestamp
	s.lastWall = now
	s.mediaSent = true
	s.lastMediaAt = now
	return packets
}

// Packet builds one packet with the next sequence number without
// marking media activity. Used for FEC and keep-alive packets.
func (s *Sender) Packet(payloadType uint8, timestamp uint32, payload []byte, marker bool) *pionrtp.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packetLocked(payloadType, timestamp, payload, marker)
}

func (s *Sender) packetLocked(payloadType uint8, timestamp uint32, payload []byte, marker bool) *pionrtp.Packet {
	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: s.seq,
			Timestamp:      timestamp,
			SSRC:           s.ssrc,
			CSRC:           s.csrcs,
		},
		Payload: payload,
	}
	s.seq++
	return pkt
}

// LastTimestamp returns the RTP timestamp of the last media frame.
func (s *Sender) LastTimestamp() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTimestamp
}

// OnPacketSent updates the sender report counters.
func (s *Sender) OnPacketSent(payloadBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packetsSent++
	s.octetsSent += uint32(payloadBytes)
}

// SenderInfo is the data an RTCP sender report carries.
type SenderInfo struct {
	NTPTime     uint64
	RTPTime     uint32
	PacketCount uint32
	OctetCount  uint32
}

// SenderInfo returns sender report data for now, extrapolating the RTP
// timestamp from the last frame. The second result is false when no
// media has been sent yet.
func (s *Sender) SenderInfo(now time.Time) (SenderInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.mediaSent {
		return SenderInfo{}, false
	}
	elapsed := now.Sub(s.lastWall)
	rtpTime := s.lastTimestamp + uint32(elapsed.Milliseconds()*VideoClockRate/1000)
	return SenderInfo{
		NTPTime:     ToNTP(now),
		RTPTime:     rtpTime,
		PacketCount: s.packetsSent,
		OctetCount:  s.octetsSent,
	}, true
}

// Counters returns packets and payload octets sent.
func (s *Sender) Counters() (packets, octets uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.packetsSent, s.octetsSent
}

// LastMediaTime returns when the last media frame was packetized.
func (s *Sender) LastMediaTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMediaAt
}
