package rtp

import (
	"sync"
	"time"
)

// Sequence validation limits from RFC 3550 appendix A.1.
const (
	maxDropout  = 3000
	maxMisorder = 100
	seqMod      = 1 << 16
	seenWindow  = 1024
)

// ReceptionStats is a snapshot of the statistics of one inbound stream.
type ReceptionStats struct {
	SSRC            uint32
	FractionLost    uint8
	CumulativeLost  uint32
	ExtendedMaxSeq  uint32
	Jitter          uint32
	PacketsReceived uint32
	Retransmitted   uint32
	BytesReceived   uint64
	Duplicates      uint32
}

// ReceiveStatistics implements the receiver side of RFC 3550: sequence
// validation (A.1), loss (A.3) and interarrival jitter (A.8). Duplicate
// packets, including retransmissions of packets already received, are
// not counted as received. Retransmissions of lost packets are counted
// as received but not in loss accounting, so loss reflects the network
// rather than what NACK repaired.
type ReceiveStatistics struct {
	mu        sync.Mutex
	clockRate int
	ssrc      uint32

	started     bool
	maxSeq      uint16
	cycles      uint32
	baseSeq     uint32
	badSeq      uint32
	received    uint32
	retransmits uint32
	bytes       uint64
	duplicates  uint32
	seen        [seenWindow]uint32
	lastTransit uint32
	haveTransit bool
	jitter      uint32

	expectedPrior uint32
	receivedPrior uint32
	lastFraction  uint8

	lastSRNTP     uint64
	lastSRArrival time.Time
}

// NewReceiveStatistics creates statistics for a stream with the given
// RTP clock rate.
func NewReceiveStatistics(clockRate int) *ReceiveStatistics {
	return &ReceiveStatistics{clockRate: clockRate, badSeq: seqMod + 1}
}

// Reset forgets everything, e.g. when the remote SSRC changes.
func (s *ReceiveStatistics) Reset(ssrc uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ssrc = ssrc
	s.started = false
	s.maxSeq, s.cycles, s.baseSeq = 0, 0, 0
	s.badSeq = seqMod + 1
	s.received, s.retransmits, s.bytes, s.duplicates = 0, 0, 0, 0
	s.seen = [seenWindow]uint32{}
	s.lastTransit, s.haveTransit, s.jitter = 0, false, 0
	s.expectedPrior, s.receivedPrior, s.lastFraction = 0, 0, 0
	s.lastSRNTP, s.lastSRArrival = 0, time.Time{}
}

// Update records one received packet. retransmitted marks a packet the
// receiver asked for with a NACK. It returns false for packets rejected
// by sequence validation or recognized as duplicates.
func (s *ReceiveStatistics) Update(ssrc uint32, seq uint16, timestamp uint32, size int, arrival time.Time, retransmitted bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if retransmitted && s.started {
		return s.acceptRetransmitLocked(seq, size)
	}
	if !s.started {
		s.started = true
		s.ssrc = ssrc
		s.maxSeq = seq
		s.baseSeq = uint32(seq)
		s.cycles = 0
	} else {
		udelta := seq - s.maxSeq
		switch {
		case udelta < maxDropout:
			if seq < s.maxSeq {
				s.cycles += seqMod
			}
			s.maxSeq = seq
		case uint32(udelta) <= seqMod-maxMisorder:
			if uint32(seq) == s.badSeq {
				// Two sequential packets after a large jump: the sender
				// restarted, resync.
				s.maxSeq = seq
				s.baseSeq = uint32(seq)
				s.cycles = 0
				s.received, s.retransmits = 0, 0
				s.expectedPrior, s.receivedPrior = 0, 0
				s.seen = [seenWindow]uint32{}
				s.badSeq = seqMod + 1
			} else {
				s.badSeq = uint32(seq+1) & (seqMod - 1)
				return false
			}
		default:
			// Reordered or duplicate; handled below.
		}
	}

	ext := s.extendedLocked(seq)
	slot := &s.seen[ext%seenWindow]
	if *slot == ext+1 {
		s.duplicates++
		return false
	}
	*slot = ext + 1

	s.received++
	s.bytes += uint64(size)
	s.updateJitterLocked(timestamp, arrival)
	return true
}

// acceptRetransmitLocked records a repaired packet. It neither moves
// the sequence window nor feeds the jitter estimate, and it stays out
// of loss accounting.
func (s *ReceiveStatistics) acceptRetransmitLocked(seq uint16, size int) bool {
	ext := s.extendedLocked(seq)
	slot := &s.seen[ext%seenWindow]
	if *slot == ext+1 {
		s.duplicates++
		return false
	}
	*slot = ext + 1
	s.received++
	s.retransmits++
	s.bytes += uint64(size)
	return true
}

// extendedLocked returns the extended sequence number of seq relative
// to the current maximum.
func (s *ReceiveStatistics) extendedLocked(seq uint16) uint32 {
	ext := s.cycles + uint32(seq)
	if seq > s.maxSeq && seq-s.maxSeq > 0x8000 && s.cycles >= seqMod {
		ext -= seqMod
	}
	return ext
}

func (s *ReceiveStatistics) updateJitterLocked(timestamp uint32, arrival time.Time) {
	arrivalUnits := uint32(arrival.UnixMilli() * int64(s.clockRate) / 1000)
	transit := arrivalUnits - timestamp
	if s.haveTransit {
		d := int32(transit - s.lastTransit)
		if d < 0 {
			d = -d
		}
		s.jitter += uint32(d) - ((s.jitter + 8) >> 4)
	}
	s.lastTransit = transit
	s.haveTransit = true
}

// OnSenderReport records the NTP time of a received sender report for
// LSR/DLSR computation.
func (s *ReceiveStatistics) OnSenderReport(ntp uint64, arrival time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSRNTP = ntp
	s.lastSRArrival = arrival
}

func (s *ReceiveStatistics) snapshotLocked() ReceptionStats {
	ext := s.cycles + uint32(s.maxSeq)
	var lost uint32
	if s.started {
		expected := ext - s.baseSeq + 1
		if counted := s.received - s.retransmits; expected > counted {
			lost = expected - counted
		}
	}
	return ReceptionStats{
		SSRC:            s.ssrc,
		FractionLost:    s.lastFraction,
		CumulativeLost:  lost & 0xffffff,
		ExtendedMaxSeq:  ext,
		Jitter:          s.jitter >> 4,
		PacketsReceived: s.received,
		Retransmitted:   s.retransmits,
		BytesReceived:   s.bytes,
		Duplicates:      s.duplicates,
	}
}

// Snapshot returns the current statistics without starting a new
// reporting interval.
func (s *ReceiveStatistics) Snapshot() ReceptionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ReportBlock is the content of one RTCP reception report block.
type ReportBlock struct {
	ReceptionStats
	LastSR           uint32
	DelaySinceLastSR uint32
}

// Report closes the current reporting interval and returns a reception
// report block. The second result is false before any packet arrived.
func (s *ReceiveStatistics) Report(now time.Time) (ReportBlock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ReportBlock{}, false
	}

	ext := s.cycles + uint32(s.maxSeq)
	expected := ext - s.baseSeq + 1
	expectedDelta := expected - s.expectedPrior
	counted := s.received - s.retransmits
	receivedDelta := counted - s.receivedPrior
	s.expectedPrior = expected
	s.receivedPrior = counted

	var fraction uint8
	if expectedDelta != 0 && expectedDelta > receivedDelta {
		fraction = uint8(((expectedDelta - receivedDelta) << 8) / expectedDelta)
	}
	s.lastFraction = fraction

	block := ReportBlock{ReceptionStats: s.snapshotLocked()}
	if s.lastSRNTP != 0 {
		block.LastSR = CompactNTP(s.lastSRNTP)
		block.DelaySinceLastSR = CompactDuration(now.Sub(s.lastSRArrival))
	}
	return block, true
}
