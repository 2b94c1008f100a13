package rtp

import (
	"sync"
	"time"
)

// History size limits, in packets.
const (
	DefaultHistorySize = 400
	MinHistorySize     = 64
	MaxHistorySize     = 1200
)

type storedPacket struct {
	seq      uint16
	data     []byte
	sentAt   time.Time
	resentAt time.Time
	valid    bool
}

// History keeps recently sent packets so that NACKed sequence numbers
// can be retransmitted. It is a ring indexed by sequence number.
type History struct {
	mu   sync.Mutex
	ring []storedPacket
}

// NewHistory creates a history holding size packets.
func NewHistory(size int) *History {
	return &History{ring: make([]storedPacket, clampHistory(size))}
}

// HistorySize derives a history length from the send bitrate and RTT:
// enough packets to cover three round trips plus 100 ms at the given
// average packet size.
func HistorySize(bitrateKbps, rttMs, avgPacketBytes int) int {
	if bitrateKbps <= 0 || avgPacketBytes <= 0 {
		return DefaultHistorySize
	}
	window := 3*rttMs + 100
	packets := bitrateKbps * window / 8 / avgPacketBytes
	return clampHistory(max(packets, DefaultHistorySize/2))
}

func clampHistory(n int) int {
	return max(MinHistorySize, min(MaxHistorySize, n))
}

// Size returns the ring capacity.
func (h *History) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ring)
}

// Resize changes the capacity, keeping the newest packets that fit.
func (h *History) Resize(size int) {
	size = clampHistory(size)
	h.mu.Lock()
	defer h.mu.Unlock()
	if size == len(h.ring) {
		return
	}
	old := h.ring
	h.ring = make([]storedPacket, size)
	for _, p := range old {
		if !p.valid {
			continue
		}
		slot := &h.ring[int(p.seq)%size]
		if !slot.valid || p.sentAt.After(slot.sentAt) {
			*slot = p
		}
	}
}

// Put stores a copy of an outgoing packet.
func (h *History) Put(seq uint16, packet []byte, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot := &h.ring[int(seq)%len(h.ring)]
	slot.seq = seq
	slot.data = append(slot.data[:0], packet...)
	slot.sentAt = now
	slot.resentAt = time.Time{}
	slot.valid = true
}

// GetForResend returns a copy of the packet with seq unless it is
// unknown or was already resent within minInterval.
func (h *History) GetForResend(seq uint16, now time.Time, minInterval time.Duration) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot := &h.ring[int(seq)%len(h.ring)]
	if !slot.valid || slot.seq != seq {
		return nil, false
	}
	if !slot.resentAt.IsZero() && now.Sub(slot.resentAt) < minInterval {
		return nil, false
	}
	slot.resentAt = now
	return append([]byte(nil), slot.data...), true
}

// Clear drops every stored packet.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.ring {
		h.ring[i].valid = false
	}
}
