package fec

import (
	"encoding/binary"
	"sync"
)

// Generator accumulates the media packets of a frame and produces the
// ULPFEC payloads that protect them.
type Generator struct {
	mu    sync.Mutex
	media [][]byte
	seqs  []uint16
	fecs  uint64
}

// NewGenerator creates an empty generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// AddMedia records a marshaled media RTP packet. Packets must be added
// in sequence order.
func (g *Generator) AddMedia(packet []byte) error {
	if len(packet) < rtpHeaderLength {
		return ErrShortPacket
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.media) >= MaxMediaPackets {
		return ErrTooManyPackets
	}
	g.media = append(g.media, append([]byte(nil), packet...))
	g.seqs = append(g.seqs, binary.BigEndian.Uint16(packet[2:4]))
	return nil
}

// Pending returns the number of media packets waiting for Generate.
func (g *Generator) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.media)
}

// Generate produces FEC payloads for the recorded packets and resets
// the generator. factor is the protection level in Q8: the number of
// FEC payloads is ceil(media * factor / 256). Media packet i is
// protected by payload i mod n.
func (g *Generator) Generate(factor uint8) [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer func() {
		g.media = g.media[:0]
		g.seqs = g.seqs[:0]
	}()

	k := len(g.media)
	if k == 0 || factor == 0 {
		return nil
	}
	n := (k*int(factor) + 255) / 256
	n = max(1, min(n, k))

	long := k > MaxShortMaskPackets
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		var group []int
		for j := i; j < k; j += n {
			group = append(group, j)
		}
		out = append(out, g.encodeLocked(group, long))
	}
	g.fecs += uint64(n)
	return out
}

// Generated returns the total number of FEC payloads produced.
func (g *Generator) Generated() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fecs
}

func (g *Generator) encodeLocked(group []int, long bool) []byte {
	h := header{long: long, snBase: g.seqs[0]}
	for _, idx := range group {
		pkt := g.media[idx]
		h.protectionLength = max(h.protectionLength, uint16(len(pkt)-rtpHeaderLength))
	}

	buf := make([]byte, h.size()+int(h.protectionLength))
	body := buf[h.size():]
	for _, idx := range group {
		pkt := g.media[idx]
		h.firstByte ^= pkt[0]
		h.secondByte ^= pkt[1]
		h.tsRecovery ^= binary.BigEndian.Uint32(pkt[4:8])
		h.lengthRecovery ^= uint16(len(pkt) - rtpHeaderLength)
		h.mask |= 1 << (47 - uint(g.seqs[idx]-h.snBase))
		xorInto(body, pkt[rtpHeaderLength:])
	}
	if !long {
		h.mask &= 0xffff << 32
	}
	h.marshal(buf)
	return buf
}
