package fec

import "encoding/binary"

const (
	rtpHeaderLength  = 12
	fecHeaderLength  = 10
	shortMaskBytes   = 2
	longMaskBytes    = 6
	levelHeaderShort = 2 + shortMaskBytes
	levelHeaderLong  = 2 + longMaskBytes

	// MaxShortMaskPackets is the number of media packets a 16-bit mask covers.
	MaxShortMaskPackets = 16
	// MaxMediaPackets is the number of media packets a 48-bit mask covers.
	MaxMediaPackets = 48
)

// header is the decoded FEC and level 0 header of a ULPFEC payload.
type header struct {
	long             bool
	firstByte        byte
	secondByte       byte
	snBase           uint16
	tsRecovery       uint32
	lengthRecovery   uint16
	protectionLength uint16
	mask             uint64
}

func (h *header) size() int {
	if h.long {
		return fecHeaderLength + levelHeaderLong
	}
	return fecHeaderLength + levelHeaderShort
}

func (h *header) marshal(buf []byte) {
	buf[0] = h.firstByte & 0x3f
	if h.long {
		buf[0] |= 0x40
	}
	buf[1] = h.secondByte
	binary.BigEndian.PutUint16(buf[2:4], h.snBase)
	binary.BigEndian.PutUint32(buf[4:8], h.tsRecovery)
	binary.BigEndian.PutUint16(buf[8:10], h.lengthRecovery)
	binary.BigEndian.PutUint16(buf[10:12], h.protectionLength)
	if h.long {
		binary.BigEndian.PutUint16(buf[12:14], uint16(h.mask>>32))
		binary.BigEndian.PutUint32(buf[14:18], uint32(h.mask))
	} else {
		binary.BigEndian.PutUint16(buf[12:14], uint16(h.mask>>32))
	}
}

func parseHeader(payload []byte) (*header, error) {
	if len(payload) < fecHeaderLength+levelHeaderShort {
		return nil, ErrShortPacket
	}
	h := &header{
		long:             payload[0]&0x40 != 0,
		firstByte:        payload[0] & 0x3f,
		secondByte:       payload[1],
		snBase:           binary.BigEndian.Uint16(payload[2:4]),
		tsRecovery:       binary.BigEndian.Uint32(payload[4:8]),
		lengthRecovery:   binary.BigEndian.Uint16(payload[8:10]),
		protectionLength: binary.BigEndian.Uint16(payload[10:12]),
	}
	if h.long {
		if len(payload) < fecHeaderLength+levelHeaderLong {
			return nil, ErrShortPacket
		}
		h.mask = uint64(binary.BigEndian.Uint16(payload[12:14]))<<32 | uint64(binary.BigEndian.Uint32(payload[14:18]))
	} else {
		h.mask = uint64(binary.BigEndian.Uint16(payload[12:14])) << 32
	}
	if len(payload) < h.size()+int(h.protectionLength) {
		return nil, ErrShortPacket
	}
	return h, nil
}

// protected lists the sequence numbers covered by the mask. Bit 47 of
// the mask is the packet at snBase.
func (h *header) protected() []uint16 {
	var seqs []uint16
	for i := 0; i < MaxMediaPackets; i++ {
		if h.mask&(1<<(47-i)) != 0 {
			seqs = append(seqs, h.snBase+uint16(i))
		}
	}
	return seqs
}

func xorInto(dst, src []byte) {
	for i := range src {
		if i >= len(dst) {
			return
		}
		dst[i] ^= src[i]
	}
}
