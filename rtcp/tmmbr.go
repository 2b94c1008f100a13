package rtcp

import (
	"encoding/binary"
	"fmt"

	pionrtcp "github.com/pion/rtcp"
)

// RTPFB formats of RFC 5104.
const (
	FormatTMMBR uint8 = 3
	FormatTMMBN uint8 = 4
)

const (
	tmmbEntryLength = 8
	maxMantissa     = 1<<17 - 1
	maxOverhead     = 1<<9 - 1
)

// TMMBEntry is one FCI entry of a TMMBR or TMMBN packet.
type TMMBEntry struct {
	SSRC     uint32
	Bitrate  uint64
	Overhead uint16
}

// TMMBR asks a media sender to cap its bitrate.
type TMMBR struct {
	SenderSSRC uint32
	Entries    []TMMBEntry
}

// TMMBN notifies receivers of the bounding set a sender applied.
type TMMBN struct {
	SenderSSRC uint32
	Entries    []TMMBEntry
}

var (
	_ pionrtcp.Packet = (*TMMBR)(nil)
	_ pionrtcp.Packet = (*TMMBN)(nil)
)

// Marshal encodes the packet.
func (t TMMBR) Marshal() ([]byte, error) {
	return marshalTMMB(FormatTMMBR, t.SenderSSRC, t.Entries)
}

// Unmarshal decodes the packet.
func (t *TMMBR) Unmarshal(raw []byte) error {
	ssrc, entries, err := unmarshalTMMB(FormatTMMBR, raw)
	if err != nil {
		return err
	}
	t.SenderSSRC, t.Entries = ssrc, entries
	return nil
}

// MarshalSize returns the encoded length.
func (t TMMBR) MarshalSize() int {
	return 12 + len(t.Entries)*tmmbEntryLength
}

// DestinationSSRC returns the SSRCs asked to cap their rate.
func (t *TMMBR) DestinationSSRC() []uint32 {
	return entrySSRCs(t.Entries)
}

// Marshal encodes the packet.
func (t TMMBN) Marshal() ([]byte, error) {
	return marshalTMMB(FormatTMMBN, t.SenderSSRC, t.Entries)
}

// Unmarshal decodes the packet.
func (t *TMMBN) Unmarshal(raw []byte) error {
	ssrc, entries, err := unmarshalTMMB(FormatTMMBN, raw)
	if err != nil {
		return err
	}
	t.SenderSSRC, t.Entries = ssrc, entries
	return nil
}

// MarshalSize returns the encoded length.
func (t TMMBN) MarshalSize() int {
	return 12 + len(t.Entries)*tmmbEntryLength
}

// DestinationSSRC returns the SSRCs in the bounding set.
func (t *TMMBN) DestinationSSRC() []uint32 {
	return entrySSRCs(t.Entries)
}

func entrySSRCs(entries []TMMBEntry) []uint32 {
	out := make([]uint32, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.SSRC)
	}
	return out
}

func marshalTMMB(format uint8, sender uint32, entries []TMMBEntry) ([]byte, error) {
	size := 12 + len(entries)*tmmbEntryLength
	buf := make([]byte, size)
	buf[0] = 2<<6 | format
	buf[1] = uint8(pionrtcp.TypeTransportSpecificFeedback)
	binary.BigEndian.PutUint16(buf[2:4], uint16(size/4-1))
	binary.BigEndian.PutUint32(buf[4:8], sender)
	// Media source SSRC is unused and zero.
	for i, e := range entries {
		if e.Overhead > maxOverhead {
			return nil, fmt.Errorf("overhead %d exceeds 9 bits", e.Overhead)
		}
		mantissa, exp := e.Bitrate, uint64(0)
		for mantissa > maxMantissa {
			mantissa >>= 1
			exp++
		}
		off := 12 + i*tmmbEntryLength
		binary.BigEndian.PutUint32(buf[off:], e.SSRC)
		binary.BigEndian.PutUint32(buf[off+4:], uint32(exp<<26|mantissa<<9|uint64(e.Overhead)))
	}
	return buf, nil
}

func unmarshalTMMB(format uint8, raw []byte) (uint32, []TMMBEntry, error) {
	if len(raw) < 12 || raw[0]&0x1f != format || raw[1] != uint8(pionrtcp.TypeTransportSpecificFeedback) {
		return 0, nil, fmt.Errorf("%w: TMMB header", ErrMalformed)
	}
	size := (int(binary.BigEndian.Uint16(raw[2:4])) + 1) * 4
	if size > len(raw) || (size-12)%tmmbEntryLength != 0 {
		return 0, nil, fmt.Errorf("%w: TMMB length", ErrMalformed)
	}
	sender := binary.BigEndian.Uint32(raw[4:8])
	var entries []TMMBEntry
	for off := 12; off < size; off += tmmbEntryLength {
		word := binary.BigEndian.Uint32(raw[off+4:])
		exp := word >> 26
		mantissa := uint64(word>>9) & maxMantissa
		entries = append(entries, TMMBEntry{
			SSRC:     binary.BigEndian.Uint32(raw[off:]),
			Bitrate:  mantissa << exp,
			Overhead: uint16(word & maxOverhead),
		})
	}
	return sender, entries, nil
}
