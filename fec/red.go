package fec

import "fmt"

// WrapRED encapsulates data as the single primary block of a RED
// payload.
func WrapRED(blockPT uint8, data []byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = blockPT & 0x7f
	copy(out[1:], data)
	return out
}

// UnwrapRED returns the primary block of a RED payload and its payload
// type. Redundant blocks are skipped.
func UnwrapRED(payload []byte) (uint8, []byte, error) {
	off := 0
	skip := 0
	for {
		if off >= len(payload) {
			return 0, nil, ErrShortPacket
		}
		if payload[off]&0x80 == 0 {
			break
		}
		if off+4 > len(payload) {
			return 0, nil, ErrBadREDBlock
		}
		skip += int(payload[off+2]&0x03)<<8 | int(payload[off+3])
		off += 4
	}
	pt := payload[off] & 0x7f
	start := off + 1 + skip
	if start > len(payload) {
		return 0, nil, fmt.Errorf("%w: redundant blocks of %d bytes", ErrBadREDBlock, skip)
	}
	return pt, payload[start:], nil
}
