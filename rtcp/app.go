package rtcp

import (
	"encoding/binary"
	"fmt"

	pionrtcp "github.com/pion/rtcp"
)

const typeApplicationDefined = 204

// ApplicationDefined is an RFC 3550 APP packet.
type ApplicationDefined struct {
	SubType uint8
	SSRC    uint32
	Name    uint32
	Data    []byte
}

var _ pionrtcp.Packet = (*ApplicationDefined)(nil)

// NewApplicationDefined validates the fields of an outgoing APP packet.
func NewApplicationDefined(ssrc uint32, subType uint8, name uint32, data []byte) (*ApplicationDefined, error) {
	if subType > 31 {
		return nil, ErrAppSubType
	}
	if data == nil || len(data)%4 != 0 {
		return nil, ErrAppLength
	}
	return &ApplicationDefined{SubType: subType, SSRC: ssrc, Name: name, Data: append([]byte(nil), data...)}, nil
}

// Marshal encodes the packet.
func (a ApplicationDefined) Marshal() ([]byte, error) {
	if a.SubType > 31 {
		return nil, ErrAppSubType
	}
	if len(a.Data)%4 != 0 {
		return nil, ErrAppLength
	}
	size := 12 + len(a.Data)
	buf := make([]byte, size)
	buf[0] = 2<<6 | a.SubType
	buf[1] = typeApplicationDefined
	binary.BigEndian.PutUint16(buf[2:4], uint16(size/4-1))
	binary.BigEndian.PutUint32(buf[4:8], a.SSRC)
	binary.BigEndian.PutUint32(buf[8:12], a.Name)
	copy(buf[12:], a.Data)
	return buf, nil
}

// MarshalSize returns the encoded length.
func (a ApplicationDefined) MarshalSize() int {
	return 12 + len(a.Data)
}

// Unmarshal decodes one APP packet.
func (a *ApplicationDefined) Unmarshal(raw []byte) error {
	if len(raw) < 12 || raw[1] != typeApplicationDefined {
		return fmt.Errorf("%w: APP too short", ErrMalformed)
	}
	size := (int(binary.BigEndian.Uint16(raw[2:4])) + 1) * 4
	if size > len(raw) {
		return fmt.Errorf("%w: APP length", ErrMalformed)
	}
	end := size
	if raw[0]&0x20 != 0 {
		pad := int(raw[size-1])
		if pad == 0 || pad > size-12 {
			return fmt.Errorf("%w: APP padding", ErrMalformed)
		}
		end -= pad
	}
	a.SubType = raw[0] & 0x1f
	a.SSRC = binary.BigEndian.Uint32(raw[4:8])
	a.Name = binary.BigEndian.Uint32(raw[8:12])
	a.Data = append([]byte(nil), raw[12:end]...)
	return nil
}

// DestinationSSRC returns the sender SSRC.
func (a *ApplicationDefined) DestinationSSRC() []uint32 {
	return []uint32{a.SSRC}
}
