package codec

import (
	"fmt"

	"github.com/pion/rtp/codecs"
)

// Generic payload header bits.
const (
	genericKeyFrameBit    = 0x01
	genericFirstPacketBit = 0x02
	genericHeaderSize     = 1
)

// PayloadInfo is what a depacketizer learns from one RTP payload.
type PayloadInfo struct {
	Data        []byte
	FirstPacket bool
	// KeyFrame is only meaningful when FirstPacket is set.
	KeyFrame  bool
	PictureID int
}

// Packetizer splits encoded frames into RTP payloads. Implementations
// may keep state such as picture IDs and are not safe for concurrent
// use.
type Packetizer interface {
	Packetize(image *EncodedImage, maxPayload int) ([][]byte, error)
}

// Depacketizer parses one RTP payload.
type Depacketizer interface {
	Depacketize(payload []byte) (PayloadInfo, error)
}

// NewPacketizer returns the payload format used for kind.
func NewPacketizer(kind Kind) Packetizer {
	if kind == KindVP8 {
		return &vp8Packetizer{payloader: &codecs.VP8Payloader{EnablePictureID: true}}
	}
	return genericPacketizer{}
}

// NewDepacketizer returns the payload parser used for kind.
func NewDepacketizer(kind Kind) Depacketizer {
	if kind == KindVP8 {
		return vp8Depacketizer{}
	}
	return genericDepacketizer{}
}

type vp8Packetizer struct {
	payloader *codecs.VP8Payloader
}

func (p *vp8Packetizer) Packetize(image *EncodedImage, maxPayload int) ([][]byte, error) {
	// The VP8 descriptor with a 15-bit picture ID takes 4 bytes.
	if maxPayload <= 4 || maxPayload > 0xffff {
		return nil, fmt.Errorf("%w: %d", ErrPayloadTooSmall, maxPayload)
	}
	if len(image.Data) == 0 {
		return nil, nil
	}
	return p.payloader.Payload(uint16(maxPayload), image.Data), nil
}

type vp8Depacketizer struct{}

func (vp8Depacketizer) Depacketize(payload []byte) (PayloadInfo, error) {
	var pkt codecs.VP8Packet
	data, err := pkt.Unmarshal(payload)
	if err != nil {
		return PayloadInfo{}, fmt.Errorf("%w: %v", ErrShortPayload, err)
	}
	info := PayloadInfo{
		Data:        data,
		FirstPacket: pkt.S == 1 && pkt.PID == 0,
		PictureID:   int(pkt.PictureID),
	}
	if info.FirstPacket {
		info.KeyFrame = IsKeyFrame(data)
	}
	return info, nil
}

type genericPacketizer struct{}

func (genericPacketizer) Packetize(image *EncodedImage, maxPayload int) ([][]byte, error) {
	room := maxPayload - genericHeaderSize
	if room <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrPayloadTooSmall, maxPayload)
	}
	data := image.Data
	if len(data) == 0 {
		return nil, nil
	}

	// Spread the data evenly so the last fragment is not tiny.
	count := (len(data) + room - 1) / room
	chunk := (len(data) + count - 1) / count

	out := make([][]byte, 0, count)
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		p := make([]byte, genericHeaderSize+end-off)
		if off == 0 {
			p[0] |= genericFirstPacketBit
		}
		if image.FrameType == FrameKey {
			p[0] |= genericKeyFrameBit
		}
		copy(p[genericHeaderSize:], data[off:end])
		out = append(out, p)
	}
	return out, nil
}

type genericDepacketizer struct{}

func (genericDepacketizer) Depacketize(payload []byte) (PayloadInfo, error) {
	if len(payload) < genericHeaderSize {
		return PayloadInfo{}, ErrShortPayload
	}
	return PayloadInfo{
		Data:        payload[genericHeaderSize:],
		FirstPacket: payload[0]&genericFirstPacketBit != 0,
		KeyFrame:    payload[0]&genericKeyFrameBit != 0,
	}, nil
}
