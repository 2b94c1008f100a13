package codec

import (
	"github.com/opd-ai/videoengine/video"
)

// FrameType classifies an encoded frame.
type FrameType int

const (
	// FrameDelta depends on earlier frames.
	FrameDelta FrameType = iota
	// FrameKey is independently decodable.
	FrameKey
	// FrameGolden is a delta frame kept as a long-term reference.
	FrameGolden
	// FrameSkip asks the encoder to drop the frame.
	FrameSkip
)

// String returns the frame type name.
func (t FrameType) String() string {
	switch t {
	case FrameDelta:
		return "delta"
	case FrameKey:
		return "key"
	case FrameGolden:
		return "golden"
	case FrameSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// EncodedImage is one compressed frame.
type EncodedImage struct {
	Data          []byte
	Timestamp     uint32
	CaptureTimeMs int64
	FrameType     FrameType
	Width         int
	Height        int
	// Complete is false when the receive side assembled the frame with
	// missing packets.
	Complete bool
}

// SpecificInfo carries codec-specific side information between the
// encoder and the packetizer, or the depacketizer and the decoder.
type SpecificInfo struct {
	Kind         Kind
	PictureID    int
	NonReference bool
}

// Fragmentation describes partition boundaries inside an EncodedImage.
type Fragmentation struct {
	Offsets []int
	Lengths []int
}

// EncodeCompleteFunc receives each frame an encoder produces.
type EncodeCompleteFunc func(image *EncodedImage, info *SpecificInfo, frag *Fragmentation) error

// DecodeCompleteFunc receives each frame a decoder produces.
type DecodeCompleteFunc func(frame *video.Frame) error

// Encoder is the contract for internal and external video encoders.
type Encoder interface {
	InitEncode(settings Descriptor, cores int, maxPayloadSize int) error
	Encode(frame *video.Frame, info *SpecificInfo, frameType FrameType) error
	RegisterEncodeCompleteCallback(cb EncodeCompleteFunc) error
	SetRates(bitrateKbps, framerate int) error
	SetPacketLoss(lossPercent int) error
	SetPeriodicKeyFrames(enable bool) error
	Release() error
	Reset() error
}

// Decoder is the contract for internal and external video decoders.
type Decoder interface {
	InitDecode(settings Descriptor, cores int) error
	Decode(image *EncodedImage, missingFrames bool, frag *Fragmentation, info *SpecificInfo, renderTimeMs int64) error
	RegisterDecodeCompleteCallback(cb DecodeCompleteFunc) error
	Release() error
	Reset() error
}

// NewEncoder returns the built-in encoder for kind.
func NewEncoder(kind Kind) (Encoder, error) {
	switch kind {
	case KindVP8:
		return NewBlockEncoder(), nil
	case KindI420:
		return NewI420Encoder(), nil
	default:
		return nil, ErrNoImplementation
	}
}

// NewDecoder returns the built-in decoder for kind.
func NewDecoder(kind Kind) (Decoder, error) {
	switch kind {
	case KindVP8:
		return NewBlockDecoder(), nil
	case KindI420:
		return NewI420Decoder(), nil
	default:
		return nil, ErrNoImplementation
	}
}
