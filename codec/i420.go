package codec

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/opd-ai/videoengine/video"
)

// i420HeaderSize is the [width:2][height:2] little-endian prefix.
const i420HeaderSize = 4

// I420Encoder passes raw frames through with a size prefix.
// Every frame is a key frame.
type I420Encoder struct {
	mu       sync.Mutex
	settings Descriptor
	callback EncodeCompleteFunc
	inited   bool
}

// NewI420Encoder creates a raw frame encoder.
func NewI420Encoder() *I420Encoder {
	return &I420Encoder{}
}

// InitEncode stores the settings.
func (e *I420Encoder) InitEncode(settings Descriptor, _ int, _ int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = settings
	e.inited = true
	return nil
}

// Encode emits frame unchanged.
func (e *I420Encoder) Encode(frame *video.Frame, _ *SpecificInfo, frameType FrameType) error {
	e.mu.Lock()
	cb, inited := e.callback, e.inited
	e.mu.Unlock()

	if !inited {
		return ErrUninitialized
	}
	if cb == nil {
		return ErrNoCallback
	}
	if frameType == FrameSkip {
		return nil
	}
	if err := frame.Validate(); err != nil {
		return err
	}

	data := make([]byte, i420HeaderSize+frame.Size())
	binary.LittleEndian.PutUint16(data[0:2], uint16(frame.Width))
	binary.LittleEndian.PutUint16(data[2:4], uint16(frame.Height))
	copy(data[i420HeaderSize:], frame.Buffer)

	img := &EncodedImage{
		Data:          data,
		Timestamp:     frame.Timestamp,
		CaptureTimeMs: frame.RenderTimeMs,
		FrameType:     FrameKey,
		Width:         frame.Width,
		Height:        frame.Height,
		Complete:      true,
	}
	return cb(img, &SpecificInfo{Kind: KindI420}, nil)
}

// RegisterEncodeCompleteCallback sets the output callback.
func (e *I420Encoder) RegisterEncodeCompleteCallback(cb EncodeCompleteFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = cb
	return nil
}

// SetRates is a no-op; raw frames have a fixed size.
func (e *I420Encoder) SetRates(int, int) error { return nil }

// SetPacketLoss is a no-op.
func (e *I420Encoder) SetPacketLoss(int) error { return nil }

// SetPeriodicKeyFrames is a no-op; every frame is a key frame.
func (e *I420Encoder) SetPeriodicKeyFrames(bool) error { return nil }

// Release drops the callback.
func (e *I420Encoder) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = nil
	e.inited = false
	return nil
}

// Reset is a no-op.
func (e *I420Encoder) Reset() error { return nil }

// I420Decoder reverses I420Encoder.
type I420Decoder struct {
	mu       sync.Mutex
	callback DecodeCompleteFunc
	inited   bool
}

// NewI420Decoder creates a raw frame decoder.
func NewI420Decoder() *I420Decoder {
	return &I420Decoder{}
}

// InitDecode prepares the decoder.
func (d *I420Decoder) InitDecode(Descriptor, int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inited = true
	return nil
}

// Decode unpacks a raw frame.
func (d *I420Decoder) Decode(image *EncodedImage, _ bool, _ *Fragmentation, _ *SpecificInfo, renderTimeMs int64) error {
	d.mu.Lock()
	cb, inited := d.callback, d.inited
	d.mu.Unlock()

	if !inited {
		return ErrUninitialized
	}
	if cb == nil {
		return ErrNoCallback
	}
	if len(image.Data) < i420HeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrCorruptBitstream, len(image.Data))
	}
	w := int(binary.LittleEndian.Uint16(image.Data[0:2]))
	h := int(binary.LittleEndian.Uint16(image.Data[2:4]))
	if w == 0 || h == 0 || len(image.Data)-i420HeaderSize != video.I420Size(w, h) {
		return fmt.Errorf("%w: %dx%d with %d bytes", ErrCorruptBitstream, w, h, len(image.Data))
	}

	frame := &video.Frame{
		Width:        w,
		Height:       h,
		Buffer:       append([]byte(nil), image.Data[i420HeaderSize:]...),
		Timestamp:    image.Timestamp,
		RenderTimeMs: renderTimeMs,
	}
	return cb(frame)
}

// RegisterDecodeCompleteCallback sets the output callback.
func (d *I420Decoder) RegisterDecodeCompleteCallback(cb DecodeCompleteFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = cb
	return nil
}

// Release drops the callback.
func (d *I420Decoder) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = nil
	d.inited = false
	return nil
}

// Reset is a no-op.
func (d *I420Decoder) Reset() error { return nil }
