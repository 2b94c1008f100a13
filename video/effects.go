package video

import (
	"fmt"
)

// EffectFilter transforms a frame in place.
//
// Transform receives the whole I420 buffer and may modify it. A
// non-zero return value reports a failure; the frame is then passed on
// unchanged from the point of failure.
type EffectFilter interface {
	Transform(size int, buf []byte, timestamp uint32, width, height int) int
}

// EffectFilterFunc adapts an ordinary function to EffectFilter.
type EffectFilterFunc func(size int, buf []byte, timestamp uint32, width, height int) int

// Transform calls f.
func (f EffectFilterFunc) Transform(size int, buf []byte, timestamp uint32, width, height int) int {
	return f(size, buf, timestamp, width, height)
}

// ApplyFilter runs filter on frame.
func ApplyFilter(filter EffectFilter, frame *Frame) error {
	if filter == nil {
		return nil
	}
	if err := frame.Validate(); err != nil {
		return err
	}
	if rc := filter.Transform(frame.Size(), frame.Buffer, frame.Timestamp, frame.Width, frame.Height); rc != 0 {
		return fmt.Errorf("%w: code %d", ErrFilterFailed, rc)
	}
	return nil
}

// EffectChain runs several filters in sequence and is itself a filter.
type EffectChain struct {
	filters []EffectFilter
}

// NewEffectChain creates a chain from the given filters.
func NewEffectChain(filters ...EffectFilter) *EffectChain {
	return &EffectChain{filters: filters}
}

// Add appends a filter to the chain.
func (ec *EffectChain) Add(filter EffectFilter) {
	ec.filters = append(ec.filters, filter)
}

// Len returns the number of filters in the chain.
func (ec *EffectChain) Len() int {
	return len(ec.filters)
}

// Transform runs each filter and stops at the first failure.
func (ec *EffectChain) Transform(size int, buf []byte, timestamp uint32, width, height int) int {
	for _, f := range ec.filters {
		if rc := f.Transform(size, buf, timestamp, width, height); rc != 0 {
			return rc
		}
	}
	return 0
}

// BrightnessFilter shifts luminance by a fixed amount.
type BrightnessFilter struct {
	adjustment int // -255 to +255
}

// NewBrightnessFilter creates a brightness filter. The adjustment is
// clamped to [-255, 255].
func NewBrightnessFilter(adjustment int) *BrightnessFilter {
	return &BrightnessFilter{adjustment: max(-255, min(255, adjustment))}
}

// Transform adjusts the Y plane.
func (b *BrightnessFilter) Transform(size int, buf []byte, _ uint32, width, height int) int {
	if size < width*height {
		return -1
	}
	for i := 0; i < width*height; i++ {
		buf[i] = clampByte(int(buf[i]) + b.adjustment)
	}
	return 0
}

// String returns the filter name.
func (b *BrightnessFilter) String() string {
	return fmt.Sprintf("Brightness(%+d)", b.adjustment)
}

// ContrastFilter scales luminance around mid-gray.
type ContrastFilter struct {
	factor float64 // 0.0 = gray, 1.0 = normal
}

// NewContrastFilter creates a contrast filter. The factor is clamped to
// [0, 3].
func NewContrastFilter(factor float64) *ContrastFilter {
	return &ContrastFilter{factor: max(0.0, min(3.0, factor))}
}

// Transform adjusts the Y plane.
func (c *ContrastFilter) Transform(size int, buf []byte, _ uint32, width, height int) int {
	if size < width*height {
		return -1
	}
	const midpoint = 128.0
	for i := 0; i < width*height; i++ {
		buf[i] = clampByte(int(midpoint + (float64(buf[i])-midpoint)*c.factor + 0.5))
	}
	return 0
}

// String returns the filter name.
func (c *ContrastFilter) String() string {
	return fmt.Sprintf("Contrast(%.2f)", c.factor)
}

// GrayscaleFilter sets both chroma planes to neutral.
type GrayscaleFilter struct{}

// Transform neutralizes U and V.
func (GrayscaleFilter) Transform(size int, buf []byte, _ uint32, width, height int) int {
	if size < I420Size(width, height) {
		return -1
	}
	for i := width * height; i < I420Size(width, height); i++ {
		buf[i] = 128
	}
	return 0
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
