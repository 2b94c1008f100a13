package video

import (
	"fmt"
)

// Frame is a raw I420 picture.
//
// The Y plane is Width*Height bytes and is followed by the U and V
// planes, each ChromaWidth*ChromaHeight bytes. Strides equal plane
// widths.
type Frame struct {
	Width  int
	Height int
	Buffer []byte

	// Timestamp is the 90 kHz RTP timestamp of the frame.
	Timestamp uint32
	// RenderTimeMs is the wall-clock time in milliseconds at which the
	// frame should be displayed. Zero means as soon as possible.
	RenderTimeMs int64
}

// I420Size returns the buffer size of an I420 frame with the given
// dimensions.
func I420Size(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return width*height + 2*cw*ch
}

// NewFrame allocates a black frame of the given dimensions.
func NewFrame(width, height int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	f := &Frame{
		Width:  width,
		Height: height,
		Buffer: make([]byte, I420Size(width, height)),
	}
	f.Fill(16, 128, 128)
	return f, nil
}

// FrameFromBuffer wraps buf as a frame without copying it.
func FrameFromBuffer(buf []byte, width, height int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	if need := I420Size(width, height); len(buf) < need {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrBufferTooSmall, len(buf), need)
	}
	return &Frame{
		Width:  width,
		Height: height,
		Buffer: buf[:I420Size(width, height)],
	}, nil
}

// ChromaWidth returns the width of the U and V planes.
func (f *Frame) ChromaWidth() int { return (f.Width + 1) / 2 }

// ChromaHeight returns the height of the U and V planes.
func (f *Frame) ChromaHeight() int { return (f.Height + 1) / 2 }

// Size returns the number of bytes in the frame buffer.
func (f *Frame) Size() int { return len(f.Buffer) }

// Y returns the luminance plane.
func (f *Frame) Y() []byte {
	return f.Buffer[:f.Width*f.Height]
}

// U returns the first chroma plane.
func (f *Frame) U() []byte {
	ys := f.Width * f.Height
	cs := f.ChromaWidth() * f.ChromaHeight()
	return f.Buffer[ys : ys+cs]
}

// V returns the second chroma plane.
func (f *Frame) V() []byte {
	ys := f.Width * f.Height
	cs := f.ChromaWidth() * f.ChromaHeight()
	return f.Buffer[ys+cs : ys+2*cs]
}

// Fill sets every sample of each plane to the given values.
func (f *Frame) Fill(y, u, v byte) {
	for i, p := range [][]byte{f.Y(), f.U(), f.V()} {
		val := []byte{y, u, v}[i]
		for j := range p {
			p[j] = val
		}
	}
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Buffer = append([]byte(nil), f.Buffer...)
	return &c
}

// Validate checks that the buffer matches the frame dimensions.
func (f *Frame) Validate() error {
	if f == nil {
		return ErrNilFrame
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, f.Width, f.Height)
	}
	if need := I420Size(f.Width, f.Height); len(f.Buffer) != need {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrBufferTooSmall, len(f.Buffer), need)
	}
	return nil
}
