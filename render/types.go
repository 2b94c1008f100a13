package render

import (
	"fmt"

	"github.com/opd-ai/videoengine/video"
)

// Rect is a normalized placement inside a window.
type Rect struct {
	Left   float64
	Top    float64
	Right  float64
	Bottom float64
}

// FullWindow covers the whole window.
var FullWindow = Rect{Left: 0, Top: 0, Right: 1, Bottom: 1}

// Validate requires 0 <= Left < Right <= 1 and the same for Top and
// Bottom.
func (r Rect) Validate() error {
	if r.Left < 0 || r.Right > 1 || r.Left >= r.Right ||
		r.Top < 0 || r.Bottom > 1 || r.Top >= r.Bottom {
		return fmt.Errorf("%w: (%g,%g)-(%g,%g)", ErrInvalidRect, r.Left, r.Top, r.Right, r.Bottom)
	}
	return nil
}

// Window is a drawing surface owned by the caller.
type Window interface {
	RenderFrame(frame *video.Frame, zOrder int, placement Rect) error
}

// ExternalRenderer receives raw frames. Both methods return 0 on
// success.
type ExternalRenderer interface {
	FrameSizeChange(width, height, numberOfStreams int) int
	DeliverFrame(buf []byte, timestamp uint32) int
}

// PixelFormat is the buffer layout handed to an ExternalRenderer.
type PixelFormat int

const (
	// PixelI420 is Y, then U, then V.
	PixelI420 PixelFormat = iota
	// PixelYV12 is Y, then V, then U.
	PixelYV12
)

// String returns the format name.
func (p PixelFormat) String() string {
	switch p {
	case PixelI420:
		return "I420"
	case PixelYV12:
		return "YV12"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(p))
	}
}

func (p PixelFormat) convert(f *video.Frame) []byte {
	if p == PixelI420 {
		return f.Buffer
	}
	out := make([]byte, 0, len(f.Buffer))
	out = append(out, f.Y()...)
	out = append(out, f.V()...)
	return append(out, f.U()...)
}

// State is the lifecycle of a binding.
type State int

const (
	// StateUnbound means the source has no renderer.
	StateUnbound State = iota
	// StateStopped means a renderer is bound but not started.
	StateStopped
	// StateRendering means frames reach the renderer.
	StateRendering
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateStopped:
		return "stopped"
	case StateRendering:
		return "rendering"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
