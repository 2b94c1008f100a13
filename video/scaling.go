package video

import (
	"fmt"
)

// Scaler resizes I420 frames with bilinear interpolation.
//
// The encoder path uses it to bring capture frames to the send codec
// resolution.
type Scaler struct{}

// NewScaler creates a new frame scaler.
func NewScaler() *Scaler {
	return &Scaler{}
}

// Scale resizes frame to targetWidth x targetHeight.
//
// Parameters:
//   - frame: Source frame
//   - targetWidth: Target width (must be even)
//   - targetHeight: Target height (must be even)
//
// Returns:
//   - *Frame: Scaled frame carrying the source timestamps
//   - error: Any error that occurred during scaling
func (s *Scaler) Scale(frame *Frame, targetWidth, targetHeight int) (*Frame, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if targetWidth <= 0 || targetHeight <= 0 || targetWidth%2 != 0 || targetHeight%2 != 0 {
		return nil, fmt.Errorf("%w: target %dx%d", ErrInvalidDimensions, targetWidth, targetHeight)
	}

	if frame.Width == targetWidth && frame.Height == targetHeight {
		return frame.Clone(), nil
	}

	result := &Frame{
		Width:        targetWidth,
		Height:       targetHeight,
		Buffer:       make([]byte, I420Size(targetWidth, targetHeight)),
		Timestamp:    frame.Timestamp,
		RenderTimeMs: frame.RenderTimeMs,
	}

	s.scalePlane(frame.Y(), frame.Width, frame.Height, result.Y(), targetWidth, targetHeight)
	s.scalePlane(frame.U(), frame.ChromaWidth(), frame.ChromaHeight(),
		result.U(), result.ChromaWidth(), result.ChromaHeight())
	s.scalePlane(frame.V(), frame.ChromaWidth(), frame.ChromaHeight(),
		result.V(), result.ChromaWidth(), result.ChromaHeight())

	return result, nil
}

// scalePlane scales one plane using bilinear interpolation.
func (s *Scaler) scalePlane(src []byte, srcWidth, srcHeight int, dst []byte, dstWidth, dstHeight int) {
	xRatio := float64(srcWidth) / float64(dstWidth)
	yRatio := float64(srcHeight) / float64(dstHeight)

	for y := 0; y < dstHeight; y++ {
		srcY := float64(y) * yRatio
		y1 := int(srcY)
		y2 := min(y1+1, srcHeight-1)
		fy := srcY - float64(y1)

		for x := 0; x < dstWidth; x++ {
			srcX := float64(x) * xRatio
			x1 := int(srcX)
			x2 := min(x1+1, srcWidth-1)
			fx := srcX - float64(x1)

			p11 := float64(src[y1*srcWidth+x1])
			p12 := float64(src[y1*srcWidth+x2])
			p21 := float64(src[y2*srcWidth+x1])
			p22 := float64(src[y2*srcWidth+x2])

			top := p11*(1-fx) + p12*fx
			bottom := p21*(1-fx) + p22*fx
			dst[y*dstWidth+x] = byte(top*(1-fy) + bottom*fy + 0.5)
		}
	}
}

// IsScalingRequired reports whether a frame must be resized.
func (s *Scaler) IsScalingRequired(srcWidth, srcHeight, dstWidth, dstHeight int) bool {
	return srcWidth != dstWidth || srcHeight != dstHeight
}
