package video

import "errors"

// Frame validation errors.
var (
	// ErrNilFrame indicates a nil frame was passed.
	ErrNilFrame = errors.New("frame cannot be nil")

	// ErrInvalidDimensions indicates a non-positive or odd-sized target.
	ErrInvalidDimensions = errors.New("invalid frame dimensions")

	// ErrBufferTooSmall indicates the buffer does not hold a full I420 frame.
	ErrBufferTooSmall = errors.New("frame buffer too small")
)

// Filter errors.
var (
	// ErrFilterFailed indicates an effect filter returned a non-zero code.
	ErrFilterFailed = errors.New("effect filter failed")
)
