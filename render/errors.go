package render

import "errors"

var (
	// ErrAlreadyBound indicates a second renderer for a source.
	ErrAlreadyBound = errors.New("source already has a renderer")

	// ErrNotBound indicates a source without a renderer.
	ErrNotBound = errors.New("source has no renderer")

	// ErrInvalidRect indicates coordinates outside 0..1 or an empty area.
	ErrInvalidRect = errors.New("invalid render coordinates")

	// ErrInvalidZOrder indicates a negative z-order.
	ErrInvalidZOrder = errors.New("invalid z-order")

	// ErrNilRenderer indicates a nil window or external renderer.
	ErrNilRenderer = errors.New("renderer is nil")

	// ErrUnsupportedFormat indicates a pixel format external renderers cannot receive.
	ErrUnsupportedFormat = errors.New("unsupported pixel format")

	// ErrInvalidTimeout indicates a non-positive timeout for the timeout image.
	ErrInvalidTimeout = errors.New("invalid render timeout")

	// ErrState indicates starting a rendering binding or stopping a stopped one.
	ErrState = errors.New("renderer already in requested state")

	// ErrRendererFailed indicates a renderer that reported an error.
	ErrRendererFailed = errors.New("renderer failed")
)
