package capture

import "errors"

var (
	// ErrDeviceNotFound indicates an unknown device index or unique id.
	ErrDeviceNotFound = errors.New("capture device not found")

	// ErrAlreadyStarted indicates a start on a running source.
	ErrAlreadyStarted = errors.New("capture already started")

	// ErrNotStarted indicates a stop on a source that is not running.
	ErrNotStarted = errors.New("capture not started")

	// ErrInvalidCapability indicates non-positive dimensions or frame rate.
	ErrInvalidCapability = errors.New("invalid capture capability")

	// ErrInvalidFrame indicates a pushed buffer that does not hold an I420 frame.
	ErrInvalidFrame = errors.New("invalid captured frame")

	// ErrFilterState indicates enabling an enabled filter or disabling a disabled one.
	ErrFilterState = errors.New("filter already in requested state")

	// ErrFilterExists indicates a second capture effect filter.
	ErrFilterExists = errors.New("capture effect filter already registered")

	// ErrNoFilter indicates deregistering an absent capture effect filter.
	ErrNoFilter = errors.New("no capture effect filter registered")
)
