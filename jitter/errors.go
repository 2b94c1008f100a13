package jitter

import "errors"

var (
	// ErrDuplicate indicates a packet that is already buffered.
	ErrDuplicate = errors.New("duplicate packet")

	// ErrTooOld indicates a packet belonging to an already decoded frame.
	ErrTooOld = errors.New("packet older than last decoded frame")

	// ErrWaitingForKey indicates a delta packet dropped while decoding is broken.
	ErrWaitingForKey = errors.New("waiting for key frame")
)
