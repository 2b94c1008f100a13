package srtp

import "errors"

// Configuration errors.
var (
	// ErrInvalidConfig indicates a cipher, auth and security combination that is not allowed.
	ErrInvalidConfig = errors.New("invalid SRTP parameters")

	// ErrInvalidKey indicates a missing key or a key shorter than the configured lengths.
	ErrInvalidKey = errors.New("invalid SRTP key")
)

// Packet errors.
var (
	// ErrShortPacket indicates a packet too short to carry the protected fields.
	ErrShortPacket = errors.New("packet too short")

	// ErrAuthFailed indicates an authentication tag mismatch.
	ErrAuthFailed = errors.New("authentication tag mismatch")

	// ErrIndexExhausted indicates the SRTCP index space is used up for the key.
	ErrIndexExhausted = errors.New("SRTCP index exhausted")
)

// External encryption errors.
var (
	// ErrTransformFailed indicates a callback that reported failure or an out-of-range length.
	ErrTransformFailed = errors.New("encryption callback failed")
)
