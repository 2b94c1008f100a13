package codec

import "errors"

// Descriptor validation errors.
var (
	// ErrInvalidDescriptor indicates a descriptor field is out of range.
	ErrInvalidDescriptor = errors.New("invalid codec descriptor")

	// ErrUnknownCodec indicates the codec kind or index is not in the registry.
	ErrUnknownCodec = errors.New("unknown codec")

	// ErrNoImplementation indicates the codec has no built-in implementation.
	ErrNoImplementation = errors.New("codec has no built-in implementation")
)

// Encoder and decoder errors.
var (
	// ErrUninitialized indicates Encode or Decode was called before Init.
	ErrUninitialized = errors.New("codec not initialized")

	// ErrNoCallback indicates no completion callback is registered.
	ErrNoCallback = errors.New("no completion callback registered")

	// ErrCorruptBitstream indicates the encoded data could not be parsed.
	ErrCorruptBitstream = errors.New("corrupt bitstream")

	// ErrMissingReference indicates a delta frame arrived without a usable reference.
	ErrMissingReference = errors.New("delta frame without reference")
)

// Payload format errors.
var (
	// ErrShortPayload indicates an RTP payload too short for its format header.
	ErrShortPayload = errors.New("payload too short")

	// ErrPayloadTooSmall indicates the MTU leaves no room for payload data.
	ErrPayloadTooSmall = errors.New("maximum payload size too small")
)
