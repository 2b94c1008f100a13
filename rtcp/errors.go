package rtcp

import "errors"

var (
	// ErrMalformed indicates a datagram that is not a valid sequence of RTCP packets.
	ErrMalformed = errors.New("malformed RTCP packet")

	// ErrModeOff indicates an attempt to compose RTCP while RTCP is disabled.
	ErrModeOff = errors.New("RTCP is disabled")

	// ErrEmpty indicates a compose request with nothing to send.
	ErrEmpty = errors.New("nothing to send")

	// ErrCNAMETooLong indicates a CNAME above 255 bytes.
	ErrCNAMETooLong = errors.New("CNAME exceeds 255 bytes")

	// ErrAppSubType indicates an APP subtype above 31.
	ErrAppSubType = errors.New("APP subtype must be 0..31")

	// ErrAppLength indicates APP data that is nil or not a multiple of 4 bytes.
	ErrAppLength = errors.New("APP data length must be a non-zero multiple of 4")
)
