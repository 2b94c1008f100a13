package fec

import "errors"

var (
	// ErrShortPacket indicates an RTP, RED or FEC packet too short to parse.
	ErrShortPacket = errors.New("packet too short")

	// ErrBadREDBlock indicates a RED header that overruns the payload.
	ErrBadREDBlock = errors.New("invalid RED block header")

	// ErrTooManyPackets indicates more media packets than one mask can cover.
	ErrTooManyPackets = errors.New("too many media packets for one FEC mask")
)
