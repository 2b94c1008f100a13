package rtp

import "errors"

// Sender errors.
var (
	// ErrFrozen indicates SSRC or start sequence changes while sending.
	ErrFrozen = errors.New("sender state is frozen while sending")
)

// Payload registry errors.
var (
	// ErrPayloadTypeInUse indicates the payload type belongs to a conflicting owner.
	ErrPayloadTypeInUse = errors.New("payload type already in use")

	// ErrInvalidPayloadType indicates a payload type above 127.
	ErrInvalidPayloadType = errors.New("invalid payload type")

	// ErrPayloadTypeNotOwned indicates a release for a payload type the owner does not hold.
	ErrPayloadTypeNotOwned = errors.New("payload type not registered for owner")
)

// Keep-alive errors.
var (
	// ErrInvalidKeepAliveInterval indicates an interval outside 1..60 seconds.
	ErrInvalidKeepAliveInterval = errors.New("keep-alive interval must be 1..60 seconds")

	// ErrKeepAliveState indicates enabling an enabled or disabling a disabled schedule.
	ErrKeepAliveState = errors.New("keep-alive already in requested state")
)

// Dump errors.
var (
	// ErrDumpHeader indicates the file does not start with an rtpdump header.
	ErrDumpHeader = errors.New("invalid rtpdump header")

	// ErrDumpRecord indicates a truncated or inconsistent dump record.
	ErrDumpRecord = errors.New("invalid rtpdump record")

	// ErrDumpClosed indicates a write to a closed dump.
	ErrDumpClosed = errors.New("rtpdump is closed")
)
