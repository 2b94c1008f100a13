package transport

import "errors"

// Address errors.
var (
	// ErrInvalidPort indicates a port outside 0..65535.
	ErrInvalidPort = errors.New("invalid port")

	// ErrInvalidAddress indicates an IP address that does not parse.
	ErrInvalidAddress = errors.New("invalid IP address")
)

// Socket errors.
var (
	// ErrBind indicates the RTP or RTCP socket could not be bound.
	ErrBind = errors.New("failed to bind socket")

	// ErrClosed indicates use of a closed socket pair.
	ErrClosed = errors.New("socket pair closed")

	// ErrNoDestination indicates a send without a destination address.
	ErrNoDestination = errors.New("no send destination")
)

// QoS errors.
var (
	// ErrInvalidDSCP indicates a DSCP value outside 0..63.
	ErrInvalidDSCP = errors.New("DSCP must be 0..63")

	// ErrUnsupportedServiceType indicates a GQoS service type that cannot be honored.
	ErrUnsupportedServiceType = errors.New("unsupported GQoS service type")
)
