package rtcp

import "fmt"

// Mode selects how a channel sends RTCP.
type Mode int

const (
	// ModeOff disables RTCP.
	ModeOff Mode = iota
	// ModeCompound sends RFC 4585 compound packets.
	ModeCompound
	// ModeReducedSize allows RFC 5506 feedback without reports.
	ModeReducedSize
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeCompound:
		return "compound"
	case ModeReducedSize:
		return "reduced-size"
	default:
		return "unknown"
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m >= ModeOff && m <= ModeReducedSize
}

// MaxCNAMELength is the longest CNAME an SDES item can carry.
const MaxCNAMELength = 255

// ParseMode reads a mode name as returned by String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "off", "none":
		return ModeOff, nil
	case "compound":
		return ModeCompound, nil
	case "reduced-size":
		return ModeReducedSize, nil
	}
	return ModeOff, fmt.Errorf("unknown RTCP mode %q", s)
}
