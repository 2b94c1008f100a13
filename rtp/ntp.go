package rtp

import "time"

// ntpEpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const ntpEpochOffset = 2208988800

// ToNTP converts t to a 64-bit NTP timestamp.
func ToNTP(t time.Time) uint64 {
	nanos := t.UnixNano()
	sec := uint64(nanos/1e9) + ntpEpochOffset
	frac := (uint64(nanos%1e9) << 32) / 1e9
	return sec<<32 | frac
}

// FromNTP converts a 64-bit NTP timestamp to time.
func FromNTP(ntp uint64) time.Time {
	sec := int64(ntp>>32) - ntpEpochOffset
	nanos := int64(((ntp & 0xffffffff) * 1e9) >> 32)
	return time.Unix(sec, nanos)
}

// CompactNTP returns the middle 32 bits of an NTP timestamp as used in
// LSR and DLSR fields.
func CompactNTP(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}

// CompactDuration converts d to 1/65536 second units.
func CompactDuration(d time.Duration) uint32 {
	if d < 0 {
		return 0
	}
	return uint32(d * 65536 / time.Second)
}

// FromCompact converts 1/65536 second units to a duration.
func FromCompact(v uint32) time.Duration {
	return time.Duration(uint64(v) * uint64(time.Second) / 65536)
}
