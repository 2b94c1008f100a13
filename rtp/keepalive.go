package rtp

import (
	"sync"
	"time"
)

// Keep-alive interval limits.
const (
	MinKeepAliveInterval = time.Second
	MaxKeepAliveInterval = 60 * time.Second
)

// KeepAlivePayload is the single byte a keep-alive packet carries.
var KeepAlivePayload = []byte{0}

// KeepAlive schedules one-byte packets on a dedicated payload type
// whenever no media has been sent for the configured interval.
type KeepAlive struct {
	mu          sync.Mutex
	enabled     bool
	payloadType uint8
	interval    time.Duration
	last        time.Time
	sent        uint64
}

// NewKeepAlive creates a disabled schedule.
func NewKeepAlive() *KeepAlive {
	return &KeepAlive{}
}

// Enable turns the schedule on. It fails if already enabled or the
// interval is out of range.
func (k *KeepAlive) Enable(payloadType uint8, interval time.Duration, now time.Time) error {
	if interval < MinKeepAliveInterval || interval > MaxKeepAliveInterval {
		return ErrInvalidKeepAliveInterval
	}
	if payloadType > 127 {
		return ErrInvalidPayloadType
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.enabled {
		return ErrKeepAliveState
	}
	k.enabled = true
	k.payloadType = payloadType
	k.interval = interval
	k.last = now
	return nil
}

// Disable turns the schedule off. It fails if not enabled.
func (k *KeepAlive) Disable() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.enabled {
		return ErrKeepAliveState
	}
	k.enabled = false
	return nil
}

// Status returns the current configuration.
func (k *KeepAlive) Status() (enabled bool, payloadType uint8, interval time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.enabled, k.payloadType, k.interval
}

// Restart sets the idle reference to now; called on StartSend.
func (k *KeepAlive) Restart(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.last = now
}

// OnMediaSent postpones the next keep-alive.
func (k *KeepAlive) OnMediaSent(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if now.After(k.last) {
		k.last = now
	}
}

// Due reports whether a keep-alive must be sent now and, if so,
// records it as sent.
func (k *KeepAlive) Due(now time.Time) (uint8, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.enabled || now.Sub(k.last) < k.interval {
		return 0, false
	}
	k.last = now
	k.sent++
	return k.payloadType, true
}

// Sent returns the number of keep-alive packets scheduled so far.
func (k *KeepAlive) Sent() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sent
}
