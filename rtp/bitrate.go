package rtp

import (
	"sync"
	"time"
)

// DefaultRateWindow is the averaging window of a BitrateMeter.
const DefaultRateWindow = time.Second

type rateSample struct {
	at    time.Time
	bytes int
}

// BitrateMeter measures a byte stream's rate over a sliding window.
type BitrateMeter struct {
	mu      sync.Mutex
	window  time.Duration
	samples []rateSample
	sum     int
	total   uint64
}

// NewBitrateMeter creates a meter averaging over window.
func NewBitrateMeter(window time.Duration) *BitrateMeter {
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &BitrateMeter{window: window}
}

// Add records bytes at now.
func (m *BitrateMeter) Add(bytes int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, rateSample{at: now, bytes: bytes})
	m.sum += bytes
	m.total += uint64(bytes)
	m.expireLocked(now)
}

func (m *BitrateMeter) expireLocked(now time.Time) {
	cut := 0
	for cut < len(m.samples) && now.Sub(m.samples[cut].at) >= m.window {
		m.sum -= m.samples[cut].bytes
		cut++
	}
	if cut > 0 {
		m.samples = append(m.samples[:0], m.samples[cut:]...)
	}
}

// BitsPerSecond returns the rate over the window ending at now.
func (m *BitrateMeter) BitsPerSecond(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(now)
	return int(int64(m.sum) * 8 * int64(time.Second) / int64(m.window))
}

// Kbps returns the rate in kilobits per second.
func (m *BitrateMeter) Kbps(now time.Time) int {
	return m.BitsPerSecond(now) / 1000
}

// Total returns every byte ever added.
func (m *BitrateMeter) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}
