package videoengine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// loadSamplePeriod is how often busy time is turned into a load figure.
const loadSamplePeriod = time.Second

// loadMonitor turns encoder and decoder busy time into a CPU load
// percentage and reports threshold crossings in both directions.
type loadMonitor struct {
	busy      atomic.Int64 // nanoseconds since the last sample
	threshold int

	mu          sync.Mutex
	windowStart time.Time
	alarmed     bool
	last        int
	peak        int
}

func newLoadMonitor(threshold int) *loadMonitor {
	return &loadMonitor{threshold: threshold}
}

// add accounts d of encode or decode work.
func (m *loadMonitor) add(d time.Duration) {
	if d > 0 {
		m.busy.Add(int64(d))
	}
}

// sample closes the window ending at now once a full period has passed.
// It returns the load and whether it crossed the threshold since the
// previous sample.
func (m *loadMonitor) sample(now time.Time) (load int, crossed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.windowStart.IsZero() {
		m.windowStart = now
		m.busy.Store(0)
		return 0, false
	}
	elapsed := now.Sub(m.windowStart)
	if elapsed < loadSamplePeriod {
		return m.last, false
	}
	m.windowStart = now

	busy := time.Duration(m.busy.Swap(0))
	load = int(busy * 100 / elapsed)
	m.last = load
	if load > m.peak {
		m.peak = load
	}

	over := load >= m.threshold
	if over == m.alarmed {
		return load, false
	}
	m.alarmed = over
	logrus.WithFields(logrus.Fields{
		"function":  "loadMonitor.sample",
		"load":      load,
		"threshold": m.threshold,
		"alarmed":   over,
	}).Warn("CPU load crossed alarm threshold")
	return load, true
}

// load returns the most recent sample and the highest seen.
func (m *loadMonitor) load() (last, peak int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.peak
}
