package rtcp

import (
	"sync"
	"time"

	"github.com/pion/randutil"
	pionrtcp "github.com/pion/rtcp"

	"github.com/opd-ai/videoengine/rtp"
)

// DefaultVideoInterval is the nominal spacing of video RTCP reports.
const DefaultVideoInterval = time.Second

// Scheduler decides when the next periodic report is due. Each
// interval is drawn uniformly from 0.5 to 1.5 times the nominal one.
type Scheduler struct {
	mu      sync.Mutex
	nominal time.Duration
	next    time.Time
	rng     randutil.MathRandomGenerator
}

// NewScheduler creates a scheduler with the given nominal interval.
func NewScheduler(nominal time.Duration) *Scheduler {
	if nominal <= 0 {
		nominal = DefaultVideoInterval
	}
	return &Scheduler{nominal: nominal, rng: randutil.NewMathRandomGenerator()}
}

// Start arms the first report half an interval from now.
func (s *Scheduler) Start(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = now.Add(s.nominal / 2)
}

// Due reports whether a periodic report must be sent at now. When it
// returns true the next deadline is drawn.
func (s *Scheduler) Due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next.IsZero() || now.Before(s.next) {
		return false
	}
	s.next = now.Add(s.jitteredLocked())
	return true
}

// Stop disarms the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = time.Time{}
}

func (s *Scheduler) jitteredLocked() time.Duration {
	half := int(s.nominal / 2 / time.Millisecond)
	return s.nominal/2 + time.Duration(s.rng.Intn(2*half+1))*time.Millisecond
}

// RTT derives the round-trip time from a reception report block that
// arrived at arrival. It returns zero when the block carries no LSR.
func RTT(block pionrtcp.ReceptionReport, arrival time.Time) time.Duration {
	if block.LastSenderReport == 0 {
		return 0
	}
	now := rtp.CompactNTP(rtp.ToNTP(arrival))
	rtt := int64(now) - int64(block.LastSenderReport) - int64(block.Delay)
	if rtt < 0 {
		return 0
	}
	return rtp.FromCompact(uint32(rtt))
}
