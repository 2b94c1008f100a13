package ratecontrol

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyFrameInterval is the minimum spacing of key frame requests.
const KeyFrameInterval = 500 * time.Millisecond

// KeyFrameLimiter allows at most one key frame request per interval.
type KeyFrameLimiter struct {
	limiter *rate.Limiter
}

// NewKeyFrameLimiter creates a limiter with the given interval.
func NewKeyFrameLimiter(interval time.Duration) *KeyFrameLimiter {
	if interval <= 0 {
		interval = KeyFrameInterval
	}
	return &KeyFrameLimiter{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Allow reports whether a request may be sent at now.
func (k *KeyFrameLimiter) Allow(now time.Time) bool {
	return k.limiter.AllowN(now, 1)
}

// RetransmitPacer bounds the bytes spent on NACK retransmissions.
type RetransmitPacer struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// minRetransmitBurst lets a few full-size packets through at once.
const minRetransmitBurst = 4 * 1500

// NewRetransmitPacer creates a pacer for kbps.
func NewRetransmitPacer(kbps int) *RetransmitPacer {
	p := &RetransmitPacer{}
	p.SetRate(kbps)
	return p
}

// SetRate changes the allowed retransmission rate and refills the
// bucket.
func (p *RetransmitPacer) SetRate(kbps int) {
	bytesPerSec := max(kbps, 1) * 1000 / 8
	burst := max(bytesPerSec/10, minRetransmitBurst)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// Allow reports whether size bytes may be retransmitted at now.
func (p *RetransmitPacer) Allow(now time.Time, size int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limiter.AllowN(now, size)
}
