package ratecontrol

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NetworkQuality is the loss class of the last receiver report.
type NetworkQuality int

const (
	// NetworkGood allows the bitrate to grow.
	NetworkGood NetworkQuality = iota
	// NetworkFair holds the bitrate.
	NetworkFair
	// NetworkPoor shrinks the bitrate.
	NetworkPoor
)

// String returns human-readable network quality description.
func (q NetworkQuality) String() string {
	switch q {
	case NetworkGood:
		return "good"
	case NetworkFair:
		return "fair"
	case NetworkPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// Config holds the AIMD parameters.
type Config struct {
	// Loss fractions (0..1) separating the quality classes.
	PoorLoss float64 `yaml:"poor_loss"`
	GoodLoss float64 `yaml:"good_loss"`

	IncreaseStep       float64       `yaml:"increase_step"`
	DecreaseMultiplier float64       `yaml:"decrease_multiplier"`
	BackoffDuration    time.Duration `yaml:"backoff"`
	MinInterval        time.Duration `yaml:"min_interval"`
}

// DefaultConfig returns the parameters used for new channels.
func DefaultConfig() Config {
	return Config{
		PoorLoss:           0.10,
		GoodLoss:           0.02,
		IncreaseStep:       0.08,
		DecreaseMultiplier: 0.85,
		BackoffDuration:    2 * time.Second,
		MinInterval:        time.Second,
	}
}

// Controller tracks the target send bitrate of one encoder group.
// Bitrates are in kbps.
type Controller struct {
	mu     sync.RWMutex
	config Config

	minKbps  int
	maxKbps  int
	target   int
	tmmbrCap int

	quality      NetworkQuality
	lastUpdate   time.Time
	lastDecrease time.Time
	adaptations  uint64
}

// NewController creates a controller starting at startKbps within
// [minKbps, maxKbps].
func NewController(config Config, minKbps, startKbps, maxKbps int) *Controller {
	c := &Controller{config: config}
	c.SetBounds(minKbps, startKbps, maxKbps)

	logrus.WithFields(logrus.Fields{
		"function":   "NewController",
		"min_kbps":   c.minKbps,
		"start_kbps": c.target,
		"max_kbps":   c.maxKbps,
	}).Debug("Created rate controller")
	return c
}

// SetBounds resets the range and the current target, as when the send
// codec changes.
func (c *Controller) SetBounds(minKbps, startKbps, maxKbps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maxKbps < minKbps {
		maxKbps = minKbps
	}
	c.minKbps, c.maxKbps = minKbps, maxKbps
	c.target = clamp(startKbps, minKbps, maxKbps)
}

// SetTMMBRCap caps the target at kbps. Zero removes the cap.
func (c *Controller) SetTMMBRCap(kbps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tmmbrCap = kbps
}

// TMMBRCap returns the current cap, zero when none.
func (c *Controller) TMMBRCap() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tmmbrCap
}

// Target returns the bitrate the encoder group should use.
func (c *Controller) Target() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cappedLocked()
}

// Quality returns the class of the last report.
func (c *Controller) Quality() NetworkQuality {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.quality
}

func (c *Controller) cappedLocked() int {
	if c.tmmbrCap > 0 && c.tmmbrCap < c.target {
		return max(c.tmmbrCap, c.minKbps)
	}
	return c.target
}

// OnReceiverReport feeds the Q8 fraction lost of a receiver report.
// It returns the new target and whether it changed.
func (c *Controller) OnReceiverReport(fractionLost uint8, now time.Time) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.cappedLocked()
	loss := float64(fractionLost) / 256
	c.quality = c.assessLocked(loss)

	if !c.lastUpdate.IsZero() && now.Sub(c.lastUpdate) < c.config.MinInterval && c.quality != NetworkPoor {
		return before, false
	}
	c.lastUpdate = now

	switch c.quality {
	case NetworkPoor:
		c.lastDecrease = now
		c.target = max(c.minKbps, int(float64(c.target)*c.config.DecreaseMultiplier))
	case NetworkGood:
		if c.lastDecrease.IsZero() || now.Sub(c.lastDecrease) >= c.config.BackoffDuration {
			step := max(1, int(float64(c.target)*c.config.IncreaseStep))
			c.target = min(c.maxKbps, c.target+step)
		}
	}

	after := c.cappedLocked()
	if after == before {
		return after, false
	}
	c.adaptations++
	logrus.WithFields(logrus.Fields{
		"function":      "OnReceiverReport",
		"quality":       c.quality.String(),
		"fraction_lost": fractionLost,
		"old_kbps":      before,
		"new_kbps":      after,
	}).Debug("Adapted send bitrate")
	return after, true
}

func (c *Controller) assessLocked(loss float64) NetworkQuality {
	switch {
	case loss > c.config.PoorLoss:
		return NetworkPoor
	case loss < c.config.GoodLoss:
		return NetworkGood
	default:
		return NetworkFair
	}
}

// Adaptations returns how many times the target changed.
func (c *Controller) Adaptations() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adaptations
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
