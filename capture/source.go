package capture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/videoengine/video"
)

// StillImageInterval is the spacing of repeated still images.
const StillImageInterval = 100 * time.Millisecond

// ExternalCapture is the push contract for caller-owned frame sources.
// The buffer holds one I420 frame of the given dimensions and is
// copied before DeliverFrame returns.
type ExternalCapture interface {
	DeliverFrame(buf []byte, size, width, height int, timestamp uint32) error
}

// Source is an allocated capture source: a device or an external push
// endpoint plus the processing that runs once per captured frame.
type Source struct {
	id     int
	device Device

	mu        sync.Mutex
	sink      Sink
	started   bool
	still     *video.Frame
	nextStill time.Time
	deflicker *video.Deflicker
	denoiser  *video.Denoiser
	effect    video.EffectFilter

	delivered atomic.Uint64
}

// NewDeviceSource wraps device as source id.
func NewDeviceSource(id int, device Device) *Source {
	return &Source{id: id, device: device}
}

// NewExternalSource creates a push source. The returned ExternalCapture
// feeds it.
func NewExternalSource(id int) (*Source, ExternalCapture) {
	s := &Source{id: id}
	return s, &external{src: s}
}

// ID returns the capture id.
func (s *Source) ID() int { return s.id }

// Device returns the wrapped device, nil for external sources.
func (s *Source) Device() Device { return s.device }

// External reports whether frames are pushed by the caller.
func (s *Source) External() bool { return s.device == nil }

// SetSink installs the frame consumer. nil discards frames.
func (s *Source) SetSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Start starts the device. External sources only record the state.
func (s *Source) Start(c Capability) error {
	if c == (Capability{}) {
		c = DefaultCapability
	}
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if s.device == nil {
		return nil
	}
	if err := s.device.Start(c, s.Deliver); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("start device %q: %w", s.device.UniqueID(), err)
	}
	return nil
}

// Stop stops the device.
func (s *Source) Stop(now time.Time) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	s.nextStill = now
	s.mu.Unlock()

	if s.device == nil {
		return nil
	}
	return s.device.Stop()
}

// Started reports whether the source is running.
func (s *Source) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// SetStillImage installs the frame repeated while the source is
// stopped. nil removes it.
func (s *Source) SetStillImage(f *video.Frame, now time.Time) error {
	if f != nil {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		f = f.Clone()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.still = f
	s.nextStill = now
	return nil
}

// Tick repeats the still image when one is due.
func (s *Source) Tick(now time.Time) {
	s.mu.Lock()
	if s.started || s.still == nil || now.Before(s.nextStill) {
		s.mu.Unlock()
		return
	}
	s.nextStill = now.Add(StillImageInterval)
	f := s.still.Clone()
	f.Timestamp = uint32(now.UnixMilli() * 90)
	s.mu.Unlock()
	s.Deliver(f)
}

// EnableDeflickering turns the deflicker filter on or off.
func (s *Source) EnableDeflickering(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on == (s.deflicker != nil) {
		return ErrFilterState
	}
	if on {
		s.deflicker = video.NewDeflicker()
	} else {
		s.deflicker = nil
	}
	return nil
}

// EnableDenoising turns the denoise filter on or off.
func (s *Source) EnableDenoising(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on == (s.denoiser != nil) {
		return ErrFilterState
	}
	if on {
		s.denoiser = video.NewDenoiser()
	} else {
		s.denoiser = nil
	}
	return nil
}

// RegisterEffectFilter installs the capture effect filter.
func (s *Source) RegisterEffectFilter(f video.EffectFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.effect != nil {
		return ErrFilterExists
	}
	s.effect = f
	return nil
}

// DeregisterEffectFilter removes the capture effect filter.
func (s *Source) DeregisterEffectFilter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.effect == nil {
		return ErrNoFilter
	}
	s.effect = nil
	return nil
}

// Delivered returns the number of frames passed to the sink.
func (s *Source) Delivered() uint64 {
	return s.delivered.Load()
}

// Deliver processes f and passes it to the sink.
func (s *Source) Deliver(f *video.Frame) {
	s.mu.Lock()
	sink := s.sink
	deflicker, denoiser, effect := s.deflicker, s.denoiser, s.effect
	s.mu.Unlock()
	if sink == nil {
		return
	}

	if deflicker != nil {
		deflicker.Process(f)
	}
	if denoiser != nil {
		denoiser.Process(f)
	}
	if err := video.ApplyFilter(effect, f); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Source.Deliver",
			"capture_id": s.id,
			"error":      err.Error(),
		}).Warn("Capture effect filter failed")
	}
	s.delivered.Add(1)
	sink(f)
}

type external struct {
	src *Source
}

func (e *external) DeliverFrame(buf []byte, size, width, height int, timestamp uint32) error {
	if buf == nil || size > len(buf) {
		return fmt.Errorf("%w: size %d exceeds buffer", ErrInvalidFrame, size)
	}
	if need := video.I420Size(width, height); width <= 0 || height <= 0 || size < need {
		return fmt.Errorf("%w: %dx%d needs %d bytes, got %d", ErrInvalidFrame, width, height, need, size)
	}
	f, err := video.FrameFromBuffer(append([]byte(nil), buf[:size]...), width, height)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	f.Timestamp = timestamp
	e.src.Deliver(f)
	return nil
}
