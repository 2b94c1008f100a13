package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/videoengine/video"
)

// Capability is the format a device is asked to produce.
type Capability struct {
	Width  int
	Height int
	MaxFPS int
}

// DefaultCapability is used when StartCapture is given a zero capability.
var DefaultCapability = Capability{Width: 352, Height: 288, MaxFPS: 30}

// Validate checks that dimensions and rate are positive.
func (c Capability) Validate() error {
	if c.Width <= 0 || c.Height <= 0 || c.MaxFPS <= 0 {
		return fmt.Errorf("%w: %dx%d@%d", ErrInvalidCapability, c.Width, c.Height, c.MaxFPS)
	}
	return nil
}

// Sink receives captured frames. The frame belongs to the sink.
type Sink func(frame *video.Frame)

// Device is a frame producer that runs between Start and Stop.
type Device interface {
	UniqueID() string
	Name() string
	Start(c Capability, sink Sink) error
	Stop() error
}

// DeviceInfo describes an enumerated device.
type DeviceInfo struct {
	Name     string
	UniqueID string
}

// Enumerator lists the devices the engine can allocate by unique id.
type Enumerator interface {
	NumberOfDevices() int
	Device(index int) (DeviceInfo, error)
	Open(uniqueID string) (Device, error)
}

// StaticEnumerator is an Enumerator over a fixed device list.
type StaticEnumerator struct {
	devices []Device
}

// NewStaticEnumerator lists devices in the given order.
func NewStaticEnumerator(devices ...Device) *StaticEnumerator {
	return &StaticEnumerator{devices: devices}
}

// NumberOfDevices returns the list length.
func (e *StaticEnumerator) NumberOfDevices() int {
	return len(e.devices)
}

// Device returns the name and id of the device at index.
func (e *StaticEnumerator) Device(index int) (DeviceInfo, error) {
	if index < 0 || index >= len(e.devices) {
		return DeviceInfo{}, fmt.Errorf("%w: index %d", ErrDeviceNotFound, index)
	}
	d := e.devices[index]
	return DeviceInfo{Name: d.Name(), UniqueID: d.UniqueID()}, nil
}

// Open returns the device with uniqueID.
func (e *StaticEnumerator) Open(uniqueID string) (Device, error) {
	for _, d := range e.devices {
		if d.UniqueID() == uniqueID {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, uniqueID)
}

// PatternDevice renders a moving test pattern on its own goroutine.
type PatternDevice struct {
	id   string
	name string

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	frames  uint64
	started time.Time
}

// NewPatternDevice creates a test pattern device.
func NewPatternDevice(uniqueID, name string) *PatternDevice {
	return &PatternDevice{id: uniqueID, name: name}
}

// UniqueID returns the device id.
func (d *PatternDevice) UniqueID() string { return d.id }

// Name returns the display name.
func (d *PatternDevice) Name() string { return d.name }

// Start begins producing frames at c.MaxFPS.
func (d *PatternDevice) Start(c Capability, sink Sink) error {
	if err := c.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return ErrAlreadyStarted
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	d.started = time.Now()
	go d.run(c, sink, d.stop, d.done)

	logrus.WithFields(logrus.Fields{
		"function": "PatternDevice.Start",
		"device":   d.id,
		"width":    c.Width,
		"height":   c.Height,
		"fps":      c.MaxFPS,
	}).Debug("Started test pattern")
	return nil
}

// Stop halts frame production and waits for the goroutine to exit.
func (d *PatternDevice) Stop() error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()
	if stop == nil {
		return ErrNotStarted
	}
	close(stop)
	<-done
	return nil
}

// Frames returns the number of frames produced since creation.
func (d *PatternDevice) Frames() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

func (d *PatternDevice) run(c Capability, sink Sink, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(c.MaxFPS))
	defer ticker.Stop()
	for n := 0; ; n++ {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			f := Pattern(c.Width, c.Height, n)
			f.Timestamp = uint32(now.Sub(d.started).Milliseconds() * 90)
			d.mu.Lock()
			d.frames++
			d.mu.Unlock()
			sink(f)
		}
	}
}

// Pattern draws frame n of the test pattern: a luma ramp with a bright
// bar that moves right by 4 pixels per frame.
func Pattern(width, height, n int) *video.Frame {
	f, err := video.NewFrame(width, height)
	if err != nil {
		return nil
	}
	y := f.Y()
	bar := (n * 4) % width
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			v := 16 + (col*219)/width
			if col >= bar && col < bar+8 {
				v = 235
			}
			y[row*width+col] = byte(v)
		}
	}
	return f
}
