package videoengine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/videoengine/capture"
	"github.com/opd-ai/videoengine/video"
)

// Capture is the capture facet: allocation of devices and external
// sources and their connection to channels.
type Capture struct {
	e *Engine
}

// NumberOfCaptureDevices returns how many devices the enumerator lists.
func (cp Capture) NumberOfCaptureDevices() (int, error) {
	en, err := cp.e.requireEnumerator()
	if err != nil {
		return 0, cp.e.track("NumberOfCaptureDevices", err)
	}
	return en.NumberOfDevices(), cp.e.track("NumberOfCaptureDevices", nil)
}

// GetCaptureDevice describes the enumerated device at index.
func (cp Capture) GetCaptureDevice(index int) (capture.DeviceInfo, error) {
	en, err := cp.e.requireEnumerator()
	if err != nil {
		return capture.DeviceInfo{}, cp.e.track("GetCaptureDevice", err)
	}
	info, err := en.Device(index)
	return info, cp.e.track("GetCaptureDevice", err)
}

func (e *Engine) requireEnumerator() (capture.Enumerator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.initialized || e.closed {
		return nil, ErrNotInitialized
	}
	if e.enumerator == nil {
		return nil, ErrNoEnumerator
	}
	return e.enumerator, nil
}

// AllocateCaptureDevice opens the enumerated device uniqueID and
// returns its capture id.
func (cp Capture) AllocateCaptureDevice(uniqueID string) (int, error) {
	en, err := cp.e.requireEnumerator()
	if err != nil {
		return -1, cp.e.track("AllocateCaptureDevice", err)
	}
	if cp.e.captureAllocated(uniqueID) {
		return -1, cp.e.track("AllocateCaptureDevice", fmt.Errorf("%w: %q", ErrCaptureAllocated, uniqueID))
	}
	dev, err := en.Open(uniqueID)
	if err != nil {
		return -1, cp.e.track("AllocateCaptureDevice", err)
	}
	id, err := cp.e.addCapture(uniqueID, func(id int) *capture.Source {
		return capture.NewDeviceSource(id, dev)
	})
	return id, cp.e.track("AllocateCaptureDevice", err)
}

// AllocateCaptureModule allocates a caller-supplied device.
func (cp Capture) AllocateCaptureModule(dev capture.Device) (int, error) {
	if dev == nil {
		return -1, cp.e.track("AllocateCaptureModule", fmt.Errorf("%w: nil device", ErrInvalidArgument))
	}
	if cp.e.captureAllocated(dev.UniqueID()) {
		return -1, cp.e.track("AllocateCaptureModule", fmt.Errorf("%w: %q", ErrCaptureAllocated, dev.UniqueID()))
	}
	id, err := cp.e.addCapture(dev.UniqueID(), func(id int) *capture.Source {
		return capture.NewDeviceSource(id, dev)
	})
	return id, cp.e.track("AllocateCaptureModule", err)
}

// AllocateExternalCaptureDevice creates a push source. Frames delivered
// to the returned ExternalCapture reach the connected channels whether
// or not the source is started.
func (cp Capture) AllocateExternalCaptureDevice() (int, capture.ExternalCapture, error) {
	var push capture.ExternalCapture
	id, err := cp.e.addCapture("", func(id int) *capture.Source {
		src, ext := capture.NewExternalSource(id)
		push = ext
		return src
	})
	if err != nil {
		return -1, nil, cp.e.track("AllocateExternalCaptureDevice", err)
	}
	return id, push, cp.e.track("AllocateExternalCaptureDevice", nil)
}

func (e *Engine) captureAllocated(uniqueID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, entry := range e.captures {
		if entry.uniqueID != "" && entry.uniqueID == uniqueID {
			return true
		}
	}
	return false
}

// addCapture reserves the lowest free capture id and installs the
// source built for it.
func (e *Engine) addCapture(uniqueID string, build func(id int) *capture.Source) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized || e.closed {
		return -1, ErrNotInitialized
	}
	if len(e.captures) >= e.cfg.MaxCaptureDevices {
		return -1, fmt.Errorf("%w: limit %d", ErrTooManyCaptureDevices, e.cfg.MaxCaptureDevices)
	}
	id := firstCaptureID
	for {
		if _, used := e.captures[id]; !used {
			break
		}
		id++
	}
	src := build(id)
	src.SetSink(func(f *video.Frame) { e.onCapturedFrame(id, f) })
	e.captures[id] = &captureEntry{src: src, uniqueID: uniqueID, channels: make(map[int]struct{})}

	logrus.WithFields(logrus.Fields{
		"function": "Engine.addCapture",
		"capture":  id,
		"device":   uniqueID,
		"external": src.External(),
	}).Info("Capture source allocated")
	return id, nil
}

// capture returns capture source id.
func (e *Engine) capture(id int) (*captureEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.initialized || e.closed {
		return nil, ErrNotInitialized
	}
	entry, ok := e.captures[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrCaptureNotFound, id)
	}
	return entry, nil
}

// ReleaseCaptureDevice stops and removes a capture source that feeds no
// channel.
func (cp Capture) ReleaseCaptureDevice(id int) error {
	return cp.e.track("ReleaseCaptureDevice", cp.e.releaseCapture(id))
}

func (e *Engine) releaseCapture(id int) error {
	e.mu.Lock()
	if !e.initialized || e.closed {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	entry, ok := e.captures[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrCaptureNotFound, id)
	}
	if n := len(entry.channels); n > 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d channels", ErrCaptureConnected, n)
	}
	delete(e.captures, id)
	e.mu.Unlock()

	entry.src.SetSink(nil)
	if entry.src.Started() {
		if err := entry.src.Stop(e.now()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.releaseCapture",
				"capture":  id,
				"error":    err,
			}).Warn("Failed to stop capture")
		}
	}
	e.renders.ForgetImages(id)
	if err := e.renders.Remove(id); err != nil && KindOf(err) != NotFound {
		return err
	}
	return nil
}

// ConnectCaptureDevice feeds channel from capture source captureID.
func (cp Capture) ConnectCaptureDevice(captureID, channel int) error {
	return cp.e.track("ConnectCaptureDevice", cp.e.connectCapture(captureID, channel))
}

func (e *Engine) connectCapture(captureID, channelID int) error {
	c, err := e.channel(channelID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.captures[captureID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrCaptureNotFound, captureID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.captureID >= 0 {
		return fmt.Errorf("%w: %d", ErrChannelHasCapture, c.captureID)
	}
	c.captureID = captureID
	entry.channels[channelID] = struct{}{}
	return nil
}

// DisconnectCaptureDevice detaches channel from its capture source.
func (cp Capture) DisconnectCaptureDevice(channel int) error {
	return cp.e.track("DisconnectCaptureDevice", cp.e.disconnectCapture(channel))
}

func (e *Engine) disconnectCapture(channelID int) error {
	c, err := e.channel(channelID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.captureID < 0 {
		return ErrNoCapture
	}
	if entry, ok := e.captures[c.captureID]; ok {
		delete(entry.channels, channelID)
	}
	c.captureID = -1
	return nil
}

// StartCapture starts capture source id. A zero capability selects
// capture.DefaultCapability.
func (cp Capture) StartCapture(id int, capability capture.Capability) error {
	entry, err := cp.e.capture(id)
	if err != nil {
		return cp.e.track("StartCapture", err)
	}
	return cp.e.track("StartCapture", entry.src.Start(capability))
}

// StopCapture stops capture source id. Renderers bound to it show their
// start image again.
func (cp Capture) StopCapture(id int) error {
	entry, err := cp.e.capture(id)
	if err != nil {
		return cp.e.track("StopCapture", err)
	}
	if err := entry.src.Stop(cp.e.now()); err != nil {
		return cp.e.track("StopCapture", err)
	}
	cp.e.renders.SourceStopped(id)
	return cp.e.track("StopCapture", nil)
}

// SetCaptureDeviceImage installs the frame repeated to connected
// channels while the source is stopped. nil removes it.
func (cp Capture) SetCaptureDeviceImage(id int, frame *video.Frame) error {
	entry, err := cp.e.capture(id)
	if err != nil {
		return cp.e.track("SetCaptureDeviceImage", err)
	}
	return cp.e.track("SetCaptureDeviceImage", entry.src.SetStillImage(frame, cp.e.now()))
}

// CapturedFrames returns how many frames source id has delivered.
func (cp Capture) CapturedFrames(id int) (uint64, error) {
	entry, err := cp.e.capture(id)
	if err != nil {
		return 0, cp.e.track("CapturedFrames", err)
	}
	return entry.src.Delivered(), cp.e.track("CapturedFrames", nil)
}
