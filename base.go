package videoengine

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Base is the lifecycle facet: initialization, channels, send and
// receive state, and the audio link.
type Base struct {
	e *Engine
}

// Init starts the engine workers. Calling it again succeeds.
func (b Base) Init() error {
	return b.e.track("Init", b.e.init())
}

// Version returns the engine version string.
func (b Base) Version() string {
	return version
}

// LastError returns the code of the most recent facet call: 0 after a
// success, otherwise the code of its ErrorKind.
func (b Base) LastError() ErrorCode {
	return ErrorCode(b.e.lastErr.Load())
}

// CPULoad returns the most recent encoder and decoder load sample and
// the highest one seen, in percent.
func (b Base) CPULoad() (last, peak int) {
	return b.e.load.load()
}

// CreateChannel creates a channel with its own encoder group and
// returns its id.
func (b Base) CreateChannel() (int, error) {
	id, err := b.e.createChannel(-1)
	return id, b.e.track("CreateChannel", err)
}

// CreateChildChannel creates a channel sharing parent's encoder, receive
// codec table and payload-type registry.
func (b Base) CreateChildChannel(parent int) (int, error) {
	id, err := b.e.createChannel(parent)
	return id, b.e.track("CreateChildChannel", err)
}

func (e *Engine) createChannel(parentID int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized || e.closed {
		return -1, ErrNotInitialized
	}
	if len(e.channels) >= e.cfg.MaxChannels {
		return -1, fmt.Errorf("%w: limit %d", ErrTooManyChannels, e.cfg.MaxChannels)
	}

	var parent *channel
	var group *channelGroup
	if parentID >= 0 {
		p, ok := e.channels[parentID]
		if !ok {
			return -1, fmt.Errorf("%w: parent %d", ErrChannelNotFound, parentID)
		}
		parent, group = p, p.group
	}

	id := 0
	for {
		if _, used := e.channels[id]; !used {
			break
		}
		id++
	}
	c, err := newChannel(e, id, group, parent)
	if err != nil {
		return -1, err
	}
	if parent != nil {
		parent.mu.Lock()
		parent.children++
		parent.mu.Unlock()
	}
	e.channels[id] = c

	logrus.WithFields(logrus.Fields{
		"function": "Engine.createChannel",
		"channel":  id,
		"parent":   parentID,
	}).Info("Channel created")
	return id, nil
}

// DeleteChannel removes a stopped channel without observers or live
// children.
func (b Base) DeleteChannel(id int) error {
	return b.e.track("DeleteChannel", b.e.deleteChannel(id))
}

func (e *Engine) deleteChannel(id int) error {
	c, err := e.channel(id)
	if err != nil {
		return err
	}
	release, err := c.drain()
	if err != nil {
		return err
	}
	defer release()

	if c.sending.Load() {
		return ErrSending
	}
	if c.receiving.Load() {
		return ErrReceiving
	}
	if c.hasObservers() {
		return ErrObserversAttached
	}

	e.mu.Lock()
	c.mu.RLock()
	children, captureID := c.children, c.captureID
	c.mu.RUnlock()
	if children > 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrHasChildren, children)
	}
	delete(e.channels, id)
	if entry, ok := e.captures[captureID]; ok {
		delete(entry.channels, id)
	}
	e.mu.Unlock()

	if c.parent != nil {
		c.parent.mu.Lock()
		c.parent.children--
		c.parent.mu.Unlock()
	}
	c.close()
	if err := e.renders.Remove(id); err != nil && KindOf(err) != NotFound {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.deleteChannel",
			"channel":  id,
			"error":    err,
		}).Warn("Failed to remove renderer")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Engine.deleteChannel",
		"channel":  id,
	}).Info("Channel deleted")
	return nil
}

// StartSend starts sending on channel. A send codec and a destination
// or registered transport are required.
func (b Base) StartSend(channel int) error {
	c, err := b.e.channel(channel)
	if err != nil {
		return b.e.track("StartSend", err)
	}
	return b.e.track("StartSend", c.startSend(b.e.now()))
}

// StopSend stops sending. Stopping a channel that is not sending
// succeeds.
func (b Base) StopSend(channel int) error {
	c, err := b.e.channel(channel)
	if err != nil {
		return b.e.track("StopSend", err)
	}
	return b.e.track("StopSend", c.stopSend(b.e.now()))
}

// StartReceive starts receiving on channel. A local receiver or a
// registered transport is required.
func (b Base) StartReceive(channel int) error {
	c, err := b.e.channel(channel)
	if err != nil {
		return b.e.track("StartReceive", err)
	}
	return b.e.track("StartReceive", c.startReceive(b.e.now()))
}

// StopReceive stops receiving. Stopping a channel that is not receiving
// succeeds.
func (b Base) StopReceive(channel int) error {
	c, err := b.e.channel(channel)
	if err != nil {
		return b.e.track("StopReceive", err)
	}
	return b.e.track("StopReceive", c.stopReceive())
}

// SetVoiceEngine attaches the audio engine used for A/V sync. nil
// detaches it.
func (b Base) SetVoiceEngine(audio AudioEngine) error {
	e := b.e
	e.mu.Lock()
	if !e.initialized || e.closed {
		e.mu.Unlock()
		return e.track("SetVoiceEngine", ErrNotInitialized)
	}
	e.audio = audio
	e.mu.Unlock()
	return e.track("SetVoiceEngine", nil)
}

// ConnectAudioChannel links a video channel to an audio channel for
// lip sync.
func (b Base) ConnectAudioChannel(videoChannel, audioChannel int) error {
	return b.e.track("ConnectAudioChannel", b.e.connectAudio(videoChannel, audioChannel))
}

func (e *Engine) connectAudio(videoChannel, audioChannel int) error {
	c, err := e.channel(videoChannel)
	if err != nil {
		return err
	}
	e.mu.RLock()
	audio := e.audio
	e.mu.RUnlock()
	if audio == nil {
		return ErrNoAudioEngine
	}
	if audioChannel < 0 || !audio.HasChannel(audioChannel) {
		return fmt.Errorf("%w: %d", ErrAudioChannelNotFound, audioChannel)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audioChannel >= 0 {
		return fmt.Errorf("%w: %d", ErrAudioConnected, c.audioChannel)
	}
	c.audioChannel = audioChannel
	return nil
}

// DisconnectAudioChannel removes the audio link of videoChannel.
func (b Base) DisconnectAudioChannel(videoChannel int) error {
	c, err := b.e.channel(videoChannel)
	if err != nil {
		return b.e.track("DisconnectAudioChannel", err)
	}
	b.e.mu.RLock()
	audio := b.e.audio
	b.e.mu.RUnlock()
	if audio == nil {
		return b.e.track("DisconnectAudioChannel", ErrNoAudioEngine)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audioChannel < 0 {
		return b.e.track("DisconnectAudioChannel", ErrNoAudioChannel)
	}
	c.audioChannel = -1
	return b.e.track("DisconnectAudioChannel", nil)
}

// RegisterObserver installs the engine-wide observer.
func (b Base) RegisterObserver(observer BaseObserver) error {
	e := b.e
	if observer == nil {
		return e.track("RegisterObserver", fmt.Errorf("%w: nil observer", ErrInvalidArgument))
	}
	e.mu.Lock()
	if e.baseObserver != nil {
		e.mu.Unlock()
		return e.track("RegisterObserver", ErrObserverExists)
	}
	e.baseObserver = observer
	e.mu.Unlock()
	return e.track("RegisterObserver", nil)
}

// DeregisterObserver removes the engine-wide observer.
func (b Base) DeregisterObserver() error {
	e := b.e
	e.mu.Lock()
	if e.baseObserver == nil {
		e.mu.Unlock()
		return e.track("DeregisterObserver", ErrNoObserver)
	}
	e.baseObserver = nil
	e.mu.Unlock()
	return e.track("DeregisterObserver", nil)
}
