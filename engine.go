package videoengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/videoengine/capture"
	"github.com/opd-ai/videoengine/config"
	"github.com/opd-ai/videoengine/render"
	"github.com/opd-ai/videoengine/stats"
	"github.com/opd-ai/videoengine/video"
)

// version is reported by Base().Version.
const version = "videoengine 1.0.0"

// firstCaptureID starts the capture id namespace, separate from
// channel ids.
const firstCaptureID = 0x1001

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "videoengine"

// AudioEngine is the part of a voice engine the video engine needs to
// link channels and synchronize playout.
type AudioEngine interface {
	HasChannel(channel int) bool
	// PlayoutDelay is the audio delay added to video render times.
	PlayoutDelay(channel int) (time.Duration, error)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithTimeProvider replaces the engine clock.
func WithTimeProvider(tp TimeProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.clock = tp
		}
	}
}

// WithEnumerator installs the device list used by AllocateCaptureDevice.
func WithEnumerator(en capture.Enumerator) Option {
	return func(e *Engine) {
		e.enumerator = en
	}
}

type captureEntry struct {
	src      *capture.Source
	uniqueID string
	channels map[int]struct{}
}

// Engine is one video engine instance. Its facets are obtained with
// Base, Capture, Codec, RTPRTCP, Network, ImageProcess, Render and
// Encryption; every facet method is safe for concurrent use.
type Engine struct {
	cfg        config.Config
	clock      TimeProvider
	enumerator capture.Enumerator
	renders    *render.Manager
	load       *loadMonitor
	encoders   *encoderQueue

	mu           sync.RWMutex
	initialized  bool
	closed       bool
	channels     map[int]*channel
	captures     map[int]*captureEntry
	audio        AudioEngine
	baseObserver BaseObserver

	lastErr atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	processMu sync.Mutex
}

// New creates an engine from cfg. Base().Init must be called before
// channels can be created.
//
// Parameters:
//   - cfg: engine settings, usually from config.Load or config.Default
//   - opts: clock and device enumerator overrides
//
// Returns the engine, or an error wrapping config.ErrInvalid.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, wrap("New", err)
	}
	if err := cfg.Apply(); err != nil {
		return nil, wrap("New", err)
	}

	e := &Engine{
		cfg:      cfg,
		clock:    DefaultTimeProvider{},
		renders:  render.NewManager(),
		load:     newLoadMonitor(cfg.CPUAlarmThreshold),
		encoders: newEncoderQueue(),
		channels: make(map[int]*channel),
		captures: make(map[int]*captureEntry),
	}
	for _, opt := range opts {
		opt(e)
	}

	logrus.WithFields(logrus.Fields{
		"function":         "New",
		"process_interval": cfg.ProcessInterval,
		"max_channels":     cfg.MaxChannels,
	}).Info("Video engine created")
	return e, nil
}

// Base returns the lifecycle facet.
func (e *Engine) Base() Base { return Base{e} }

// Capture returns the capture facet.
func (e *Engine) Capture() Capture { return Capture{e} }

// Codec returns the codec facet.
func (e *Engine) Codec() Codec { return Codec{e} }

// RTPRTCP returns the RTP/RTCP facet.
func (e *Engine) RTPRTCP() RTPRTCP { return RTPRTCP{e} }

// Network returns the network facet.
func (e *Engine) Network() Network { return Network{e} }

// ImageProcess returns the image processing facet.
func (e *Engine) ImageProcess() ImageProcess { return ImageProcess{e} }

// Render returns the render facet.
func (e *Engine) Render() Render { return Render{e} }

// Encryption returns the encryption facet.
func (e *Engine) Encryption() Encryption { return Encryption{e} }

// Config returns the settings the engine was created with.
func (e *Engine) Config() config.Config { return e.cfg }

// now reads the engine clock.
func (e *Engine) now() time.Time { return e.clock.Now() }

// init starts the workers. Calling it again is a no-op.
func (e *Engine) init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.initialized {
		return nil
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.group, e.ctx = errgroup.WithContext(e.ctx)
	e.group.Go(func() error { return e.runProcess(e.ctx) })
	e.group.Go(func() error { return e.runEncoder(e.ctx) })
	e.initialized = true

	logrus.WithFields(logrus.Fields{
		"function": "Engine.init",
	}).Info("Video engine initialized")
	return nil
}

// Close stops the workers and releases capture sources. It fails while
// channels exist.
func (e *Engine) Close() error {
	e.mu.Lock()
	if len(e.channels) > 0 {
		n := len(e.channels)
		e.mu.Unlock()
		return e.track("Close", fmt.Errorf("%w: %d", ErrChannelsExist, n))
	}
	if e.closed {
		e.mu.Unlock()
		return e.track("Close", nil)
	}
	e.closed = true
	captures := make([]*captureEntry, 0, len(e.captures))
	for id, entry := range e.captures {
		captures = append(captures, entry)
		delete(e.captures, id)
	}
	cancel, group := e.cancel, e.group
	e.mu.Unlock()

	now := e.now()
	for _, entry := range captures {
		if entry.src.Started() {
			if err := entry.src.Stop(now); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Engine.Close",
					"capture":  entry.src.ID(),
					"error":    err,
				}).Warn("Failed to stop capture")
			}
		}
		e.renders.ForgetImages(entry.src.ID())
	}

	var err error
	if cancel != nil {
		cancel()
		err = group.Wait()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Engine.Close",
	}).Info("Video engine closed")
	return e.track("Close", err)
}

// track records the outcome of a facet call for LastError and wraps
// failures into *Error.
func (e *Engine) track(op string, err error) error {
	if err == nil {
		e.lastErr.Store(int32(CodeOK))
		return nil
	}
	err = wrap(op, err)
	e.lastErr.Store(int32(KindOf(err).Code()))
	logrus.WithFields(logrus.Fields{
		"function": op,
		"error":    err,
	}).Debug("Call failed")
	return err
}

// workers returns the context and group channel goroutines run under.
func (e *Engine) workers() (context.Context, *errgroup.Group, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.initialized || e.closed {
		return nil, nil, ErrNotInitialized
	}
	return e.ctx, e.group, nil
}

// channel returns channel id.
func (e *Engine) channel(id int) (*channel, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.initialized || e.closed {
		return nil, ErrNotInitialized
	}
	c, ok := e.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChannelNotFound, id)
	}
	return c, nil
}

// channelList returns the channels ordered by id.
func (e *Engine) channelList() []*channel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*channel, 0, len(e.channels))
	for _, c := range e.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ObserverRecord returns the notification counters of channel.
func (e *Engine) ObserverRecord(channel int) (ObserverRecord, error) {
	c, err := e.channel(channel)
	if err != nil {
		return ObserverRecord{}, e.track("ObserverRecord", err)
	}
	return c.observerRecord(), e.track("ObserverRecord", nil)
}

// MetricsCollector returns a Prometheus collector over the engine's
// channels.
func (e *Engine) MetricsCollector() *stats.Collector {
	return stats.NewCollector(metricsNamespace, e)
}

// Snapshots implements stats.Source.
func (e *Engine) Snapshots() []stats.ChannelSnapshot {
	now := e.now()
	chans := e.channelList()
	out := make([]stats.ChannelSnapshot, 0, len(chans))
	for _, c := range chans {
		out = append(out, c.snapshot(now))
	}
	return out
}

// runProcess is the module goroutine.
func (e *Engine) runProcess(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ProcessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.process(e.now())
		}
	}
}

// process runs one module iteration at now: per-channel timers, render
// and capture timers, load sampling and observer dispatch.
func (e *Engine) process(now time.Time) {
	e.processMu.Lock()
	defer e.processMu.Unlock()

	chans := e.channelList()
	for _, c := range chans {
		c.process(now)
	}

	e.renders.Tick(now)

	e.mu.RLock()
	sources := make([]*capture.Source, 0, len(e.captures))
	for _, entry := range e.captures {
		sources = append(sources, entry.src)
	}
	observer := e.baseObserver
	e.mu.RUnlock()
	for _, src := range sources {
		src.Tick(now)
	}

	if load, crossed := e.load.sample(now); crossed && observer != nil {
		observer.PerformanceAlarm(load)
	}

	for _, c := range chans {
		c.dispatch()
	}
}

// onCapturedFrame fans a captured frame out to the encoder groups of
// the connected channels and to a preview renderer.
func (e *Engine) onCapturedFrame(id int, f *video.Frame) {
	now := e.now()
	if f.Timestamp == 0 {
		f.Timestamp = uint32(now.UnixMilli() * 90)
	}
	if f.RenderTimeMs == 0 {
		f.RenderTimeMs = now.UnixMilli()
	}

	e.mu.RLock()
	entry, ok := e.captures[id]
	var groups []*channelGroup
	if ok {
		seen := make(map[*channelGroup]bool)
		for chID := range entry.channels {
			c, ok := e.channels[chID]
			if !ok || seen[c.group] {
				continue
			}
			seen[c.group] = true
			groups = append(groups, c.group)
		}
	}
	e.mu.RUnlock()

	for _, g := range groups {
		e.encoders.push(g, f)
	}
	if err := e.renders.Deliver(id, f, now); err != nil && KindOf(err) != NotFound {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.onCapturedFrame",
			"capture":  id,
			"error":    err,
		}).Debug("Preview render failed")
	}
}

// sourceExists reports whether id is a channel or a capture source.
func (e *Engine) sourceExists(id int) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.initialized || e.closed {
		return ErrNotInitialized
	}
	if _, ok := e.channels[id]; ok {
		return nil
	}
	if _, ok := e.captures[id]; ok {
		return nil
	}
	return fmt.Errorf("%w: render source %d", ErrChannelNotFound, id)
}
