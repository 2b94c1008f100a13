package render

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/videoengine/video"
)

// MaxPendingFrames bounds the frames held for a future render time.
const MaxPendingFrames = 30

// Stats counts what a binding has shown.
type Stats struct {
	Frames        uint64
	StartImages   uint64
	TimeoutImages uint64
	Dropped       uint64
	Failures      uint64
}

type images struct {
	start   *video.Frame
	timeout *video.Frame
	after   time.Duration
}

type binding struct {
	source int
	window Window
	ext    ExternalRenderer
	format PixelFormat
	z      int
	rect   Rect
	state  State

	mirror, upDown, leftRight bool

	gotFrame    bool
	lastFrame   time.Time
	showingIdle bool
	width       int
	height      int
	pending     []*video.Frame
	stats       Stats
}

// Manager owns the render bindings of an engine. It is safe for
// concurrent use; renderers are called with the manager lock held, so
// they must not call back into it.
type Manager struct {
	mu       sync.Mutex
	bindings map[int]*binding
	images   map[int]*images
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		bindings: make(map[int]*binding),
		images:   make(map[int]*images),
	}
}

// AddWindow binds source to a window.
func (m *Manager) AddWindow(source int, w Window, zOrder int, r Rect) error {
	if w == nil {
		return ErrNilRenderer
	}
	if zOrder < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidZOrder, zOrder)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	return m.add(&binding{source: source, window: w, z: zOrder, rect: r, state: StateStopped})
}

// AddExternal binds source to an external renderer.
func (m *Manager) AddExternal(source int, format PixelFormat, r ExternalRenderer) error {
	if r == nil {
		return ErrNilRenderer
	}
	if format != PixelI420 && format != PixelYV12 {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return m.add(&binding{source: source, ext: r, format: format, rect: FullWindow, state: StateStopped})
}

func (m *Manager) add(b *binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[b.source]; ok {
		return fmt.Errorf("%w: source %d", ErrAlreadyBound, b.source)
	}
	m.bindings[b.source] = b

	logrus.WithFields(logrus.Fields{
		"function": "Manager.add",
		"source":   b.source,
		"external": b.ext != nil,
	}).Debug("Added renderer")
	return nil
}

// Remove unbinds source.
func (m *Manager) Remove(source int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[source]; !ok {
		return fmt.Errorf("%w: source %d", ErrNotBound, source)
	}
	delete(m.bindings, source)
	return nil
}

// Configure moves a window binding.
func (m *Manager) Configure(source, zOrder int, r Rect) error {
	if zOrder < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidZOrder, zOrder)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.lookupLocked(source)
	if err != nil {
		return err
	}
	b.z, b.rect = zOrder, r
	return nil
}

// Placement returns the z-order and rectangle of a binding.
func (m *Manager) Placement(source int) (int, Rect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.lookupLocked(source)
	if err != nil {
		return 0, Rect{}, err
	}
	return b.z, b.rect, nil
}

// Mirror flips rendered frames of source.
func (m *Manager) Mirror(source int, enable, upDown, leftRight bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.lookupLocked(source)
	if err != nil {
		return err
	}
	b.mirror, b.upDown, b.leftRight = enable, upDown, leftRight
	return nil
}

// Start moves source to Rendering and shows the start image when no
// frame has been rendered yet.
func (m *Manager) Start(source int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.lookupLocked(source)
	if err != nil {
		return err
	}
	if b.state == StateRendering {
		return ErrState
	}
	b.state = StateRendering
	b.lastFrame = now
	if !b.gotFrame {
		m.showStartLocked(b)
	}
	return nil
}

// Stop moves source back to Stopped and drops held frames.
func (m *Manager) Stop(source int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.lookupLocked(source)
	if err != nil {
		return err
	}
	if b.state != StateRendering {
		return ErrState
	}
	b.state = StateStopped
	b.stats.Dropped += uint64(len(b.pending))
	b.pending = nil
	return nil
}

// State returns the binding state of source.
func (m *Manager) State(source int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bindings[source]; ok {
		return b.state
	}
	return StateUnbound
}

// Stats returns the counters of source.
func (m *Manager) Stats(source int) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.lookupLocked(source)
	if err != nil {
		return Stats{}, err
	}
	return b.stats, nil
}

// SetStartImage installs the image shown before the first frame. nil
// removes it.
func (m *Manager) SetStartImage(source int, f *video.Frame) error {
	if f != nil {
		if err := f.Validate(); err != nil {
			return err
		}
		f = f.Clone()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imagesLocked(source).start = f
	return nil
}

// SetTimeoutImage installs the image shown after timeout without a
// frame. nil removes it.
func (m *Manager) SetTimeoutImage(source int, f *video.Frame, timeout time.Duration) error {
	if f != nil {
		if err := f.Validate(); err != nil {
			return err
		}
		if timeout <= 0 {
			return fmt.Errorf("%w: %v", ErrInvalidTimeout, timeout)
		}
		f = f.Clone()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	img := m.imagesLocked(source)
	img.timeout, img.after = f, timeout
	return nil
}

// SourceStopped shows the start image again until the next real frame.
func (m *Manager) SourceStopped(source int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[source]
	if !ok {
		return
	}
	b.gotFrame = false
	if b.state == StateRendering {
		m.showStartLocked(b)
	}
}

// Deliver renders f on source, or holds it until its render time.
// Frames for bindings that are not rendering are dropped.
func (m *Manager) Deliver(source int, f *video.Frame, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.lookupLocked(source)
	if err != nil {
		return err
	}
	if b.state != StateRendering {
		b.stats.Dropped++
		return nil
	}
	b.gotFrame = true
	b.lastFrame = now
	b.showingIdle = false

	if f.RenderTimeMs > now.UnixMilli() {
		if len(b.pending) >= MaxPendingFrames {
			b.pending = b.pending[1:]
			b.stats.Dropped++
		}
		b.pending = append(b.pending, f)
		sort.SliceStable(b.pending, func(i, j int) bool {
			return b.pending[i].RenderTimeMs < b.pending[j].RenderTimeMs
		})
		return nil
	}
	if err := m.showLocked(b, f); err != nil {
		return err
	}
	b.stats.Frames++
	return nil
}

// Tick renders held frames that are due and substitutes timeout
// images.
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bindings {
		if b.state != StateRendering {
			continue
		}
		for len(b.pending) > 0 && b.pending[0].RenderTimeMs <= now.UnixMilli() {
			f := b.pending[0]
			b.pending = b.pending[1:]
			if err := m.showLocked(b, f); err == nil {
				b.stats.Frames++
			}
		}

		img := m.images[b.source]
		if img == nil || img.timeout == nil || b.showingIdle || len(b.pending) > 0 {
			continue
		}
		if now.Sub(b.lastFrame) >= img.after {
			b.showingIdle = true
			if err := m.showLocked(b, img.timeout.Clone()); err == nil {
				b.stats.TimeoutImages++
			}
		}
	}
}

func (m *Manager) showStartLocked(b *binding) {
	img := m.images[b.source]
	if img == nil || img.start == nil {
		return
	}
	if err := m.showLocked(b, img.start.Clone()); err == nil {
		b.stats.StartImages++
	}
}

func (m *Manager) showLocked(b *binding, f *video.Frame) error {
	if b.mirror && (b.upDown || b.leftRight) {
		f = f.Clone()
		video.Mirror(f, b.upDown, b.leftRight)
	}

	if b.window != nil {
		if err := b.window.RenderFrame(f, b.z, b.rect); err != nil {
			b.stats.Failures++
			return fmt.Errorf("%w: %v", ErrRendererFailed, err)
		}
		return nil
	}

	if f.Width != b.width || f.Height != b.height {
		if rc := b.ext.FrameSizeChange(f.Width, f.Height, 1); rc != 0 {
			b.stats.Failures++
			return fmt.Errorf("%w: FrameSizeChange returned %d", ErrRendererFailed, rc)
		}
		b.width, b.height = f.Width, f.Height
	}
	if rc := b.ext.DeliverFrame(b.format.convert(f), f.Timestamp); rc != 0 {
		b.stats.Failures++
		logrus.WithFields(logrus.Fields{
			"function": "Manager.showLocked",
			"source":   b.source,
			"code":     rc,
		}).Debug("External renderer rejected frame")
		return fmt.Errorf("%w: DeliverFrame returned %d", ErrRendererFailed, rc)
	}
	return nil
}

func (m *Manager) lookupLocked(source int) (*binding, error) {
	b, ok := m.bindings[source]
	if !ok {
		return nil, fmt.Errorf("%w: source %d", ErrNotBound, source)
	}
	return b, nil
}

func (m *Manager) imagesLocked(source int) *images {
	img, ok := m.images[source]
	if !ok {
		img = &images{}
		m.images[source] = img
	}
	return img
}

// ForgetImages drops the start and timeout images of source.
func (m *Manager) ForgetImages(source int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.images, source)
}
