package videoengine

import (
	"fmt"
	"time"

	"github.com/opd-ai/videoengine/render"
	"github.com/opd-ai/videoengine/video"
)

// Render is the render facet. A source is a channel id or a capture id;
// each source renders to at most one window or external renderer.
type Render struct {
	e *Engine
}

// AddRenderer binds source to window at the normalized placement rect.
func (rd Render) AddRenderer(source int, window render.Window, zOrder int, rect render.Rect) error {
	if err := rd.e.sourceExists(source); err != nil {
		return rd.e.track("AddRenderer", err)
	}
	return rd.e.track("AddRenderer", rd.e.renders.AddWindow(source, window, zOrder, rect))
}

// AddExternalRenderer routes the frames of source to r in format.
func (rd Render) AddExternalRenderer(source int, format render.PixelFormat, r render.ExternalRenderer) error {
	if err := rd.e.sourceExists(source); err != nil {
		return rd.e.track("AddExternalRenderer", err)
	}
	return rd.e.track("AddExternalRenderer", rd.e.renders.AddExternal(source, format, r))
}

// RemoveRenderer unbinds source.
func (rd Render) RemoveRenderer(source int) error {
	return rd.e.track("RemoveRenderer", rd.e.renders.Remove(source))
}

// ConfigureRender moves an existing window binding.
func (rd Render) ConfigureRender(source, zOrder int, rect render.Rect) error {
	return rd.e.track("ConfigureRender", rd.e.renders.Configure(source, zOrder, rect))
}

// MirrorRenderStream flips the frames of source before they are shown.
func (rd Render) MirrorRenderStream(source int, enable, upDown, leftRight bool) error {
	return rd.e.track("MirrorRenderStream", rd.e.renders.Mirror(source, enable, upDown, leftRight))
}

// StartRender starts showing frames of source.
func (rd Render) StartRender(source int) error {
	return rd.e.track("StartRender", rd.e.renders.Start(source, rd.e.now()))
}

// StopRender stops showing frames of source.
func (rd Render) StopRender(source int) error {
	return rd.e.track("StopRender", rd.e.renders.Stop(source))
}

// SetRenderStartImage installs the frame shown before the first real
// frame and again after the capture source stops.
func (rd Render) SetRenderStartImage(source int, frame *video.Frame) error {
	if err := rd.e.sourceExists(source); err != nil {
		return rd.e.track("SetRenderStartImage", err)
	}
	return rd.e.track("SetRenderStartImage", rd.e.renders.SetStartImage(source, frame))
}

// SetRenderTimeoutImage installs the frame shown when no frame arrived
// for timeout.
func (rd Render) SetRenderTimeoutImage(source int, frame *video.Frame, timeout time.Duration) error {
	if err := rd.e.sourceExists(source); err != nil {
		return rd.e.track("SetRenderTimeoutImage", err)
	}
	return rd.e.track("SetRenderTimeoutImage", rd.e.renders.SetTimeoutImage(source, frame, timeout))
}

// GetRenderState returns the binding state of source.
func (rd Render) GetRenderState(source int) render.State {
	rd.e.track("GetRenderState", nil)
	return rd.e.renders.State(source)
}

// GetRenderStatistics returns what the binding of source has shown.
func (rd Render) GetRenderStatistics(source int) (render.Stats, error) {
	st, err := rd.e.renders.Stats(source)
	if err != nil {
		return render.Stats{}, rd.e.track("GetRenderStatistics", fmt.Errorf("source %d: %w", source, err))
	}
	return st, rd.e.track("GetRenderStatistics", nil)
}
