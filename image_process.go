package videoengine

import (
	"fmt"

	"github.com/opd-ai/videoengine/video"
)

// ImageProcess is the image processing facet: effect filters, denoising,
// deflickering and color enhancement.
type ImageProcess struct {
	e *Engine
}

// RegisterCaptureEffectFilter runs filter once on every frame of
// capture source id, before fan-out to channels.
func (ip ImageProcess) RegisterCaptureEffectFilter(id int, filter video.EffectFilter) error {
	if filter == nil {
		return ip.e.track("RegisterCaptureEffectFilter", fmt.Errorf("%w: nil filter", ErrInvalidArgument))
	}
	entry, err := ip.e.capture(id)
	if err != nil {
		return ip.e.track("RegisterCaptureEffectFilter", err)
	}
	return ip.e.track("RegisterCaptureEffectFilter", entry.src.RegisterEffectFilter(filter))
}

// DeregisterCaptureEffectFilter removes the capture effect filter.
func (ip ImageProcess) DeregisterCaptureEffectFilter(id int) error {
	entry, err := ip.e.capture(id)
	if err != nil {
		return ip.e.track("DeregisterCaptureEffectFilter", err)
	}
	return ip.e.track("DeregisterCaptureEffectFilter", entry.src.DeregisterEffectFilter())
}

// RegisterSendEffectFilter runs filter on every frame the encoder group
// of channel encodes, after scaling.
func (ip ImageProcess) RegisterSendEffectFilter(channel int, filter video.EffectFilter) error {
	if filter == nil {
		return ip.e.track("RegisterSendEffectFilter", fmt.Errorf("%w: nil filter", ErrInvalidArgument))
	}
	c, err := ip.e.channel(channel)
	if err != nil {
		return ip.e.track("RegisterSendEffectFilter", err)
	}
	return ip.e.track("RegisterSendEffectFilter", c.group.setFilter(filter))
}

// DeregisterSendEffectFilter removes the send effect filter.
func (ip ImageProcess) DeregisterSendEffectFilter(channel int) error {
	c, err := ip.e.channel(channel)
	if err != nil {
		return ip.e.track("DeregisterSendEffectFilter", err)
	}
	return ip.e.track("DeregisterSendEffectFilter", c.group.clearFilter())
}

// RegisterRenderEffectFilter runs filter on every decoded frame of
// channel before it is rendered.
func (ip ImageProcess) RegisterRenderEffectFilter(channel int, filter video.EffectFilter) error {
	if filter == nil {
		return ip.e.track("RegisterRenderEffectFilter", fmt.Errorf("%w: nil filter", ErrInvalidArgument))
	}
	c, err := ip.e.channel(channel)
	if err != nil {
		return ip.e.track("RegisterRenderEffectFilter", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.renderFilter != nil {
		return ip.e.track("RegisterRenderEffectFilter", ErrFilterExists)
	}
	c.renderFilter = filter
	return ip.e.track("RegisterRenderEffectFilter", nil)
}

// DeregisterRenderEffectFilter removes the render effect filter.
func (ip ImageProcess) DeregisterRenderEffectFilter(channel int) error {
	c, err := ip.e.channel(channel)
	if err != nil {
		return ip.e.track("DeregisterRenderEffectFilter", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.renderFilter == nil {
		return ip.e.track("DeregisterRenderEffectFilter", ErrNoFilter)
	}
	c.renderFilter = nil
	return ip.e.track("DeregisterRenderEffectFilter", nil)
}

// EnableDenoising switches temporal denoising of capture source id.
func (ip ImageProcess) EnableDenoising(id int, enable bool) error {
	entry, err := ip.e.capture(id)
	if err != nil {
		return ip.e.track("EnableDenoising", err)
	}
	return ip.e.track("EnableDenoising", entry.src.EnableDenoising(enable))
}

// EnableDeflickering switches deflickering of capture source id.
func (ip ImageProcess) EnableDeflickering(id int, enable bool) error {
	entry, err := ip.e.capture(id)
	if err != nil {
		return ip.e.track("EnableDeflickering", err)
	}
	return ip.e.track("EnableDeflickering", entry.src.EnableDeflickering(enable))
}

// EnableColorEnhancement switches color enhancement of the frames
// channel decodes.
func (ip ImageProcess) EnableColorEnhancement(channel int, enable bool) error {
	c, err := ip.e.channel(channel)
	if err != nil {
		return ip.e.track("EnableColorEnhancement", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.colorEnhance == enable {
		return ip.e.track("EnableColorEnhancement", fmt.Errorf("%w: color enhancement %t", ErrFeatureState, enable))
	}
	c.colorEnhance = enable
	return ip.e.track("EnableColorEnhancement", nil)
}
