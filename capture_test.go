package videoengine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/videoengine/capture"
	"github.com/opd-ai/videoengine/render"
	"github.com/opd-ai/videoengine/video"
)

func TestCaptureWithoutEnumerator(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Capture().NumberOfCaptureDevices()
	assert.ErrorIs(t, err, ErrNoEnumerator)
	_, err = e.Capture().AllocateCaptureDevice("cam0")
	assert.ErrorIs(t, err, ErrNoEnumerator)
	assert.Equal(t, NotFound.Code(), e.Base().LastError())
}

func TestCaptureAllocation(t *testing.T) {
	cam0 := capture.NewPatternDevice("cam0", "Front")
	cam1 := capture.NewPatternDevice("cam1", "Back")
	e := newTestEngine(t, WithEnumerator(capture.NewStaticEnumerator(cam0, cam1)))
	cp := e.Capture()

	n, err := cp.NumberOfCaptureDevices()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	info, err := cp.GetCaptureDevice(1)
	require.NoError(t, err)
	assert.Equal(t, "cam1", info.UniqueID)

	id, err := cp.AllocateCaptureDevice("cam0")
	require.NoError(t, err)
	assert.Equal(t, firstCaptureID, id)
	_, err = cp.AllocateCaptureDevice("cam0")
	assert.ErrorIs(t, err, ErrCaptureAllocated)
	_, err = cp.AllocateCaptureModule(cam0)
	assert.ErrorIs(t, err, ErrCaptureAllocated)
	_, err = cp.AllocateCaptureDevice("missing")
	assert.ErrorIs(t, err, capture.ErrDeviceNotFound)

	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)
	require.NoError(t, cp.ConnectCaptureDevice(id, ch))
	assert.ErrorIs(t, cp.ConnectCaptureDevice(id, ch), ErrChannelHasCapture)
	assert.ErrorIs(t, cp.ReleaseCaptureDevice(id), ErrCaptureConnected)
	require.NoError(t, cp.DisconnectCaptureDevice(ch))
	assert.ErrorIs(t, cp.DisconnectCaptureDevice(ch), ErrNoCapture)

	require.NoError(t, cp.ReleaseCaptureDevice(id))
	assert.ErrorIs(t, cp.ReleaseCaptureDevice(id), ErrCaptureNotFound)
	again, err := cp.AllocateCaptureDevice("cam0")
	require.NoError(t, err)
	assert.Equal(t, id, again, "capture ids are reused")
	require.NoError(t, cp.ReleaseCaptureDevice(again))
}

func TestCaptureDeviceLimit(t *testing.T) {
	e := newTestEngine(t)
	var ids []int
	for i := 0; i < e.cfg.MaxCaptureDevices; i++ {
		id, _, err := e.Capture().AllocateExternalCaptureDevice()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, _, err := e.Capture().AllocateExternalCaptureDevice()
	assert.ErrorIs(t, err, ErrTooManyCaptureDevices)
	assert.Equal(t, ResourceExhausted.Code(), e.Base().LastError())
	for _, id := range ids {
		require.NoError(t, e.Capture().ReleaseCaptureDevice(id))
	}
}

func TestCapturePreviewAndEffects(t *testing.T) {
	cam := capture.NewPatternDevice("cam0", "Front")
	e := newTestEngine(t)
	cp, ip := e.Capture(), e.ImageProcess()

	id, err := cp.AllocateCaptureModule(cam)
	require.NoError(t, err)

	var filtered atomic.Int64
	filter := video.EffectFilterFunc(func(size int, _ []byte, _ uint32, _, _ int) int {
		filtered.Add(1)
		return size
	})
	assert.ErrorIs(t, ip.RegisterCaptureEffectFilter(id, nil), ErrInvalidArgument)
	require.NoError(t, ip.RegisterCaptureEffectFilter(id, filter))
	assert.ErrorIs(t, ip.RegisterCaptureEffectFilter(id, filter), capture.ErrFilterExists)
	require.NoError(t, ip.EnableDenoising(id, true))
	assert.ErrorIs(t, ip.EnableDenoising(id, true), capture.ErrFilterState)
	require.NoError(t, ip.EnableDeflickering(id, true))

	out := &countingRenderer{}
	require.NoError(t, e.Render().AddExternalRenderer(id, render.PixelYV12, out))
	assert.ErrorIs(t, e.Render().AddExternalRenderer(id, render.PixelI420, out), render.ErrAlreadyBound)
	require.NoError(t, e.Render().StartRender(id))

	require.NoError(t, cp.StartCapture(id, capture.Capability{}))
	assert.ErrorIs(t, cp.StartCapture(id, capture.Capability{}), capture.ErrAlreadyStarted)
	require.Eventually(t, func() bool {
		return out.count() >= 3 && filtered.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond)

	frames, err := cp.CapturedFrames(id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, frames, uint64(3))
	out.mu.Lock()
	assert.Equal(t, capture.DefaultCapability.Width, out.width)
	assert.Equal(t, capture.DefaultCapability.Height, out.height)
	out.mu.Unlock()

	require.NoError(t, cp.StopCapture(id))
	require.NoError(t, ip.DeregisterCaptureEffectFilter(id))
	assert.ErrorIs(t, ip.DeregisterCaptureEffectFilter(id), capture.ErrNoFilter)
	require.NoError(t, e.Render().StopRender(id))
	require.NoError(t, e.Render().RemoveRenderer(id))
	require.NoError(t, cp.ReleaseCaptureDevice(id))
}

func TestChannelImageProcessing(t *testing.T) {
	e := newTestEngine(t)
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)
	ip := e.ImageProcess()
	pass := video.EffectFilterFunc(func(size int, _ []byte, _ uint32, _, _ int) int { return size })

	require.NoError(t, ip.RegisterSendEffectFilter(ch, pass))
	assert.ErrorIs(t, ip.RegisterSendEffectFilter(ch, pass), ErrFilterExists)
	require.NoError(t, ip.DeregisterSendEffectFilter(ch))
	assert.ErrorIs(t, ip.DeregisterSendEffectFilter(ch), ErrNoFilter)

	require.NoError(t, ip.RegisterRenderEffectFilter(ch, pass))
	assert.ErrorIs(t, ip.RegisterRenderEffectFilter(ch, pass), ErrFilterExists)
	require.NoError(t, ip.DeregisterRenderEffectFilter(ch))
	assert.ErrorIs(t, ip.DeregisterRenderEffectFilter(ch), ErrNoFilter)

	require.NoError(t, ip.EnableColorEnhancement(ch, true))
	assert.ErrorIs(t, ip.EnableColorEnhancement(ch, true), ErrFeatureState)
	require.NoError(t, ip.EnableColorEnhancement(ch, false))
	assert.ErrorIs(t, ip.EnableDenoising(ch, true), ErrCaptureNotFound)
}

func TestRenderFacetValidation(t *testing.T) {
	e := newTestEngine(t)
	rd := e.Render()
	assert.ErrorIs(t, rd.AddExternalRenderer(7, render.PixelI420, &countingRenderer{}), ErrChannelNotFound)
	assert.ErrorIs(t, rd.RemoveRenderer(7), render.ErrNotBound)
	assert.Equal(t, render.StateUnbound, rd.GetRenderState(7))
}
