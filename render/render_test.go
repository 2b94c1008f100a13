package render

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/videoengine/video"
)

type recordingRenderer struct {
	calls   []string
	sizes   [][2]int
	frames  [][]byte
	stamps  []uint32
	failing bool
}

func (r *recordingRenderer) FrameSizeChange(width, height, streams int) int {
	r.calls = append(r.calls, "size")
	r.sizes = append(r.sizes, [2]int{width, height})
	return 0
}

func (r *recordingRenderer) DeliverFrame(buf []byte, timestamp uint32) int {
	if r.failing {
		return -1
	}
	r.calls = append(r.calls, "frame")
	r.frames = append(r.frames, append([]byte(nil), buf...))
	r.stamps = append(r.stamps, timestamp)
	return 0
}

type recordingWindow struct {
	frames []*video.Frame
	z      int
	rect   Rect
	err    error
}

func (w *recordingWindow) RenderFrame(f *video.Frame, z int, r Rect) error {
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, f)
	w.z, w.rect = z, r
	return nil
}

func frame(t *testing.T, w, h int, luma byte, ts uint32) *video.Frame {
	t.Helper()
	f, err := video.NewFrame(w, h)
	require.NoError(t, err)
	f.Fill(luma, 128, 128)
	f.Timestamp = ts
	return f
}

func TestRectValidate(t *testing.T) {
	tests := []struct {
		name string
		r    Rect
		ok   bool
	}{
		{"full", FullWindow, true},
		{"quarter", Rect{0.5, 0.5, 1, 1}, true},
		{"empty width", Rect{0.5, 0, 0.5, 1}, false},
		{"inverted", Rect{0.8, 0, 0.2, 1}, false},
		{"negative", Rect{-0.1, 0, 1, 1}, false},
		{"past one", Rect{0, 0, 1, 1.2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRect)
			}
		})
	}
}

func TestBindingLifecycle(t *testing.T) {
	m := NewManager()
	now := time.Unix(100, 0)
	w := &recordingWindow{}

	assert.Equal(t, StateUnbound, m.State(1))
	assert.ErrorIs(t, m.AddWindow(1, nil, 0, FullWindow), ErrNilRenderer)
	assert.ErrorIs(t, m.AddWindow(1, w, -1, FullWindow), ErrInvalidZOrder)
	assert.ErrorIs(t, m.AddWindow(1, w, 0, Rect{0, 0, 2, 1}), ErrInvalidRect)

	require.NoError(t, m.AddWindow(1, w, 3, Rect{0, 0, 0.5, 0.5}))
	assert.ErrorIs(t, m.AddWindow(1, w, 0, FullWindow), ErrAlreadyBound)
	assert.ErrorIs(t, m.AddExternal(1, PixelI420, &recordingRenderer{}), ErrAlreadyBound)
	assert.Equal(t, StateStopped, m.State(1))

	require.NoError(t, m.Deliver(1, frame(t, 4, 4, 50, 1), now))
	assert.Empty(t, w.frames, "stopped bindings drop frames")

	assert.ErrorIs(t, m.Stop(1), ErrState)
	require.NoError(t, m.Start(1, now))
	assert.ErrorIs(t, m.Start(1, now), ErrState)
	assert.Equal(t, StateRendering, m.State(1))

	require.NoError(t, m.Deliver(1, frame(t, 4, 4, 50, 2), now))
	require.Len(t, w.frames, 1)
	assert.Equal(t, 3, w.z)

	require.NoError(t, m.Configure(1, 7, FullWindow))
	require.NoError(t, m.Deliver(1, frame(t, 4, 4, 50, 3), now))
	assert.Equal(t, 7, w.z)
	assert.Equal(t, FullWindow, w.rect)
	z, r, err := m.Placement(1)
	require.NoError(t, err)
	assert.Equal(t, 7, z)
	assert.Equal(t, FullWindow, r)

	stats, err := m.Stats(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Frames)
	assert.Equal(t, uint64(1), stats.Dropped)

	require.NoError(t, m.Stop(1))
	require.NoError(t, m.Remove(1))
	assert.ErrorIs(t, m.Remove(1), ErrNotBound)
	assert.ErrorIs(t, m.Configure(1, 0, FullWindow), ErrNotBound)
	assert.ErrorIs(t, m.Mirror(1, true, true, false), ErrNotBound)
}

func TestExternalRendererSizeChangeFirst(t *testing.T) {
	m := NewManager()
	now := time.Unix(100, 0)
	r := &recordingRenderer{}
	assert.ErrorIs(t, m.AddExternal(2, PixelFormat(9), r), ErrUnsupportedFormat)
	require.NoError(t, m.AddExternal(2, PixelI420, r))
	require.NoError(t, m.Start(2, now))

	require.NoError(t, m.Deliver(2, frame(t, 4, 4, 10, 90), now))
	require.NoError(t, m.Deliver(2, frame(t, 4, 4, 11, 180), now))
	require.NoError(t, m.Deliver(2, frame(t, 8, 2, 12, 270), now))

	assert.Equal(t, []string{"size", "frame", "frame", "size", "frame"}, r.calls)
	assert.Equal(t, [][2]int{{4, 4}, {8, 2}}, r.sizes)
	assert.Equal(t, []uint32{90, 180, 270}, r.stamps)
	assert.Len(t, r.frames[2], video.I420Size(8, 2))

	r.failing = true
	assert.ErrorIs(t, m.Deliver(2, frame(t, 8, 2, 12, 360), now), ErrRendererFailed)
}

func TestYV12SwapsChroma(t *testing.T) {
	m := NewManager()
	r := &recordingRenderer{}
	require.NoError(t, m.AddExternal(3, PixelYV12, r))
	require.NoError(t, m.Start(3, time.Unix(0, 0)))

	f := frame(t, 2, 2, 1, 0)
	f.Fill(1, 2, 3)
	require.NoError(t, m.Deliver(3, f, time.Unix(0, 0)))
	assert.Equal(t, []byte{1, 1, 1, 1, 3, 2}, r.frames[0])
}

func TestMirror(t *testing.T) {
	m := NewManager()
	r := &recordingRenderer{}
	require.NoError(t, m.AddExternal(4, PixelI420, r))
	require.NoError(t, m.Mirror(4, true, false, true))
	require.NoError(t, m.Start(4, time.Unix(0, 0)))

	f := frame(t, 2, 2, 0, 0)
	copy(f.Y(), []byte{1, 2, 3, 4})
	require.NoError(t, m.Deliver(4, f, time.Unix(0, 0)))
	assert.Equal(t, []byte{2, 1, 4, 3}, r.frames[0][:4])
	assert.Equal(t, []byte{1, 2, 3, 4}, f.Y(), "source frame untouched")
}

func TestStartAndTimeoutImages(t *testing.T) {
	m := NewManager()
	now := time.Unix(100, 0)
	r := &recordingRenderer{}

	start := frame(t, 2, 2, 200, 0)
	timeout := frame(t, 2, 2, 100, 0)
	require.NoError(t, m.SetStartImage(5, start))
	assert.ErrorIs(t, m.SetTimeoutImage(5, timeout, 0), ErrInvalidTimeout)
	require.NoError(t, m.SetTimeoutImage(5, timeout, 500*time.Millisecond))

	require.NoError(t, m.AddExternal(5, PixelI420, r))
	require.NoError(t, m.Start(5, now))
	require.Len(t, r.frames, 1)
	assert.Equal(t, byte(200), r.frames[0][0], "start image before first frame")

	require.NoError(t, m.Deliver(5, frame(t, 2, 2, 50, 1), now))
	assert.Equal(t, byte(50), r.frames[1][0])

	m.Tick(now.Add(400 * time.Millisecond))
	assert.Len(t, r.frames, 2)
	m.Tick(now.Add(500 * time.Millisecond))
	require.Len(t, r.frames, 3)
	assert.Equal(t, byte(100), r.frames[2][0], "timeout image after silence")
	m.Tick(now.Add(900 * time.Millisecond))
	assert.Len(t, r.frames, 3, "timeout image shown once per silence")

	m.SourceStopped(5)
	require.Len(t, r.frames, 4)
	assert.Equal(t, byte(200), r.frames[3][0], "start image after the source stops")

	stats, err := m.Stats(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.StartImages)
	assert.Equal(t, uint64(1), stats.TimeoutImages)
	assert.Equal(t, uint64(1), stats.Frames)
}

func TestHeldFramesRenderAtTheirTime(t *testing.T) {
	m := NewManager()
	now := time.Unix(100, 0)
	r := &recordingRenderer{}
	require.NoError(t, m.AddExternal(6, PixelI420, r))
	require.NoError(t, m.Start(6, now))

	late := frame(t, 2, 2, 1, 2)
	late.RenderTimeMs = now.UnixMilli() + 80
	early := frame(t, 2, 2, 1, 1)
	early.RenderTimeMs = now.UnixMilli() + 40
	require.NoError(t, m.Deliver(6, late, now))
	require.NoError(t, m.Deliver(6, early, now))
	assert.Empty(t, r.frames)

	m.Tick(now.Add(50 * time.Millisecond))
	assert.Equal(t, []uint32{1}, r.stamps)
	m.Tick(now.Add(100 * time.Millisecond))
	assert.Equal(t, []uint32{1, 2}, r.stamps)
}

func TestWindowFailure(t *testing.T) {
	m := NewManager()
	w := &recordingWindow{err: errors.New("surface lost")}
	require.NoError(t, m.AddWindow(7, w, 0, FullWindow))
	require.NoError(t, m.Start(7, time.Unix(0, 0)))
	assert.ErrorIs(t, m.Deliver(7, frame(t, 2, 2, 0, 0), time.Unix(0, 0)), ErrRendererFailed)
	stats, err := m.Stats(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Failures)
}
