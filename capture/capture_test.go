package capture

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/videoengine/video"
)

type frameLog struct {
	mu     sync.Mutex
	frames []*video.Frame
}

func (l *frameLog) sink(f *video.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
}

func (l *frameLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

func TestStaticEnumerator(t *testing.T) {
	e := NewStaticEnumerator(NewPatternDevice("pattern-0", "Pattern 0"), NewPatternDevice("pattern-1", "Pattern 1"))
	assert.Equal(t, 2, e.NumberOfDevices())

	info, err := e.Device(1)
	require.NoError(t, err)
	assert.Equal(t, DeviceInfo{Name: "Pattern 1", UniqueID: "pattern-1"}, info)

	_, err = e.Device(2)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	d, err := e.Open("pattern-0")
	require.NoError(t, err)
	assert.Equal(t, "Pattern 0", d.Name())

	_, err = e.Open("missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestPatternDevice(t *testing.T) {
	d := NewPatternDevice("p", "Pattern")
	var log frameLog

	assert.ErrorIs(t, d.Start(Capability{Width: 0, Height: 10, MaxFPS: 30}, log.sink), ErrInvalidCapability)
	require.NoError(t, d.Start(Capability{Width: 32, Height: 16, MaxFPS: 100}, log.sink))
	assert.ErrorIs(t, d.Start(Capability{Width: 32, Height: 16, MaxFPS: 100}, log.sink), ErrAlreadyStarted)

	require.Eventually(t, func() bool { return log.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Stop())
	assert.ErrorIs(t, d.Stop(), ErrNotStarted)

	n := log.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, log.count(), "no frames after stop")

	f := log.frames[0]
	assert.Equal(t, 32, f.Width)
	assert.Equal(t, 16, f.Height)
	assert.Len(t, f.Buffer, video.I420Size(32, 16))
}

func TestPatternMovesBar(t *testing.T) {
	a := Pattern(64, 4, 0)
	b := Pattern(64, 4, 1)
	assert.Equal(t, byte(235), a.Y()[0])
	assert.NotEqual(t, byte(235), b.Y()[0])
	assert.Equal(t, byte(235), b.Y()[4])
}

func TestExternalCapture(t *testing.T) {
	src, ext := NewExternalSource(0x1001)
	assert.True(t, src.External())
	assert.Equal(t, 0x1001, src.ID())

	var log frameLog
	src.SetSink(log.sink)

	buf := make([]byte, video.I420Size(4, 4))
	for i := range buf {
		buf[i] = byte(i)
	}
	require.NoError(t, ext.DeliverFrame(buf, len(buf), 4, 4, 9000))
	require.Equal(t, 1, log.count())
	got := log.frames[0]
	assert.Equal(t, uint32(9000), got.Timestamp)
	assert.Equal(t, buf, got.Buffer)

	buf[0] = 99
	assert.Equal(t, byte(0), got.Buffer[0], "buffer is copied")

	tests := []struct {
		name   string
		buf    []byte
		size   int
		width  int
		height int
	}{
		{"nil buffer", nil, 24, 4, 4},
		{"size past buffer", buf, len(buf) + 1, 4, 4},
		{"too small", buf, 10, 4, 4},
		{"zero width", buf, len(buf), 0, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ext.DeliverFrame(tt.buf, tt.size, tt.width, tt.height, 0), ErrInvalidFrame)
		})
	}
	assert.Equal(t, 1, log.count())
}

func TestExternalSourceDeliversWhileStopped(t *testing.T) {
	src, ext := NewExternalSource(0x1002)
	var log frameLog
	src.SetSink(log.sink)

	buf := make([]byte, video.I420Size(2, 2))
	require.NoError(t, ext.DeliverFrame(buf, len(buf), 2, 2, 0))
	assert.Equal(t, 1, log.count())

	require.NoError(t, src.Start(Capability{}))
	assert.ErrorIs(t, src.Start(Capability{}), ErrAlreadyStarted)
	require.NoError(t, ext.DeliverFrame(buf, len(buf), 2, 2, 0))
	require.NoError(t, src.Stop(time.Now()))
	assert.ErrorIs(t, src.Stop(time.Now()), ErrNotStarted)
	assert.Equal(t, 2, log.count())
}

func TestSourceFilters(t *testing.T) {
	src, ext := NewExternalSource(0x1001)
	var log frameLog
	src.SetSink(log.sink)

	require.NoError(t, src.EnableDenoising(true))
	assert.ErrorIs(t, src.EnableDenoising(true), ErrFilterState)
	require.NoError(t, src.EnableDenoising(false))
	assert.ErrorIs(t, src.EnableDenoising(false), ErrFilterState)

	require.NoError(t, src.EnableDeflickering(true))
	assert.ErrorIs(t, src.EnableDeflickering(true), ErrFilterState)

	calls := 0
	filter := video.EffectFilterFunc(func(size int, buf []byte, _ uint32, _, _ int) int {
		calls++
		buf[0] = 200
		return 0
	})
	assert.ErrorIs(t, src.DeregisterEffectFilter(), ErrNoFilter)
	require.NoError(t, src.RegisterEffectFilter(filter))
	assert.ErrorIs(t, src.RegisterEffectFilter(filter), ErrFilterExists)

	buf := make([]byte, video.I420Size(8, 8))
	require.NoError(t, ext.DeliverFrame(buf, len(buf), 8, 8, 0))
	assert.Equal(t, 1, calls)
	assert.Equal(t, byte(200), log.frames[0].Buffer[0])

	require.NoError(t, src.DeregisterEffectFilter())
	require.NoError(t, ext.DeliverFrame(buf, len(buf), 8, 8, 0))
	assert.Equal(t, 1, calls)
}

func TestStillImage(t *testing.T) {
	src, _ := NewExternalSource(0x1001)
	var log frameLog
	src.SetSink(log.sink)

	still, err := video.NewFrame(4, 4)
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	require.NoError(t, src.SetStillImage(still, now))

	for i := 0; i < 10; i++ {
		src.Tick(now.Add(time.Duration(i) * 50 * time.Millisecond))
	}
	assert.Equal(t, 5, log.count())

	require.NoError(t, src.Start(Capability{}))
	src.Tick(now.Add(time.Second))
	assert.Equal(t, 5, log.count(), "no still image while started")

	require.NoError(t, src.SetStillImage(nil, now))
	require.NoError(t, src.Stop(now.Add(2*time.Second)))
	src.Tick(now.Add(3 * time.Second))
	assert.Equal(t, 5, log.count())

	assert.ErrorIs(t, src.SetStillImage(&video.Frame{Width: 4, Height: 4}, now), ErrInvalidFrame)
}

func TestDeviceSource(t *testing.T) {
	d := NewPatternDevice("p", "Pattern")
	src := NewDeviceSource(0x1003, d)
	assert.False(t, src.External())
	assert.Equal(t, d, src.Device())

	var log frameLog
	src.SetSink(log.sink)
	require.NoError(t, src.Start(Capability{Width: 16, Height: 16, MaxFPS: 100}))
	assert.True(t, src.Started())
	require.Eventually(t, func() bool { return log.count() > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, src.Stop(time.Now()))
	assert.False(t, src.Started())
	assert.Equal(t, uint64(log.count()), src.Delivered())
}
