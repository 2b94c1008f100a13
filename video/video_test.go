package video

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradientFrame(t *testing.T, w, h int) *Frame {
	t.Helper()
	f, err := NewFrame(w, h)
	require.NoError(t, err)
	for i := range f.Y() {
		f.Y()[i] = byte(i % 251)
	}
	for i := range f.U() {
		f.U()[i] = byte(100 + i%20)
		f.V()[i] = byte(140 - i%20)
	}
	return f
}

func TestI420Size(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		expect int
	}{
		{"cif", 352, 288, 352*288 + 2*176*144},
		{"qcif", 176, 144, 176*144 + 2*88*72},
		{"odd", 3, 3, 9 + 2*4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, I420Size(tt.w, tt.h))
		})
	}
}

func TestFrameFromBuffer(t *testing.T) {
	_, err := FrameFromBuffer(make([]byte, 10), 16, 16)
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	_, err = FrameFromBuffer(nil, 0, 16)
	assert.ErrorIs(t, err, ErrInvalidDimensions)

	f, err := FrameFromBuffer(make([]byte, I420Size(16, 16)+7), 16, 16)
	require.NoError(t, err)
	assert.Equal(t, I420Size(16, 16), f.Size())
	assert.Len(t, f.U(), 64)
	assert.Len(t, f.V(), 64)
}

func TestScaler(t *testing.T) {
	s := NewScaler()
	src := gradientFrame(t, 64, 48)
	src.Timestamp = 9000

	out, err := s.Scale(src, 32, 24)
	require.NoError(t, err)
	assert.Equal(t, 32, out.Width)
	assert.Equal(t, 24, out.Height)
	assert.Equal(t, uint32(9000), out.Timestamp)
	assert.NoError(t, out.Validate())

	same, err := s.Scale(src, 64, 48)
	require.NoError(t, err)
	assert.Equal(t, src.Buffer, same.Buffer)
	same.Buffer[0]++
	assert.NotEqual(t, src.Buffer[0], same.Buffer[0])

	_, err = s.Scale(src, 33, 24)
	assert.ErrorIs(t, err, ErrInvalidDimensions)
	_, err = s.Scale(nil, 32, 24)
	assert.ErrorIs(t, err, ErrNilFrame)

	assert.True(t, s.IsScalingRequired(64, 48, 32, 24))
	assert.False(t, s.IsScalingRequired(64, 48, 64, 48))
}

func TestScalerUniformFrame(t *testing.T) {
	src, err := NewFrame(40, 40)
	require.NoError(t, err)
	src.Fill(200, 50, 60)

	out, err := NewScaler().Scale(src, 80, 20)
	require.NoError(t, err)
	for _, p := range out.Y() {
		assert.Equal(t, byte(200), p)
	}
	for _, p := range out.U() {
		assert.Equal(t, byte(50), p)
	}
}

func TestEffectFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter EffectFilter
		check  func(t *testing.T, f *Frame)
	}{
		{
			name:   "brightness clamps high",
			filter: NewBrightnessFilter(1000),
			check: func(t *testing.T, f *Frame) {
				for _, p := range f.Y() {
					assert.Equal(t, byte(255), p)
				}
			},
		},
		{
			name:   "zero contrast is mid gray",
			filter: NewContrastFilter(0),
			check: func(t *testing.T, f *Frame) {
				for _, p := range f.Y() {
					assert.Equal(t, byte(128), p)
				}
			},
		},
		{
			name:   "grayscale",
			filter: GrayscaleFilter{},
			check: func(t *testing.T, f *Frame) {
				for _, p := range f.U() {
					assert.Equal(t, byte(128), p)
				}
				for _, p := range f.V() {
					assert.Equal(t, byte(128), p)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := gradientFrame(t, 16, 16)
			require.NoError(t, ApplyFilter(tt.filter, f))
			tt.check(t, f)
		})
	}
}

func TestEffectChainStopsOnFailure(t *testing.T) {
	calls := 0
	fail := EffectFilterFunc(func(int, []byte, uint32, int, int) int {
		calls++
		return -3
	})
	after := EffectFilterFunc(func(int, []byte, uint32, int, int) int {
		calls++
		return 0
	})
	chain := NewEffectChain(fail)
	chain.Add(after)
	assert.Equal(t, 2, chain.Len())

	err := ApplyFilter(chain, gradientFrame(t, 8, 8))
	assert.ErrorIs(t, err, ErrFilterFailed)
	assert.Equal(t, 1, calls)
}

func TestDeflickerPullsTowardAverage(t *testing.T) {
	d := NewDeflicker()
	f, _ := NewFrame(16, 16)
	f.Fill(100, 128, 128)
	d.Process(f)

	bright, _ := NewFrame(16, 16)
	bright.Fill(160, 128, 128)
	d.Process(bright)
	assert.Less(t, bright.Y()[0], byte(160))
	assert.Greater(t, bright.Y()[0], byte(100))
}

func TestDenoiserBlendsSmallDifferences(t *testing.T) {
	d := NewDenoiser()
	a, _ := NewFrame(8, 8)
	a.Fill(100, 128, 128)
	d.Process(a)

	b, _ := NewFrame(8, 8)
	b.Fill(104, 128, 128)
	b.Y()[0] = 200
	d.Process(b)
	assert.Equal(t, byte(102), b.Y()[1])
	assert.Equal(t, byte(200), b.Y()[0])
}

func TestEnhanceColor(t *testing.T) {
	f, _ := NewFrame(4, 4)
	f.Fill(50, 148, 108)
	EnhanceColor(f)
	assert.Equal(t, byte(153), f.U()[0])
	assert.Equal(t, byte(103), f.V()[0])
	assert.Equal(t, byte(50), f.Y()[0])
}

func TestMirror(t *testing.T) {
	f, _ := NewFrame(4, 2)
	copy(f.Y(), []byte{1, 2, 3, 4, 5, 6, 7, 8})

	Mirror(f, false, true)
	assert.Equal(t, []byte{4, 3, 2, 1, 8, 7, 6, 5}, f.Y())

	Mirror(f, true, false)
	assert.Equal(t, []byte{8, 7, 6, 5, 4, 3, 2, 1}, f.Y())
}
