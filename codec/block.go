package codec

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/opd-ai/videoengine/video"
)

// Block bitstream layout:
//
//	[tag:1][width:2][height:2][blockSize:1] body
//
// The tag's low bit is 0 for key frames, matching the VP8 frame tag.
// A key frame body holds one mean per block for the Y, U and V planes
// in raster order. A delta frame body holds a bitmap of changed blocks
// followed by the new means of the changed blocks.
const (
	blockHeaderSize   = 6
	blockTagShowFrame = 0x10
	blockTagDelta     = 0x01
	blockChangeDelta  = 2
	defaultKeyPeriod  = 3000
)

var blockSizes = []int{2, 4, 8, 16, 32}

type blockGrid struct {
	width, height, size int
	means               []byte
}

func newBlockGrid(width, height, size int) *blockGrid {
	return &blockGrid{width: width, height: height, size: size,
		means: make([]byte, blockCount(width, height, size))}
}

func (g *blockGrid) matches(width, height, size int) bool {
	return g != nil && g.width == width && g.height == height && g.size == size
}

func planeDims(width, height int) [3][2]int {
	cw, ch := (width+1)/2, (height+1)/2
	return [3][2]int{{width, height}, {cw, ch}, {cw, ch}}
}

func blockCount(width, height, size int) int {
	n := 0
	for _, d := range planeDims(width, height) {
		n += ((d[0] + size - 1) / size) * ((d[1] + size - 1) / size)
	}
	return n
}

// computeMeans averages each block of frame.
func computeMeans(frame *video.Frame, size int, out []byte) {
	planes := [3][]byte{frame.Y(), frame.U(), frame.V()}
	idx := 0
	for p, d := range planeDims(frame.Width, frame.Height) {
		pw, ph := d[0], d[1]
		for by := 0; by < ph; by += size {
			for bx := 0; bx < pw; bx += size {
				sum, n := 0, 0
				for y := by; y < min(by+size, ph); y++ {
					row := planes[p][y*pw:]
					for x := bx; x < min(bx+size, pw); x++ {
						sum += int(row[x])
						n++
					}
				}
				out[idx] = byte((sum + n/2) / n)
				idx++
			}
		}
	}
}

// paintMeans fills each block of frame with its mean.
func paintMeans(frame *video.Frame, size int, means []byte) {
	planes := [3][]byte{frame.Y(), frame.U(), frame.V()}
	idx := 0
	for p, d := range planeDims(frame.Width, frame.Height) {
		pw, ph := d[0], d[1]
		for by := 0; by < ph; by += size {
			for bx := 0; bx < pw; bx += size {
				m := means[idx]
				idx++
				for y := by; y < min(by+size, ph); y++ {
					row := planes[p][y*pw:]
					for x := bx; x < min(bx+size, pw); x++ {
						row[x] = m
					}
				}
			}
		}
	}
}

// chooseBlockSize returns the smallest block size whose key frame fits
// the per-frame byte budget.
func chooseBlockSize(width, height, bitrateKbps, framerate int) int {
	if framerate <= 0 {
		framerate = 30
	}
	budget := bitrateKbps * 1000 / 8 / framerate
	for _, s := range blockSizes {
		if blockCount(width, height, s)+blockHeaderSize <= budget {
			return s
		}
	}
	return blockSizes[len(blockSizes)-1]
}

// BlockEncoder is the built-in encoder for the VP8 slot.
type BlockEncoder struct {
	mu           sync.Mutex
	settings     Descriptor
	callback     EncodeCompleteFunc
	inited       bool
	bitrateKbps  int
	framerate    int
	lossPercent  int
	periodicKeys bool
	framesSince  int
	ref          *blockGrid
	scratch      []byte
}

// NewBlockEncoder creates a block encoder.
func NewBlockEncoder() *BlockEncoder {
	return &BlockEncoder{periodicKeys: true}
}

// InitEncode configures resolution and initial rates.
func (e *BlockEncoder) InitEncode(settings Descriptor, _ int, _ int) error {
	if settings.Width <= 0 || settings.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDescriptor, settings.Width, settings.Height)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = settings
	e.bitrateKbps = settings.StartBitrate
	if e.bitrateKbps <= 0 {
		e.bitrateKbps = settings.MaxBitrate
	}
	e.framerate = settings.MaxFramerate
	e.ref = nil
	e.inited = true
	return nil
}

// Encode compresses frame and hands the result to the callback.
func (e *BlockEncoder) Encode(frame *video.Frame, _ *SpecificInfo, frameType FrameType) error {
	if err := frame.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if !e.inited {
		e.mu.Unlock()
		return ErrUninitialized
	}
	cb := e.callback
	if cb == nil {
		e.mu.Unlock()
		return ErrNoCallback
	}
	if frameType == FrameSkip {
		e.mu.Unlock()
		return nil
	}
	data, key := e.encodeLocked(frame, frameType == FrameKey)
	e.mu.Unlock()

	img := &EncodedImage{
		Data:          data,
		Timestamp:     frame.Timestamp,
		CaptureTimeMs: frame.RenderTimeMs,
		FrameType:     FrameDelta,
		Width:         frame.Width,
		Height:        frame.Height,
		Complete:      true,
	}
	if key {
		img.FrameType = FrameKey
	}
	return cb(img, &SpecificInfo{Kind: KindVP8}, nil)
}

func (e *BlockEncoder) encodeLocked(frame *video.Frame, forceKey bool) ([]byte, bool) {
	size := chooseBlockSize(frame.Width, frame.Height, e.bitrateKbps, e.framerate)
	n := blockCount(frame.Width, frame.Height, size)
	if cap(e.scratch) < n {
		e.scratch = make([]byte, n)
	}
	means := e.scratch[:n]
	computeMeans(frame, size, means)

	key := forceKey || !e.ref.matches(frame.Width, frame.Height, size) ||
		(e.periodicKeys && e.framesSince >= defaultKeyPeriod)

	header := make([]byte, blockHeaderSize, blockHeaderSize+n)
	header[0] = blockTagShowFrame
	binary.BigEndian.PutUint16(header[1:3], uint16(frame.Width))
	binary.BigEndian.PutUint16(header[3:5], uint16(frame.Height))
	header[5] = byte(size)

	if key {
		e.ref = newBlockGrid(frame.Width, frame.Height, size)
		copy(e.ref.means, means)
		e.framesSince = 0
		return append(header, means...), true
	}

	header[0] |= blockTagDelta
	bitmap := make([]byte, (n+7)/8)
	var changed []byte
	for i, m := range means {
		diff := int(m) - int(e.ref.means[i])
		if diff > blockChangeDelta || diff < -blockChangeDelta {
			bitmap[i/8] |= 1 << (i % 8)
			changed = append(changed, m)
			e.ref.means[i] = m
		}
	}
	e.framesSince++
	out := append(header, bitmap...)
	return append(out, changed...), false
}

// RegisterEncodeCompleteCallback sets the output callback.
func (e *BlockEncoder) RegisterEncodeCompleteCallback(cb EncodeCompleteFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = cb
	return nil
}

// SetRates updates the target bitrate and framerate.
func (e *BlockEncoder) SetRates(bitrateKbps, framerate int) error {
	if bitrateKbps <= 0 {
		return fmt.Errorf("%w: bitrate %d", ErrInvalidDescriptor, bitrateKbps)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settings.MaxBitrate > 0 && bitrateKbps > e.settings.MaxBitrate {
		bitrateKbps = e.settings.MaxBitrate
	}
	e.bitrateKbps = bitrateKbps
	if framerate > 0 {
		e.framerate = framerate
	}
	return nil
}

// SetPacketLoss records the loss rate reported by the receiver.
func (e *BlockEncoder) SetPacketLoss(lossPercent int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lossPercent = lossPercent
	return nil
}

// SetPeriodicKeyFrames enables or disables periodic key frames.
func (e *BlockEncoder) SetPeriodicKeyFrames(enable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.periodicKeys = enable
	return nil
}

// Rates returns the current target bitrate and framerate.
func (e *BlockEncoder) Rates() (bitrateKbps, framerate int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bitrateKbps, e.framerate
}

// Release drops the callback and reference.
func (e *BlockEncoder) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = nil
	e.ref = nil
	e.inited = false
	return nil
}

// Reset drops the reference so that the next frame is a key frame.
func (e *BlockEncoder) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ref = nil
	return nil
}

// BlockDecoder decodes BlockEncoder output.
type BlockDecoder struct {
	mu       sync.Mutex
	callback DecodeCompleteFunc
	inited   bool
	ref      *blockGrid
}

// NewBlockDecoder creates a block decoder.
func NewBlockDecoder() *BlockDecoder {
	return &BlockDecoder{}
}

// InitDecode prepares the decoder.
func (d *BlockDecoder) InitDecode(Descriptor, int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inited = true
	d.ref = nil
	return nil
}

// Decode reconstructs a frame.
func (d *BlockDecoder) Decode(image *EncodedImage, missingFrames bool, _ *Fragmentation, _ *SpecificInfo, renderTimeMs int64) error {
	d.mu.Lock()
	if !d.inited {
		d.mu.Unlock()
		return ErrUninitialized
	}
	cb := d.callback
	if cb == nil {
		d.mu.Unlock()
		return ErrNoCallback
	}
	frame, err := d.decodeLocked(image.Data, missingFrames)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	frame.Timestamp = image.Timestamp
	frame.RenderTimeMs = renderTimeMs
	return cb(frame)
}

func (d *BlockDecoder) decodeLocked(data []byte, missingFrames bool) (*video.Frame, error) {
	if len(data) < blockHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptBitstream, len(data))
	}
	delta := data[0]&blockTagDelta != 0
	w := int(binary.BigEndian.Uint16(data[1:3]))
	h := int(binary.BigEndian.Uint16(data[3:5]))
	size := int(data[5])
	if w == 0 || h == 0 || size == 0 {
		return nil, fmt.Errorf("%w: %dx%d block %d", ErrCorruptBitstream, w, h, size)
	}
	n := blockCount(w, h, size)
	body := data[blockHeaderSize:]

	if !delta {
		if len(body) != n {
			return nil, fmt.Errorf("%w: key frame body %d, want %d", ErrCorruptBitstream, len(body), n)
		}
		d.ref = newBlockGrid(w, h, size)
		copy(d.ref.means, body)
	} else {
		if missingFrames || !d.ref.matches(w, h, size) {
			return nil, ErrMissingReference
		}
		bitmapLen := (n + 7) / 8
		if len(body) < bitmapLen {
			return nil, fmt.Errorf("%w: delta bitmap truncated", ErrCorruptBitstream)
		}
		bitmap, values := body[:bitmapLen], body[bitmapLen:]
		next := append([]byte(nil), d.ref.means...)
		for i := 0; i < n; i++ {
			if bitmap[i/8]&(1<<(i%8)) == 0 {
				continue
			}
			if len(values) == 0 {
				return nil, fmt.Errorf("%w: delta values truncated", ErrCorruptBitstream)
			}
			next[i], values = values[0], values[1:]
		}
		if len(values) != 0 {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptBitstream, len(values))
		}
		d.ref.means = next
	}

	frame := &video.Frame{Width: w, Height: h, Buffer: make([]byte, video.I420Size(w, h))}
	paintMeans(frame, size, d.ref.means)
	return frame, nil
}

// RegisterDecodeCompleteCallback sets the output callback.
func (d *BlockDecoder) RegisterDecodeCompleteCallback(cb DecodeCompleteFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = cb
	return nil
}

// Release drops the callback and reference.
func (d *BlockDecoder) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = nil
	d.ref = nil
	d.inited = false
	return nil
}

// Reset drops the reference frame.
func (d *BlockDecoder) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ref = nil
	return nil
}

// IsKeyFrame reports whether a VP8-slot bitstream starts a key frame.
func IsKeyFrame(data []byte) bool {
	return len(data) > 0 && data[0]&blockTagDelta == 0
}
