// Package fakecodec wraps the built-in codecs in encoders and decoders
// that count every contract call. They are meant to be registered as
// external codecs in tests and diagnostics.
package fakecodec

import (
	"sync"

	"github.com/opd-ai/videoengine/codec"
	"github.com/opd-ai/videoengine/video"
)

// EncoderCounters holds the number of calls per encoder method.
type EncoderCounters struct {
	InitEncode           int
	Encode               int
	RegisterEncodeDone   int
	SetRates             int
	SetPacketLoss        int
	SetPeriodicKeyFrames int
	Release              int
	Reset                int
	KeyFramesRequested   int
}

// DecoderCounters holds the number of calls per decoder method.
type DecoderCounters struct {
	InitDecode         int
	Decode             int
	RegisterDecodeDone int
	Release            int
	Reset              int
	MissingFrames      int
}

// Encoder forwards to a built-in encoder and counts calls.
type Encoder struct {
	mu       sync.Mutex
	inner    codec.Encoder
	counters EncoderCounters
	lastRate [2]int
}

// NewEncoder wraps the built-in encoder for kind.
func NewEncoder(kind codec.Kind) (*Encoder, error) {
	inner, err := codec.NewEncoder(kind)
	if err != nil {
		return nil, err
	}
	return &Encoder{inner: inner}, nil
}

// Counters returns a snapshot of the call counters.
func (e *Encoder) Counters() EncoderCounters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}

// LastRates returns the last bitrate and framerate passed to SetRates.
func (e *Encoder) LastRates() (bitrateKbps, framerate int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRate[0], e.lastRate[1]
}

func (e *Encoder) count(f func(c *EncoderCounters)) {
	e.mu.Lock()
	f(&e.counters)
	e.mu.Unlock()
}

// InitEncode counts and forwards.
func (e *Encoder) InitEncode(settings codec.Descriptor, cores, maxPayload int) error {
	e.count(func(c *EncoderCounters) { c.InitEncode++ })
	return e.inner.InitEncode(settings, cores, maxPayload)
}

// Encode counts and forwards.
func (e *Encoder) Encode(frame *video.Frame, info *codec.SpecificInfo, frameType codec.FrameType) error {
	e.count(func(c *EncoderCounters) {
		c.Encode++
		if frameType == codec.FrameKey {
			c.KeyFramesRequested++
		}
	})
	return e.inner.Encode(frame, info, frameType)
}

// RegisterEncodeCompleteCallback counts and forwards.
func (e *Encoder) RegisterEncodeCompleteCallback(cb codec.EncodeCompleteFunc) error {
	e.count(func(c *EncoderCounters) { c.RegisterEncodeDone++ })
	return e.inner.RegisterEncodeCompleteCallback(cb)
}

// SetRates counts and forwards.
func (e *Encoder) SetRates(bitrateKbps, framerate int) error {
	e.count(func(c *EncoderCounters) { c.SetRates++ })
	e.mu.Lock()
	e.lastRate = [2]int{bitrateKbps, framerate}
	e.mu.Unlock()
	return e.inner.SetRates(bitrateKbps, framerate)
}

// SetPacketLoss counts and forwards.
func (e *Encoder) SetPacketLoss(lossPercent int) error {
	e.count(func(c *EncoderCounters) { c.SetPacketLoss++ })
	return e.inner.SetPacketLoss(lossPercent)
}

// SetPeriodicKeyFrames counts and forwards.
func (e *Encoder) SetPeriodicKeyFrames(enable bool) error {
	e.count(func(c *EncoderCounters) { c.SetPeriodicKeyFrames++ })
	return e.inner.SetPeriodicKeyFrames(enable)
}

// Release counts and forwards.
func (e *Encoder) Release() error {
	e.count(func(c *EncoderCounters) { c.Release++ })
	return e.inner.Release()
}

// Reset counts and forwards.
func (e *Encoder) Reset() error {
	e.count(func(c *EncoderCounters) { c.Reset++ })
	return e.inner.Reset()
}

// Decoder forwards to a built-in decoder and counts calls.
type Decoder struct {
	mu       sync.Mutex
	inner    codec.Decoder
	counters DecoderCounters
	settings codec.Descriptor
}

// NewDecoder wraps the built-in decoder for kind.
func NewDecoder(kind codec.Kind) (*Decoder, error) {
	inner, err := codec.NewDecoder(kind)
	if err != nil {
		return nil, err
	}
	return &Decoder{inner: inner}, nil
}

// Counters returns a snapshot of the call counters.
func (d *Decoder) Counters() DecoderCounters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters
}

// Settings returns the descriptor of the last InitDecode.
func (d *Decoder) Settings() codec.Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

func (d *Decoder) count(f func(c *DecoderCounters)) {
	d.mu.Lock()
	f(&d.counters)
	d.mu.Unlock()
}

// InitDecode counts and forwards.
func (d *Decoder) InitDecode(settings codec.Descriptor, cores int) error {
	d.count(func(c *DecoderCounters) { c.InitDecode++ })
	d.mu.Lock()
	d.settings = settings
	d.mu.Unlock()
	return d.inner.InitDecode(settings, cores)
}

// Decode counts and forwards.
func (d *Decoder) Decode(image *codec.EncodedImage, missingFrames bool, frag *codec.Fragmentation,
	info *codec.SpecificInfo, renderTimeMs int64) error {
	d.count(func(c *DecoderCounters) {
		c.Decode++
		if missingFrames {
			c.MissingFrames++
		}
	})
	return d.inner.Decode(image, missingFrames, frag, info, renderTimeMs)
}

// RegisterDecodeCompleteCallback counts and forwards.
func (d *Decoder) RegisterDecodeCompleteCallback(cb codec.DecodeCompleteFunc) error {
	d.count(func(c *DecoderCounters) { c.RegisterDecodeDone++ })
	return d.inner.RegisterDecodeCompleteCallback(cb)
}

// Release counts and forwards.
func (d *Decoder) Release() error {
	d.count(func(c *DecoderCounters) { c.Release++ })
	return d.inner.Release()
}

// Reset counts and forwards.
func (d *Decoder) Reset() error {
	d.count(func(c *DecoderCounters) { c.Reset++ })
	return d.inner.Reset()
}
