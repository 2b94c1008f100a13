package jitter

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Buffer defaults.
const (
	DefaultMaxFrames = 64
	DefaultMaxWait   = 200 * time.Millisecond
	maxDelay         = 500 * time.Millisecond
	maxFillers       = 1024
)

// Config tunes a Buffer.
type Config struct {
	MaxFrames   int
	MaxWait     time.Duration
	NackEnabled bool
	MaxNackList int
}

// DefaultConfig returns the defaults used by a new channel.
func DefaultConfig() Config {
	return Config{MaxFrames: DefaultMaxFrames, MaxWait: DefaultMaxWait, MaxNackList: DefaultMaxNackList}
}

// Stats counts what the buffer did with its input.
type Stats struct {
	Packets          uint64
	Duplicates       uint64
	DiscardedPackets uint64
	FramesDecoded    uint64
	FramesDropped    uint64
	KeyFrameRequests uint64
	DecodeBreaks     uint64
}

// Buffer is a per-stream jitter buffer. It is safe for concurrent use:
// the network path inserts while the decoder path pulls frames.
type Buffer struct {
	mu     sync.Mutex
	cfg    Config
	frames map[uint32]*Frame
	nack   *NackList
	// fillers are sequence numbers that carried no media (FEC,
	// keep-alive, unknown payload types). They keep frames contiguous.
	fillers map[uint16]struct{}

	decoded      bool
	lastSeq      uint16
	lastTS       uint32
	waitingKey   bool
	dropped      bool
	blockedSince time.Time
	episode      bool
	requestDue   bool

	prevTransit time.Duration
	haveTransit bool
	jitter      time.Duration

	stats Stats
}

// New creates a buffer waiting for its first key frame.
func New(cfg Config) *Buffer {
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = DefaultMaxFrames
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	return &Buffer{
		cfg:        cfg,
		frames:     make(map[uint32]*Frame),
		nack:       NewNackList(cfg.MaxNackList),
		fillers:    make(map[uint16]struct{}),
		waitingKey: true,
	}
}

// SetNackEnabled switches NACK tracking on or off.
func (b *Buffer) SetNackEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.NackEnabled = enabled
	if !enabled {
		b.nack.Clear()
	}
}

// SetMaxWait changes how long a sequence gap may block decoding.
func (b *Buffer) SetMaxWait(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.MaxWait = d
}

// Insert buffers one packet.
func (b *Buffer) Insert(p Packet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Packets++

	if b.decoded && (!seqLess(b.lastSeq, p.SequenceNumber) || int32(p.Timestamp-b.lastTS) <= 0) {
		b.stats.DiscardedPackets++
		return ErrTooOld
	}

	if b.cfg.NackEnabled && !b.nack.OnPacket(p.SequenceNumber, p.Arrival) {
		logrus.WithFields(logrus.Fields{
			"function": "Buffer.Insert",
			"seq":      p.SequenceNumber,
		}).Warn("NACK list overflow, requesting key frame")
		b.breakLocked()
	}

	f, ok := b.frames[p.Timestamp]
	if !ok {
		if len(b.frames) >= b.cfg.MaxFrames {
			b.dropOldestLocked()
			b.breakLocked()
		}
		f = newFrame(&p)
		b.frames[p.Timestamp] = f
	}
	if f.has(p.SequenceNumber) {
		b.stats.Duplicates++
		return ErrDuplicate
	}
	pkt := p
	f.insert(&pkt)
	return nil
}

// InsertFiller records a sequence number that carried no media so that
// it neither blocks decoding nor gets NACKed.
func (b *Buffer) InsertFiller(seq uint16, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.decoded && !seqLess(b.lastSeq, seq) {
		return
	}
	if b.cfg.NackEnabled && !b.nack.OnPacket(seq, now) {
		b.breakLocked()
	}
	if len(b.fillers) >= maxFillers {
		b.fillers = make(map[uint16]struct{})
	}
	b.fillers[seq] = struct{}{}
}

// skipFillersLocked advances lastSeq over filler sequence numbers.
func (b *Buffer) skipFillersLocked() {
	if !b.decoded {
		return
	}
	for {
		next := b.lastSeq + 1
		if _, ok := b.fillers[next]; !ok {
			return
		}
		delete(b.fillers, next)
		b.lastSeq = next
	}
}

// Next returns the next frame ready to decode, or nil. The boolean is
// true when the caller should request a key frame; it is reported once
// per decode break.
func (b *Buffer) Next(now time.Time) (*Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f := b.nextLocked(now)
	request := b.requestDue
	b.requestDue = false
	if request {
		b.stats.KeyFrameRequests++
	}
	if f != nil {
		b.deliveredLocked(f)
	}
	return f, request
}

func (b *Buffer) nextLocked(now time.Time) *Frame {
	ordered := b.orderedLocked()
	if b.waitingKey {
		if b.stats.Packets == 0 {
			return nil
		}
		for i, f := range ordered {
			if f.Complete() && f.KeyFrame {
				b.dropFramesLocked(ordered[:i])
				b.waitingKey = false
				f.MissingBefore = b.dropped
				return f
			}
		}
		b.dropUndecodableLocked(ordered)
		if b.blockedSince.IsZero() {
			b.blockedSince = now
		}
		if now.Sub(b.blockedSince) >= b.cfg.MaxWait {
			b.requestKeyLocked()
		}
		return nil
	}
	if len(ordered) == 0 {
		return nil
	}

	b.skipFillersLocked()
	first := ordered[0]
	if first.Complete() && first.FirstSeq() == b.lastSeq+1 {
		return first
	}
	if b.blockedSince.IsZero() {
		b.blockedSince = now
	}
	if now.Sub(b.blockedSince) < b.cfg.MaxWait {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Buffer.Next",
		"timestamp": first.Timestamp,
		"last_seq":  b.lastSeq,
	}).Debug("Decode break")
	b.stats.DecodeBreaks++
	for i, f := range ordered {
		if f.Complete() && f.KeyFrame {
			b.dropFramesLocked(ordered[:i])
			f.MissingBefore = true
			return f
		}
	}
	b.breakLocked()
	b.dropUndecodableLocked(ordered)
	return nil
}

func (b *Buffer) deliveredLocked(f *Frame) {
	delete(b.frames, f.Timestamp)
	b.decoded = true
	b.lastSeq = f.LastSeq()
	b.lastTS = f.Timestamp
	b.blockedSince = time.Time{}
	if f.KeyFrame {
		b.episode = false
		b.dropped = false
	}
	b.skipFillersLocked()
	for seq := range b.fillers {
		if !seqLess(b.lastSeq, seq) {
			delete(b.fillers, seq)
		}
	}
	b.nack.DropBefore(b.lastSeq + 1)
	b.stats.FramesDecoded++
	b.updateDelayLocked(f)
}

// breakLocked starts a decode-break episode: only a key frame is
// accepted from now on.
func (b *Buffer) breakLocked() {
	b.waitingKey = true
	b.dropped = true
	b.requestKeyLocked()
}

func (b *Buffer) requestKeyLocked() {
	if b.episode {
		return
	}
	b.episode = true
	b.requestDue = true
}

// dropUndecodableLocked drops frames known to be delta frames while
// waiting for a key frame.
func (b *Buffer) dropUndecodableLocked(ordered []*Frame) {
	for _, f := range ordered {
		if f.hasFirst && !f.KeyFrame {
			b.dropFramesLocked([]*Frame{f})
		}
	}
}

func (b *Buffer) dropFramesLocked(frames []*Frame) {
	for _, f := range frames {
		delete(b.frames, f.Timestamp)
		b.stats.FramesDropped++
		b.stats.DiscardedPackets += uint64(f.Packets())
		b.dropped = true
	}
}

func (b *Buffer) dropOldestLocked() {
	ordered := b.orderedLocked()
	if len(ordered) > 0 {
		b.dropFramesLocked(ordered[:1])
	}
}

func (b *Buffer) orderedLocked() []*Frame {
	out := make([]*Frame, 0, len(b.frames))
	for _, f := range b.frames {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return int32(out[i].Timestamp-out[j].Timestamp) < 0
	})
	return out
}

// updateDelayLocked tracks frame transit variation; the render delay
// is three times its smoothed value.
func (b *Buffer) updateDelayLocked(f *Frame) {
	transit := time.Duration(f.LastArrival.UnixMilli())*time.Millisecond -
		time.Duration(f.Timestamp/90)*time.Millisecond
	if b.haveTransit {
		d := transit - b.prevTransit
		if d < 0 {
			d = -d
		}
		if d < time.Second {
			b.jitter += (d - b.jitter) / 16
		}
	}
	b.prevTransit = transit
	b.haveTransit = true
}

// Delay returns the current jitter delay applied to render times.
func (b *Buffer) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return min(3*b.jitter, maxDelay)
}

// NackDue returns the sequence numbers to NACK at now.
func (b *Buffer) NackDue(now time.Time, rtt time.Duration) []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.NackEnabled {
		return nil
	}
	return b.nack.Due(now, rtt)
}

// Requested reports whether seq was asked for in a NACK and has not
// arrived yet.
func (b *Buffer) Requested(seq uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nack.Requested(seq)
}

// NackListSize returns the number of missing sequence numbers tracked.
func (b *Buffer) NackListSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nack.Len()
}

// Frames returns the number of buffered frames.
func (b *Buffer) Frames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Stats returns a copy of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Reset drops all frames and waits for a new key frame.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = make(map[uint32]*Frame)
	b.fillers = make(map[uint16]struct{})
	b.nack.Clear()
	b.nack.started = false
	b.decoded = false
	b.waitingKey = true
	b.dropped = false
	b.blockedSince = time.Time{}
	b.episode = false
	b.requestDue = false
	b.haveTransit = false
	b.jitter = 0
}
