package jitter

import (
	"sort"
	"time"
)

// Packet is one depacketized RTP packet.
type Packet struct {
	SequenceNumber uint16
	Timestamp      uint32
	Marker         bool
	PayloadType    uint8
	FirstPacket    bool
	KeyFrame       bool
	PictureID      int
	Data           []byte
	Arrival        time.Time
}

// Frame collects the packets sharing one RTP timestamp.
type Frame struct {
	Timestamp   uint32
	PayloadType uint8
	KeyFrame    bool
	PictureID   int
	// MissingBefore is set on a key frame that resumed decoding after
	// frames were dropped.
	MissingBefore bool

	FirstArrival time.Time
	LastArrival  time.Time

	packets  []*Packet
	hasFirst bool
	firstSeq uint16
	hasLast  bool
	lastSeq  uint16
}

func newFrame(p *Packet) *Frame {
	return &Frame{
		Timestamp:    p.Timestamp,
		PayloadType:  p.PayloadType,
		FirstArrival: p.Arrival,
		LastArrival:  p.Arrival,
	}
}

func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}

func (f *Frame) has(seq uint16) bool {
	for _, p := range f.packets {
		if p.SequenceNumber == seq {
			return true
		}
	}
	return false
}

func (f *Frame) insert(p *Packet) {
	f.packets = append(f.packets, p)
	sort.Slice(f.packets, func(i, j int) bool {
		return seqLess(f.packets[i].SequenceNumber, f.packets[j].SequenceNumber)
	})
	if p.FirstPacket {
		f.hasFirst = true
		f.firstSeq = p.SequenceNumber
		f.KeyFrame = p.KeyFrame
		f.PictureID = p.PictureID
	}
	if p.Marker {
		f.hasLast = true
		f.lastSeq = p.SequenceNumber
	}
	if p.Arrival.After(f.LastArrival) {
		f.LastArrival = p.Arrival
	}
}

// Complete reports whether every packet from first to marker is present.
func (f *Frame) Complete() bool {
	if !f.hasFirst || !f.hasLast {
		return false
	}
	return int(f.lastSeq-f.firstSeq)+1 == len(f.packets) && f.packets[0].SequenceNumber == f.firstSeq
}

// Packets returns the number of packets buffered for the frame.
func (f *Frame) Packets() int {
	return len(f.packets)
}

// FirstSeq returns the lowest buffered sequence number.
func (f *Frame) FirstSeq() uint16 {
	return f.packets[0].SequenceNumber
}

// LastSeq returns the highest buffered sequence number.
func (f *Frame) LastSeq() uint16 {
	return f.packets[len(f.packets)-1].SequenceNumber
}

// Bytes returns the payload size of the frame.
func (f *Frame) Bytes() int {
	n := 0
	for _, p := range f.packets {
		n += len(p.Data)
	}
	return n
}

// Assemble concatenates the payloads in sequence order.
func (f *Frame) Assemble() []byte {
	out := make([]byte, 0, f.Bytes())
	for _, p := range f.packets {
		out = append(out, p.Data...)
	}
	return out
}
