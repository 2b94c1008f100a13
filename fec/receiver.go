package fec

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	mediaWindow = 256
	fecWindow   = 64
)

type fecPacket struct {
	ssrc   uint32
	hdr    *header
	body   []byte
	seqs   []uint16
	latest uint16
}

// Receiver rebuilds lost media packets from ULPFEC payloads.
type Receiver struct {
	mu        sync.Mutex
	media     map[uint16][]byte
	order     []uint16
	fecs      []*fecPacket
	recovered uint64
}

// NewReceiver creates an empty receiver.
func NewReceiver() *Receiver {
	return &Receiver{media: make(map[uint16][]byte)}
}

// AddMedia records a received media packet and returns any packets
// it allowed to be recovered.
func (r *Receiver) AddMedia(packet []byte) [][]byte {
	if len(packet) < rtpHeaderLength {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeLocked(binary.BigEndian.Uint16(packet[2:4]), packet)
	return r.recoverLocked()
}

// AddFEC records a ULPFEC payload received on ssrc and returns any
// packets it allowed to be recovered.
func (r *Receiver) AddFEC(ssrc uint32, payload []byte) ([][]byte, error) {
	h, err := parseHeader(payload)
	if err != nil {
		return nil, err
	}
	seqs := h.protected()
	if len(seqs) == 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fecs = append(r.fecs, &fecPacket{
		ssrc: ssrc,
		hdr:  h,
		body: append([]byte(nil), payload[h.size():h.size()+int(h.protectionLength)]...),
		seqs: seqs,
	})
	if len(r.fecs) > fecWindow {
		r.fecs = r.fecs[len(r.fecs)-fecWindow:]
	}
	return r.recoverLocked(), nil
}

// Recovered returns the number of packets rebuilt so far.
func (r *Receiver) Recovered() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recovered
}

// Reset drops all state.
func (r *Receiver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.media = make(map[uint16][]byte)
	r.order = nil
	r.fecs = nil
}

func (r *Receiver) storeLocked(seq uint16, packet []byte) {
	if _, ok := r.media[seq]; ok {
		return
	}
	r.media[seq] = append([]byte(nil), packet...)
	r.order = append(r.order, seq)
	if len(r.order) > mediaWindow {
		delete(r.media, r.order[0])
		r.order = r.order[1:]
	}
}

// recoverLocked repeats single-loss recovery until no FEC payload can
// make progress, since one recovered packet may complete another set.
func (r *Receiver) recoverLocked() [][]byte {
	var out [][]byte
	for progress := true; progress; {
		progress = false
		kept := r.fecs[:0]
		for _, f := range r.fecs {
			missing, count := uint16(0), 0
			for _, s := range f.seqs {
				if _, ok := r.media[s]; !ok {
					missing = s
					count++
				}
			}
			switch count {
			case 0:
				continue
			case 1:
				pkt := r.rebuildLocked(f, missing)
				if pkt == nil {
					continue
				}
				r.storeLocked(missing, pkt)
				r.recovered++
				out = append(out, pkt)
				progress = true
			default:
				kept = append(kept, f)
			}
		}
		r.fecs = kept
	}
	return out
}

func (r *Receiver) rebuildLocked(f *fecPacket, missing uint16) []byte {
	first, second := f.hdr.firstByte, f.hdr.secondByte
	ts, length := f.hdr.tsRecovery, f.hdr.lengthRecovery
	body := append([]byte(nil), f.body...)

	for _, s := range f.seqs {
		if s == missing {
			continue
		}
		pkt := r.media[s]
		first ^= pkt[0]
		second ^= pkt[1]
		ts ^= binary.BigEndian.Uint32(pkt[4:8])
		length ^= uint16(len(pkt) - rtpHeaderLength)
		xorInto(body, pkt[rtpHeaderLength:])
	}
	if int(length) > len(body) {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.rebuild",
			"seq":      missing,
			"length":   length,
		}).Warn("FEC recovery length exceeds protection length")
		return nil
	}

	pkt := make([]byte, rtpHeaderLength+int(length))
	pkt[0] = 0x80 | first&0x3f
	pkt[1] = second
	binary.BigEndian.PutUint16(pkt[2:4], missing)
	binary.BigEndian.PutUint32(pkt[4:8], ts)
	binary.BigEndian.PutUint32(pkt[8:12], f.ssrc)
	copy(pkt[rtpHeaderLength:], body[:length])
	return pkt
}
