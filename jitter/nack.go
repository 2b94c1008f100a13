package jitter

import (
	"sort"
	"time"
)

// NACK list limits.
const (
	DefaultMaxNackList = 250
	DefaultMaxRetries  = 10
	minRetransmitWait  = 5 * time.Millisecond
)

type nackEntry struct {
	seq     uint16
	created time.Time
	sentAt  time.Time
	retries int
}

// NackList tracks missing sequence numbers and when each was last
// requested.
type NackList struct {
	entries    map[uint16]*nackEntry
	highest    uint16
	started    bool
	maxSize    int
	maxRetries int
}

// NewNackList creates a list bounded to maxSize sequence numbers.
func NewNackList(maxSize int) *NackList {
	if maxSize <= 0 {
		maxSize = DefaultMaxNackList
	}
	return &NackList{entries: make(map[uint16]*nackEntry), maxSize: maxSize, maxRetries: DefaultMaxRetries}
}

// OnPacket records an arriving sequence number. It returns false when
// the gap it opened does not fit the list; the list is then cleared
// and the caller should fall back to a key frame.
func (n *NackList) OnPacket(seq uint16, now time.Time) bool {
	if !n.started {
		n.started = true
		n.highest = seq
		return true
	}
	if seqLess(n.highest, seq) {
		gap := int(seq-n.highest) - 1
		if len(n.entries)+gap > n.maxSize {
			n.Clear()
			n.highest = seq
			return false
		}
		for s := n.highest + 1; s != seq; s++ {
			n.entries[s] = &nackEntry{seq: s, created: now}
		}
		n.highest = seq
		return true
	}
	delete(n.entries, seq)
	return true
}

// DropBefore forgets sequence numbers older than seq.
func (n *NackList) DropBefore(seq uint16) {
	for s := range n.entries {
		if seqLess(s, seq) {
			delete(n.entries, s)
		}
	}
}

// Due returns the sequence numbers to request at now. A number is
// requested again once rtt has passed since the previous request and
// dropped after the retry limit.
func (n *NackList) Due(now time.Time, rtt time.Duration) []uint16 {
	wait := max(rtt, minRetransmitWait)
	var out []uint16
	for s, e := range n.entries {
		if !e.sentAt.IsZero() && now.Sub(e.sentAt) < wait {
			continue
		}
		if e.retries >= n.maxRetries {
			delete(n.entries, s)
			continue
		}
		e.retries++
		e.sentAt = now
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return seqLess(out[i], out[j]) })
	return out
}

// Requested reports whether seq is missing and has been NACKed.
func (n *NackList) Requested(seq uint16) bool {
	e, ok := n.entries[seq]
	return ok && !e.sentAt.IsZero()
}

// Len returns the number of missing sequence numbers.
func (n *NackList) Len() int {
	return len(n.entries)
}

// Clear forgets every missing sequence number.
func (n *NackList) Clear() {
	n.entries = make(map[uint16]*nackEntry)
}
