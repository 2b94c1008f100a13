// Package rtp implements the per-stream RTP machinery of a video
// channel on top of github.com/pion/rtp: the sender state (SSRC,
// sequence numbers, timestamps), the retransmission history used to
// answer NACKs, RFC 3550 receive statistics, the per-channel payload
// type registry, the keep-alive schedule, bitrate meters, and the
// rtpdump capture format.
//
// Nothing in this package starts goroutines; callers pass the current
// time in so that tests can drive it with a fake clock.
package rtp
