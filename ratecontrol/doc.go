// Package ratecontrol adapts the send bitrate of a video channel.
//
// The Controller applies AIMD (additive increase, multiplicative
// decrease) to the loss reported in RTCP receiver reports and caps the
// result at the most recent TMMBR limit. Allocate splits a target
// between video, FEC and retransmissions. KeyFrameLimiter and
// RetransmitPacer bound how often key frames are requested and how many
// bytes NACK retransmissions may use.
package ratecontrol
