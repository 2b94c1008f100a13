// Package jitter reorders received RTP packets into frames and hands
// complete, decodable frames to the decoder in timestamp order.
//
// Packets are grouped by RTP timestamp. A frame is complete when the
// packet flagged as first, the packet carrying the marker bit and every
// sequence number between them have arrived. Frames decode in order as
// long as sequence numbers are continuous from the last decoded frame;
// a gap that persists past the maximum wait breaks decoding, after
// which only a key frame is accepted and the caller is asked to request
// one. Missing sequence numbers are tracked in a NACK list.
package jitter
