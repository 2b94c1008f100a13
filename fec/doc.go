// Package fec implements forward error correction for RTP video:
// ULPFEC (RFC 5109) parity generation and recovery, and RED (RFC 2198)
// encapsulation used to carry media and FEC on one payload type.
//
// The Generator XORs the media packets of a frame into one or more FEC
// payloads according to a protection factor. The Receiver keeps recent
// media packets and FEC payloads, and rebuilds a media packet whenever
// exactly one packet covered by an FEC payload is missing.
package fec
