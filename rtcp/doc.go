// Package rtcp composes and parses the RTCP traffic of a video channel.
//
// Standard report and feedback packets (SR, RR, SDES, BYE, NACK, PLI,
// FIR) come from github.com/pion/rtcp. TMMBR, TMMBN (RFC 5104) and APP
// packets are implemented here as rtcp.Packet values so that they can
// be marshaled alongside the pion types.
//
// Compose builds one datagram according to the channel's Mode: a full
// compound packet (SR or RR first, then SDES CNAME, then feedback) or,
// in reduced-size mode, feedback on its own. Parse walks a datagram
// packet by packet and collects the fields a channel acts on into a
// Summary.
package rtcp
