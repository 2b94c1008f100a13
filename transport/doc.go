// Package transport carries RTP and RTCP datagrams for a channel.
//
// A SocketPair binds one UDP socket for RTP and one for RTCP, reads
// both in Run and hands each accepted datagram to a Handler. Outbound
// packets leave through the same sockets so that the peer sees
// symmetric ports. Callers that own their own network path implement
// Transport instead and inject received packets into the engine.
//
//	pair, err := transport.Listen("127.0.0.1", 11111, 11112)
//	pair.SetHandlers(onRTP, onRTCP)
//	go pair.Run(ctx)
//	pair.WriteRTP(packet, dest.RTPAddr())
//
// Send priority is set with SetToS, which marks packets with a DSCP
// value through golang.org/x/net/ipv4 or ipv6.
package transport
